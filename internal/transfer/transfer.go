// Package transfer reaches the sources the policy picked. Moving payload bytes
// is left to the platform installer; this package only checks that a source
// can serve the payload.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fleetupdate/internal/policy"
	"fleetupdate/internal/version"
)

// ErrP2PUnavailable is returned when no peer offers the payload.
var ErrP2PUnavailable = errors.New("no peer serves the payload")

// Error is a failed transfer classified for the policy's error accounting.
type Error struct {
	Code policy.ErrorCode
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// CodeOf classifies err. Unclassified errors count as transfer errors.
func CodeOf(err error) policy.ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return policy.ErrorDownloadTransfer
}

// Transferer fetches a payload from a mirror or from peers.
type Transferer interface {
	Fetch(ctx context.Context, url string, expectedSize int64) error
	FetchP2P(ctx context.Context, payloadID string) error
}

// ProbeTransferer checks mirrors with HEAD requests and has no peer support.
type ProbeTransferer struct {
	HTTPClient *http.Client
}

// NewProbeTransferer creates a transferer with the given request timeout.
func NewProbeTransferer(timeout time.Duration) *ProbeTransferer {
	return &ProbeTransferer{HTTPClient: &http.Client{Timeout: timeout}}
}

// Fetch verifies that url serves a payload of expectedSize bytes. A zero
// expectedSize skips the size check.
func (p *ProbeTransferer) Fetch(ctx context.Context, url string, expectedSize int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return &Error{Code: policy.ErrorDownloadTransfer, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return &Error{Code: policy.ErrorDownloadTransfer, Err: err}
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{Code: policy.ErrorDownloadTransfer, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}
	if expectedSize > 0 && resp.ContentLength >= 0 && resp.ContentLength != expectedSize {
		return &Error{
			Code: policy.ErrorPayloadSizeMismatch,
			Err:  fmt.Errorf("server reports %d bytes, want %d", resp.ContentLength, expectedSize),
		}
	}
	return nil
}

// FetchP2P always fails: peer discovery is not available on this build.
func (p *ProbeTransferer) FetchP2P(_ context.Context, _ string) error {
	return &Error{Code: policy.ErrorDownloadTransfer, Err: ErrP2PUnavailable}
}
