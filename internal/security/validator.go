// Package security checks update offers before the agent acts on them.
package security

import (
	"fmt"
	"net/url"
	"strings"

	"fleetupdate/internal/source"
)

// MaxMirrors bounds the number of download URLs accepted in one offer.
const MaxMirrors = 16

// ValidationError represents a rejected offer
type ValidationError struct {
	Field  string
	Rule   string
	Detail string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("offer rejected: %s: %s - %s", e.Field, e.Rule, e.Detail)
}

// Validator checks offers against the download rules of this device
type Validator struct {
	allowInsecure bool
}

// NewValidator creates a validator. allowInsecure admits plain http mirrors.
func NewValidator(allowInsecure bool) *Validator {
	return &Validator{allowInsecure: allowInsecure}
}

// ValidateOffer returns a ValidationError for the first rule offer breaks.
func (v *Validator) ValidateOffer(offer *source.Offer) error {
	if strings.TrimSpace(offer.PayloadID) == "" {
		return ValidationError{Field: "payload_id", Rule: "required", Detail: "the offer does not identify its payload"}
	}
	if offer.Size < 0 {
		return ValidationError{Field: "size", Rule: "non-negative", Detail: fmt.Sprintf("size %d", offer.Size)}
	}

	if err := v.validateURLs(offer.URLs); err != nil {
		return err
	}

	// Scatter and budget settings come from the server and must be sane.
	if offer.DownloadErrorsMax < 0 {
		return ValidationError{Field: "download_errors_max", Rule: "non-negative", Detail: fmt.Sprintf("got %d", offer.DownloadErrorsMax)}
	}
	if offer.ScatterWaitPeriodMax < 0 {
		return ValidationError{Field: "scatter_wait_period_max", Rule: "non-negative", Detail: offer.ScatterWaitPeriodMax.String()}
	}
	if offer.ScatterCheckThresholdMin < 0 || (offer.ScatterCheckThresholdMax > 0 && offer.ScatterCheckThresholdMin > offer.ScatterCheckThresholdMax) {
		return ValidationError{
			Field:  "scatter_check_threshold",
			Rule:   "ordered bounds",
			Detail: fmt.Sprintf("[%d, %d]", offer.ScatterCheckThresholdMin, offer.ScatterCheckThresholdMax),
		}
	}
	return nil
}

// validateURLs checks that every mirror is an absolute URL over an allowed
// scheme and that none is listed twice
func (v *Validator) validateURLs(urls []string) error {
	if len(urls) > MaxMirrors {
		return ValidationError{Field: "urls", Rule: "mirror count", Detail: fmt.Sprintf("%d mirrors, at most %d allowed", len(urls), MaxMirrors)}
	}

	seen := make(map[string]bool, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return ValidationError{Field: "urls", Rule: "absolute url", Detail: fmt.Sprintf("'%s' is not an absolute URL", raw)}
		}

		switch strings.ToLower(u.Scheme) {
		case "https":
		case "http":
			if !v.allowInsecure {
				return ValidationError{Field: "urls", Rule: "secure transport", Detail: fmt.Sprintf("'%s' does not use https", raw)}
			}
		default:
			return ValidationError{Field: "urls", Rule: "scheme", Detail: fmt.Sprintf("scheme '%s' is not allowed", u.Scheme)}
		}

		if u.User != nil {
			return ValidationError{Field: "urls", Rule: "credentials", Detail: fmt.Sprintf("'%s' embeds credentials", u.Redacted())}
		}

		if seen[raw] {
			return ValidationError{Field: "urls", Rule: "duplicate mirror", Detail: fmt.Sprintf("'%s' is listed twice", raw)}
		}
		seen[raw] = true
	}
	return nil
}
