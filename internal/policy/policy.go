package policy

import (
	"errors"
	"fmt"
	"time"

	"fleetupdate/internal/evaluation"
	"fleetupdate/internal/state"
)

// Policy makes the update decisions. Implementations hold no mutable state;
// everything they depend on comes from the arguments and the facts read
// through ec. The returned error is non-nil exactly when the status is
// StatusFailed.
//
// UpdateDownloadAllowed may return StatusAskAgainLater while the connection
// type is unknown, so a synchronous caller blocks until the network fact is
// published or the evaluation times out.
type Policy interface {
	Name() string
	UpdateCheckAllowed(ec *evaluation.Context, st state.State) (UpdateCheckParams, EvalStatus, error)
	UpdateCanStart(ec *evaluation.Context, st state.State, us UpdateState) (UpdateDownloadParams, EvalStatus, error)
	UpdateDownloadAllowed(ec *evaluation.Context, st state.State) (bool, EvalStatus, error)
}

// Options tunes the fleet policy.
type Options struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// BackoffFuzz is the width of the jitter window centred on the interval.
	BackoffFuzz time.Duration

	// AllowedConnections applies when the device policy does not list any.
	AllowedConnections []state.ConnectionType

	// DeltaDownloadErrorsMax replaces the per-URL error budget for delta
	// payloads when positive.
	DeltaDownloadErrorsMax int
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		BackoffBase: 24 * time.Hour,
		BackoffMax:  16 * 24 * time.Hour,
		BackoffFuzz: 12 * time.Hour,
		AllowedConnections: []state.ConnectionType{
			state.ConnectionEthernet,
			state.ConnectionWifi,
			state.ConnectionWimax,
		},
	}
}

// New returns the policy registered under name. An empty name selects the
// fleet policy.
func New(name string, opts Options) (Policy, error) {
	switch name {
	case "", "fleet":
		return NewFleet(opts), nil
	case "default":
		return NewDefault(), nil
	default:
		return nil, fmt.Errorf("unknown policy %q", name)
	}
}

// optional reads a fact that has a sensible fallback when it is not set.
func optional[T any](ec *evaluation.Context, v state.Variable[T], fallback T) (T, error) {
	val, err := evaluation.Get(ec, v)
	if errors.Is(err, state.ErrNotAvailable) {
		return fallback, nil
	}
	if err != nil {
		return fallback, fmt.Errorf("failed to read %s: %w", v.Name(), err)
	}
	return val, nil
}
