package policy

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"

	"fleetupdate/internal/evaluation"
	"fleetupdate/internal/state"
)

// Fleet is the policy for managed devices: rollouts are scattered across the
// fleet, failing payloads back off and mirrors are rotated through before
// falling back to peers.
type Fleet struct {
	opts Options
}

// NewFleet creates the fleet policy. Zero backoff fields take their defaults.
func NewFleet(opts Options) *Fleet {
	defaults := DefaultOptions()
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaults.BackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaults.BackoffMax
	}
	if opts.BackoffFuzz < 0 {
		opts.BackoffFuzz = 0
	}
	if opts.AllowedConnections == nil {
		opts.AllowedConnections = defaults.AllowedConnections
	}
	return &Fleet{opts: opts}
}

func (f *Fleet) Name() string { return "FleetPolicy" }

func (f *Fleet) UpdateCheckAllowed(ec *evaluation.Context, st state.State) (UpdateCheckParams, EvalStatus, error) {
	enabled, err := optional(ec, st.Updater().UpdatesEnabled(), true)
	if err != nil {
		return UpdateCheckParams{}, StatusFailed, err
	}
	if !enabled {
		return UpdateCheckParams{UpdatesEnabled: false}, StatusSucceeded, nil
	}
	enrolled, err := isEnrolled(ec, st)
	if err != nil {
		return UpdateCheckParams{}, StatusFailed, err
	}

	params := UpdateCheckParams{UpdatesEnabled: true}
	if enrolled {
		disabled, err := optional(ec, st.DevicePolicy().UpdateDisabled(), false)
		if err != nil {
			return UpdateCheckParams{}, StatusFailed, err
		}
		if disabled {
			return UpdateCheckParams{UpdatesEnabled: false}, StatusSucceeded, nil
		}
		if params.TargetVersionPrefix, err = optional(ec, st.DevicePolicy().TargetVersionPrefix(), ""); err != nil {
			return UpdateCheckParams{}, StatusFailed, err
		}
		delegated, err := optional(ec, st.DevicePolicy().ReleaseChannelDelegated(), false)
		if err != nil {
			return UpdateCheckParams{}, StatusFailed, err
		}
		if !delegated {
			if params.TargetChannel, err = optional(ec, st.DevicePolicy().ReleaseChannel(), ""); err != nil {
				return UpdateCheckParams{}, StatusFailed, err
			}
		}
	}
	if params.IsInteractive, err = optional(ec, st.Updater().InteractiveRequested(), false); err != nil {
		return UpdateCheckParams{}, StatusFailed, err
	}
	return params, StatusSucceeded, nil
}

func (f *Fleet) UpdateCanStart(ec *evaluation.Context, st state.State, us UpdateState) (UpdateDownloadParams, EvalStatus, error) {
	if err := us.validate(); err != nil {
		return UpdateDownloadParams{}, StatusFailed, fmt.Errorf("invalid update state: %w", err)
	}

	seed, err := evaluation.Get(ec, st.Random().Seed())
	if err != nil {
		return UpdateDownloadParams{}, StatusFailed, fmt.Errorf("failed to read random seed: %w", err)
	}
	rng := rand.New(rand.NewSource(seed))

	result := UpdateDownloadParams{
		UpdateCanStart:        true,
		DownloadURLIndex:      -1,
		BackoffExpiry:         us.BackoffExpiry,
		ScatterWaitPeriod:     us.ScatterWaitPeriod,
		ScatterCheckThreshold: us.ScatterCheckThreshold,
	}

	if !us.IsInteractive {
		sc := scatter(ec, us, rng)
		result.ScatterWaitPeriod = sc.waitPeriod
		result.ScatterCheckThreshold = sc.checkThreshold
		if sc.inEffect {
			result.UpdateCanStart = false
			result.CannotStartReason = CannotStartScattering
			if sc.fresh {
				result.CannotStartReason = CannotStartCheckNotDue
			}
			return result, StatusSucceeded, nil
		}

		if !us.IsBackoffDisabled && !us.BackoffExpiry.IsZero() && !ec.IsWallclockTimeGreaterThan(us.BackoffExpiry) {
			result.UpdateCanStart = false
			result.CannotStartReason = CannotStartBackoff
			return result, StatusSucceeded, nil
		}
	}

	p2p, err := f.p2pEnabled(ec, st)
	if err != nil {
		return UpdateDownloadParams{}, StatusFailed, err
	}

	budget := us.DownloadErrorsMax
	if us.IsDeltaPayload && f.opts.DeltaDownloadErrorsMax > 0 {
		budget = f.opts.DeltaDownloadErrorsMax
	}
	if idx, numErrors, ok := nextUsableURL(us, budget); ok {
		result.DownloadURLIndex = idx
		result.DownloadURLNumErrors = numErrors
		result.P2PAllowed = p2p
		return result, StatusSucceeded, nil
	}

	if p2p {
		result.P2PAllowed = true
		return result, StatusSucceeded, nil
	}

	result.UpdateCanStart = false
	result.CannotStartReason = CannotStartNoUsableSource
	result.DoIncrementFailures = true
	if !us.IsInteractive && !us.IsBackoffDisabled {
		result.BackoffExpiry = f.nextBackoffExpiry(ec.Now(), us.NumFailures, rng)
	}
	return result, StatusSucceeded, nil
}

func (f *Fleet) UpdateDownloadAllowed(ec *evaluation.Context, st state.State) (bool, EvalStatus, error) {
	conn, err := evaluation.Get(ec, st.Network().ConnectionType())
	if errors.Is(err, state.ErrNotAvailable) {
		return false, StatusAskAgainLater, nil
	}
	if err != nil {
		return false, StatusFailed, fmt.Errorf("failed to read connection type: %w", err)
	}
	tethered, err := optional(ec, st.Network().IsTethered(), false)
	if err != nil {
		return false, StatusFailed, err
	}
	enrolled, err := isEnrolled(ec, st)
	if err != nil {
		return false, StatusFailed, err
	}
	var allowed []state.ConnectionType
	if enrolled {
		if allowed, err = optional(ec, st.DevicePolicy().AllowedConnectionTypes(), []state.ConnectionType(nil)); err != nil {
			return false, StatusFailed, err
		}
	}
	if len(allowed) == 0 {
		allowed = f.opts.AllowedConnections
	}

	if tethered || conn == state.ConnectionCellular {
		return slices.Contains(allowed, state.ConnectionCellular), StatusSucceeded, nil
	}
	return slices.Contains(allowed, conn), StatusSucceeded, nil
}

func (f *Fleet) p2pEnabled(ec *evaluation.Context, st state.State) (bool, error) {
	buildDefault, err := optional(ec, st.Updater().P2PEnabled(), false)
	if err != nil {
		return false, err
	}
	enrolled, err := isEnrolled(ec, st)
	if err != nil || !enrolled {
		return buildDefault, err
	}
	return optional(ec, st.DevicePolicy().P2PEnabled(), buildDefault)
}

// isEnrolled reports whether the device policy applies. Settings of an
// unenrolled device are ignored.
func isEnrolled(ec *evaluation.Context, st state.State) (bool, error) {
	return optional(ec, st.DevicePolicy().IsEnrolled(), false)
}
