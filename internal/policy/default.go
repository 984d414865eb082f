package policy

import (
	"fleetupdate/internal/evaluation"
	"fleetupdate/internal/state"
)

// Default is the permissive policy for unmanaged and developer builds: it
// always checks, always downloads and always uses the first mirror.
type Default struct{}

func NewDefault() *Default { return &Default{} }

func (d *Default) Name() string { return "DefaultPolicy" }

func (d *Default) UpdateCheckAllowed(ec *evaluation.Context, st state.State) (UpdateCheckParams, EvalStatus, error) {
	interactive, err := optional(ec, st.Updater().InteractiveRequested(), false)
	if err != nil {
		return UpdateCheckParams{}, StatusFailed, err
	}
	return UpdateCheckParams{UpdatesEnabled: true, IsInteractive: interactive}, StatusSucceeded, nil
}

func (d *Default) UpdateCanStart(_ *evaluation.Context, _ state.State, us UpdateState) (UpdateDownloadParams, EvalStatus, error) {
	result := UpdateDownloadParams{
		UpdateCanStart:        true,
		DownloadURLIndex:      0,
		BackoffExpiry:         us.BackoffExpiry,
		ScatterWaitPeriod:     us.ScatterWaitPeriod,
		ScatterCheckThreshold: us.ScatterCheckThreshold,
	}
	if len(us.DownloadURLs) == 0 {
		result.UpdateCanStart = false
		result.CannotStartReason = CannotStartNoUsableSource
		result.DownloadURLIndex = -1
	}
	return result, StatusSucceeded, nil
}

func (d *Default) UpdateDownloadAllowed(_ *evaluation.Context, _ state.State) (bool, EvalStatus, error) {
	return true, StatusSucceeded, nil
}
