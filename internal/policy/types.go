package policy

import (
	"fmt"
	"time"
)

// UpdateCheckParams is the outcome of UpdateCheckAllowed.
type UpdateCheckParams struct {
	UpdatesEnabled bool
	// TargetVersionPrefix pins the update to versions starting with it.
	TargetVersionPrefix string
	// TargetChannel forces a release channel. Empty keeps the current one.
	TargetChannel string
	IsInteractive bool
}

// CannotStartReason explains a refused UpdateCanStart.
type CannotStartReason int

const (
	CannotStartUndefined CannotStartReason = iota
	CannotStartCheckNotDue
	CannotStartScattering
	CannotStartBackoff
	CannotStartNoUsableSource
)

func (r CannotStartReason) String() string {
	switch r {
	case CannotStartUndefined:
		return "undefined"
	case CannotStartCheckNotDue:
		return "check_not_due"
	case CannotStartScattering:
		return "scattering_in_effect"
	case CannotStartBackoff:
		return "backoff_in_effect"
	case CannotStartNoUsableSource:
		return "no_usable_source"
	default:
		return fmt.Sprintf("CannotStartReason(%d)", int(r))
	}
}

// DownloadError records one failed download attempt. URLIndex is -1 for a
// peer-to-peer attempt.
type DownloadError struct {
	URLIndex int
	Code     ErrorCode
	Time     time.Time
}

// UpdateState is the history of the current candidate payload. The caller
// persists it between evaluations and feeds UpdateDownloadParams back into it
// with Apply.
type UpdateState struct {
	IsInteractive  bool
	IsDeltaPayload bool
	FirstSeen      time.Time

	// NumChecks counts update checks that offered this payload.
	NumChecks           int
	NumFailures         int
	FailuresLastUpdated time.Time

	DownloadURLs             []string
	DownloadErrorsMax        int
	LastDownloadURLIndex     int
	LastDownloadURLNumErrors int
	// DownloadErrors holds every failed attempt on this payload since the last
	// successful download, oldest first.
	DownloadErrors []DownloadError

	BackoffExpiry     time.Time
	IsBackoffDisabled bool

	ScatterWaitPeriod        time.Duration
	ScatterCheckThreshold    int
	ScatterWaitPeriodMax     time.Duration
	ScatterCheckThresholdMin int
	ScatterCheckThresholdMax int
}

// NewUpdateState returns the state of a payload seen for the first time.
func NewUpdateState(firstSeen time.Time) UpdateState {
	return UpdateState{
		FirstSeen:            firstSeen,
		LastDownloadURLIndex: -1,
	}
}

// ResetPayload forgets the attempt history when a different payload becomes
// the candidate. Server-provided bounds and URLs are left for the caller to
// refresh.
func (s *UpdateState) ResetPayload(firstSeen time.Time) {
	s.FirstSeen = firstSeen
	s.NumChecks = 0
	s.NumFailures = 0
	s.FailuresLastUpdated = time.Time{}
	s.LastDownloadURLIndex = -1
	s.LastDownloadURLNumErrors = 0
	s.DownloadErrors = nil
	s.BackoffExpiry = time.Time{}
	s.ScatterWaitPeriod = 0
	s.ScatterCheckThreshold = 0
}

// Apply stores the output of UpdateCanStart so the next evaluation continues
// from it.
func (s *UpdateState) Apply(p UpdateDownloadParams, now time.Time) {
	if p.UpdateCanStart {
		s.LastDownloadURLIndex = p.DownloadURLIndex
		s.LastDownloadURLNumErrors = p.DownloadURLNumErrors
	}
	s.BackoffExpiry = p.BackoffExpiry
	s.ScatterWaitPeriod = p.ScatterWaitPeriod
	s.ScatterCheckThreshold = p.ScatterCheckThreshold
	if p.DoIncrementFailures {
		s.NumFailures++
		s.FailuresLastUpdated = now
	}
}

func (s UpdateState) validate() error {
	switch {
	case s.FirstSeen.IsZero():
		return fmt.Errorf("first seen time is not set")
	case s.NumChecks < 0:
		return fmt.Errorf("negative check count %d", s.NumChecks)
	case s.NumFailures < 0:
		return fmt.Errorf("negative failure count %d", s.NumFailures)
	case s.DownloadErrorsMax <= 0:
		return fmt.Errorf("download error budget must be positive, got %d", s.DownloadErrorsMax)
	case s.LastDownloadURLIndex < -1 || s.LastDownloadURLIndex >= len(s.DownloadURLs):
		return fmt.Errorf("last download URL index %d out of range for %d URLs", s.LastDownloadURLIndex, len(s.DownloadURLs))
	case s.LastDownloadURLNumErrors < 0:
		return fmt.Errorf("negative URL error count %d", s.LastDownloadURLNumErrors)
	case s.ScatterWaitPeriodMax < 0:
		return fmt.Errorf("negative scatter wait period max %v", s.ScatterWaitPeriodMax)
	case s.ScatterCheckThresholdMin < 0 || s.ScatterCheckThresholdMin > s.ScatterCheckThresholdMax:
		return fmt.Errorf("invalid scatter check threshold bounds [%d, %d]", s.ScatterCheckThresholdMin, s.ScatterCheckThresholdMax)
	}
	for _, de := range s.DownloadErrors {
		if de.URLIndex < -1 || de.URLIndex >= len(s.DownloadURLs) {
			return fmt.Errorf("download error refers to URL %d of %d", de.URLIndex, len(s.DownloadURLs))
		}
	}
	return nil
}

// UpdateDownloadParams is the outcome of UpdateCanStart. Every field is meant
// to be persisted into the next UpdateState.
type UpdateDownloadParams struct {
	UpdateCanStart    bool
	CannotStartReason CannotStartReason

	// DownloadURLIndex is the mirror to use, or -1 when none was chosen.
	DownloadURLIndex     int
	DownloadURLNumErrors int
	P2PAllowed           bool

	DoIncrementFailures bool
	BackoffExpiry       time.Time

	ScatterWaitPeriod     time.Duration
	ScatterCheckThreshold int
}
