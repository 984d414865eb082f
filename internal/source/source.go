// Package source asks the update server whether a newer payload is available.
package source

import (
	"context"
	"time"

	"fleetupdate/internal/policy"
)

// Offer is a payload the server wants this device to install, plus the
// rollout parameters it attached.
type Offer struct {
	// PayloadID identifies the payload content. A different id means a new
	// candidate and resets the attempt history.
	PayloadID string
	Version   string
	URLs      []string
	Size      int64
	IsDelta   bool

	// Zero values mean the server left the setting to the client.
	DownloadErrorsMax        int
	ScatterWaitPeriodMax     time.Duration
	ScatterCheckThresholdMin int
	ScatterCheckThresholdMax int
	BackoffDisabled          bool
}

// Source performs an update check. It returns a nil offer when the device is
// up to date.
type Source interface {
	Check(ctx context.Context, params policy.UpdateCheckParams) (*Offer, error)
}
