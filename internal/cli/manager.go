package cli

import (
	"context"
	"time"
)

// Exit codes returned by Execute.
const (
	ExitSuccess      = 0
	ExitRuntimeError = 1
	ExitInvalidUsage = 2
)

// Manager abstracts the updater for the CLI.
type Manager interface {
	// RunCycle performs a single update cycle.
	RunCycle(ctx context.Context, interactive bool) (CycleResult, error)
	// Serve runs scheduled cycles until ctx is done.
	Serve(ctx context.Context) error
	Status(ctx context.Context, decisions int) (Status, error)
	Reset(ctx context.Context) error
	Close() error
}

// Opener builds a Manager from the configuration file at path. An empty
// path selects the default location.
type Opener func(ctx context.Context, configPath string) (Manager, error)

// Event is one line of CLI output.
type Event struct {
	Type    string      `json:"type"`
	Message string      `json:"message,omitempty"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// CycleResult mirrors the outcome of an update cycle.
type CycleResult struct {
	CycleID   string `json:"cycle_id"`
	Outcome   string `json:"outcome"`
	PayloadID string `json:"payload_id,omitempty"`
	Version   string `json:"version,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Status describes the current update candidate.
type Status struct {
	HasCandidate          bool          `json:"has_candidate"`
	PayloadID             string        `json:"payload_id,omitempty"`
	Version               string        `json:"version,omitempty"`
	FirstSeen             time.Time     `json:"first_seen,omitempty"`
	NumChecks             int           `json:"num_checks"`
	NumFailures           int           `json:"num_failures"`
	DownloadErrors        int           `json:"download_errors"`
	LastDownloadURL       string        `json:"last_download_url,omitempty"`
	BackoffExpiry         time.Time     `json:"backoff_expiry,omitempty"`
	ScatterWaitPeriod     time.Duration `json:"scatter_wait_period"`
	ScatterCheckThreshold int           `json:"scatter_check_threshold"`
	UpdatedAt             time.Time     `json:"updated_at,omitempty"`
	Decisions             []Decision    `json:"decisions,omitempty"`
}

// Decision is a logged policy outcome.
type Decision struct {
	CycleID   string    `json:"cycle_id,omitempty"`
	Request   string    `json:"request"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
