package config

import "time"

// Defaults applied before config.toml and the environment.
const (
	DefaultConfigPath        = "config.toml"
	DefaultDatabasePath      = "fleetupdate.db"
	DefaultCheckSchedule     = "@every 45m"
	DefaultEvaluationTimeout = 5 * time.Minute
	DefaultSourceTimeout     = 30 * time.Second
	DefaultDownloadErrorsMax = 10
	DefaultDevicePolicyPath  = "/etc/fleetupdate/device_policy.yaml"

	// MaxBackoff bounds updates.backoff_max.
	MaxBackoff = 365 * 24 * time.Hour

	envPrefix = "FLEETUPDATE_"
)
