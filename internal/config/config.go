// Package config loads fleetupdate settings from defaults, a TOML file and the
// environment, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"fleetupdate/internal/logging"
	"fleetupdate/internal/policy"
	"fleetupdate/internal/state"
)

// Config holds all configuration settings for the application
type Config struct {
	// Policy selects the decision policy: "fleet" or "default".
	Policy string `toml:"policy"`

	// DatabasePath is the path to the SQLite database file
	DatabasePath string `toml:"database_path"`

	LogDir   string `toml:"log_dir"`
	LogLevel string `toml:"log_level"`

	// MetricsAddr serves Prometheus metrics when set, e.g. ":9310".
	MetricsAddr string `toml:"metrics_addr"`

	// CheckSchedule is a cron spec for background update cycles.
	CheckSchedule string `toml:"check_schedule"`

	// EvaluationTimeout bounds each wait for a fact to change.
	EvaluationTimeout time.Duration `toml:"evaluation_timeout"`

	DevicePolicyPath string `toml:"device_policy_path"`

	Source  SourceConfig  `toml:"source"`
	Updates UpdatesConfig `toml:"updates"`
}

// SourceConfig describes the update server.
type SourceConfig struct {
	ManifestURL string        `toml:"manifest_url"`
	AppID       string        `toml:"app_id"`
	Channel     string        `toml:"channel"`
	Timeout     time.Duration `toml:"timeout"`
	// AllowInsecure accepts plain http download mirrors.
	AllowInsecure bool `toml:"allow_insecure"`
}

// UpdatesConfig holds build defaults for the update policy. Values the server
// sends with an offer take precedence over the scatter bounds and error
// budget.
type UpdatesConfig struct {
	Enabled    bool `toml:"enabled"`
	P2PEnabled bool `toml:"p2p_enabled"`

	DownloadErrorsMax      int `toml:"download_errors_max"`
	DeltaDownloadErrorsMax int `toml:"delta_download_errors_max"`

	ScatterWaitPeriodMax     time.Duration `toml:"scatter_wait_period_max"`
	ScatterCheckThresholdMin int           `toml:"scatter_check_threshold_min"`
	ScatterCheckThresholdMax int           `toml:"scatter_check_threshold_max"`

	AllowedConnections []string `toml:"allowed_connections"`

	BackoffBase time.Duration `toml:"backoff_base"`
	BackoffMax  time.Duration `toml:"backoff_max"`
	BackoffFuzz time.Duration `toml:"backoff_fuzz"`
}

func defaultConfig() *Config {
	opts := policy.DefaultOptions()
	allowed := make([]string, 0, len(opts.AllowedConnections))
	for _, c := range opts.AllowedConnections {
		allowed = append(allowed, c.String())
	}

	return &Config{
		Policy:            "fleet",
		DatabasePath:      DefaultDatabasePath,
		LogLevel:          "info",
		CheckSchedule:     DefaultCheckSchedule,
		EvaluationTimeout: DefaultEvaluationTimeout,
		DevicePolicyPath:  DefaultDevicePolicyPath,
		Source: SourceConfig{
			AppID:   "fleetupdate",
			Channel: "stable",
			Timeout: DefaultSourceTimeout,
		},
		Updates: UpdatesConfig{
			Enabled:            true,
			DownloadErrorsMax:  DefaultDownloadErrorsMax,
			AllowedConnections: allowed,
			BackoffBase:        opts.BackoffBase,
			BackoffMax:         opts.BackoffMax,
			BackoffFuzz:        opts.BackoffFuzz,
		},
	}
}

// Load reads the configuration. An empty path means config.toml in the
// working directory, which may be absent. An explicit path must exist.
func Load(path string) (*Config, error) {
	config := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		logging.Debug("Loaded config from %s", path)
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	stringVars := map[string]*string{
		"POLICY":         &c.Policy,
		"DATABASE_PATH":  &c.DatabasePath,
		"LOG_DIR":        &c.LogDir,
		"LOG_LEVEL":      &c.LogLevel,
		"METRICS_ADDR":   &c.MetricsAddr,
		"CHECK_SCHEDULE": &c.CheckSchedule,
		"DEVICE_POLICY":  &c.DevicePolicyPath,
		"MANIFEST_URL":   &c.Source.ManifestURL,
		"APP_ID":         &c.Source.AppID,
		"CHANNEL":        &c.Source.Channel,
	}
	for key, dst := range stringVars {
		if v := os.Getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"UPDATES_ENABLED": &c.Updates.Enabled,
		"P2P_ENABLED":     &c.Updates.P2PEnabled,
	}
	for key, dst := range bools {
		v := os.Getenv(envPrefix + key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		}
		*dst = b
	}

	if v := os.Getenv(envPrefix + "EVALUATION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sEVALUATION_TIMEOUT: %w", envPrefix, err)
		}
		c.EvaluationTimeout = d
	}
	return nil
}

// Validate rejects settings the policy cannot work with.
func (c *Config) Validate() error {
	if _, err := policy.New(c.Policy, policy.DefaultOptions()); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.DatabasePath == "" {
		return errors.New("database_path must be set")
	}
	if c.Source.ManifestURL != "" {
		u, err := url.Parse(c.Source.ManifestURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid source.manifest_url %q", c.Source.ManifestURL)
		}
	}
	u := c.Updates
	if u.DownloadErrorsMax <= 0 {
		return fmt.Errorf("updates.download_errors_max must be positive, got %d", u.DownloadErrorsMax)
	}
	if u.ScatterCheckThresholdMin < 0 || u.ScatterCheckThresholdMin > u.ScatterCheckThresholdMax {
		return fmt.Errorf("invalid scatter check threshold bounds [%d, %d]", u.ScatterCheckThresholdMin, u.ScatterCheckThresholdMax)
	}
	if u.ScatterWaitPeriodMax < 0 {
		return errors.New("updates.scatter_wait_period_max must not be negative")
	}
	if u.BackoffBase < 0 || u.BackoffMax < 0 || u.BackoffFuzz < 0 {
		return errors.New("backoff durations must not be negative")
	}
	if u.BackoffMax > MaxBackoff {
		return fmt.Errorf("updates.backoff_max %v exceeds %v", u.BackoffMax, MaxBackoff)
	}
	if u.BackoffBase > u.BackoffMax || u.BackoffFuzz > u.BackoffMax {
		return fmt.Errorf("updates.backoff_base and backoff_fuzz must not exceed backoff_max %v", u.BackoffMax)
	}
	if _, err := state.ParseConnectionTypes(u.AllowedConnections); err != nil {
		return fmt.Errorf("invalid updates.allowed_connections: %w", err)
	}
	return nil
}

// PolicyOptions converts the update settings for policy.New.
func (c *Config) PolicyOptions() (policy.Options, error) {
	allowed, err := state.ParseConnectionTypes(c.Updates.AllowedConnections)
	if err != nil {
		return policy.Options{}, err
	}
	return policy.Options{
		BackoffBase:            c.Updates.BackoffBase,
		BackoffMax:             c.Updates.BackoffMax,
		BackoffFuzz:            c.Updates.BackoffFuzz,
		AllowedConnections:     allowed,
		DeltaDownloadErrorsMax: c.Updates.DeltaDownloadErrorsMax,
	}, nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Policy: %s", c.Policy))
	parts = append(parts, fmt.Sprintf("DatabasePath: %s", c.DatabasePath))
	parts = append(parts, fmt.Sprintf("ManifestURL: %s", c.Source.ManifestURL))
	parts = append(parts, fmt.Sprintf("CheckSchedule: %s", c.CheckSchedule))
	parts = append(parts, fmt.Sprintf("UpdatesEnabled: %t", c.Updates.Enabled))
	return strings.Join(parts, ", ")
}
