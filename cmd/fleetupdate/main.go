// Package main is the entry point for the fleetupdate agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"fleetupdate/internal/cli"
	"fleetupdate/internal/config"
	"fleetupdate/internal/logging"
	"fleetupdate/internal/manager"
	"fleetupdate/internal/metrics"
	"fleetupdate/internal/policy"
	"fleetupdate/internal/source"
	"fleetupdate/internal/state"
	"fleetupdate/internal/store"
	"fleetupdate/internal/telemetry"
	"fleetupdate/internal/transfer"
	"fleetupdate/internal/updater"
	"fleetupdate/internal/version"
)

// keepDecisions bounds the decision log kept in the state database.
const keepDecisions = 500

func main() {
	// Load .env file if it exists (for development)
	if err := godotenv.Load(); err != nil && os.Getenv("DEBUG") == "true" {
		logging.Debug("No .env file found or error loading it: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.ExecuteContext(ctx, os.Args[1:], open, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// open wires the agent from the configuration at configPath.
func open(ctx context.Context, configPath string) (cli.Manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Source.ManifestURL == "" {
		return nil, errors.New("source.manifest_url must be set")
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.SetLevel(level)
	if err := logging.Initialize(cfg.LogDir); err != nil {
		logging.Warning("Failed to initialize file logging: %v", err)
	}
	logging.Debug("Configuration: %s", cfg)

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	closers = append(closers, logging.Close)

	shutdown, err := telemetry.InitializeFromEnv(ctx, version.Get().Version)
	if err != nil {
		logging.Warning("Failed to initialize telemetry: %v", err)
	} else {
		closers = append(closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdown(shutdownCtx)
		})
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		closeAll()
		return nil, err
	}
	closers = append(closers, db.Close)

	opts, err := cfg.PolicyOptions()
	if err != nil {
		closeAll()
		return nil, err
	}
	p, err := policy.New(cfg.Policy, opts)
	if err != nil {
		closeAll()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	mt := metrics.New(registry)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(registry), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("Metrics server failed: %v", err)
			}
		}()
		closers = append(closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		logging.Info("Serving metrics on %s", cfg.MetricsAddr)
	}

	facts := state.NewSystem(state.SystemOptions{
		DevicePolicyPath: cfg.DevicePolicyPath,
		UpdatesEnabled:   cfg.Updates.Enabled,
		P2PEnabled:       cfg.Updates.P2PEnabled,
	})
	m := manager.New(p, facts,
		manager.WithWaitTimeout(cfg.EvaluationTimeout),
		manager.WithMetrics(mt),
		manager.WithDecisionLog(db),
	)

	u := updater.New(m,
		source.NewHTTPSource(cfg.Source.ManifestURL, cfg.Source.AppID, cfg.Source.Channel, cfg.Source.Timeout),
		transfer.NewProbeTransferer(cfg.Source.Timeout),
		db,
		updater.Options{
			Schedule:          cfg.CheckSchedule,
			KeepDecisions:     keepDecisions,
			AllowInsecureURLs: cfg.Source.AllowInsecure,
			Defaults: updater.Defaults{
				DownloadErrorsMax:        cfg.Updates.DownloadErrorsMax,
				ScatterWaitPeriodMax:     cfg.Updates.ScatterWaitPeriodMax,
				ScatterCheckThresholdMin: cfg.Updates.ScatterCheckThresholdMin,
				ScatterCheckThresholdMax: cfg.Updates.ScatterCheckThresholdMax,
			},
			Metrics: mt,
		},
	)

	logging.Info("fleetupdate %s using %s", version.Get().Version, p.Name())
	return cli.NewManagerAdapter(u, closeAll), nil
}
