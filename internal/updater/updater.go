// Package updater drives update cycles: it asks the policy whether to check,
// asks the server for an offer, lets the policy pick a source and reaches that
// source, persisting the payload history after every cycle.
package updater

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fleetupdate/internal/logging"
	"fleetupdate/internal/manager"
	"fleetupdate/internal/metrics"
	"fleetupdate/internal/policy"
	"fleetupdate/internal/security"
	"fleetupdate/internal/source"
	"fleetupdate/internal/state"
	"fleetupdate/internal/store"
	"fleetupdate/internal/telemetry"
	"fleetupdate/internal/transfer"
)

// Cycle outcomes.
const (
	OutcomeDisabled           = "disabled"
	OutcomeNoUpdate           = "no_update"
	OutcomeDownloadNotAllowed = "download_not_allowed"
	OutcomeDownloadFailed     = "download_failed"
	OutcomeDownloaded         = "downloaded"
	OutcomeDownloadedP2P      = "downloaded_p2p"
	OutcomeOfferRejected      = "offer_rejected"
	OutcomeError              = "error"

	outcomeCannotStartPrefix = "cannot_start:"
)

// StateStore persists the payload history.
type StateStore interface {
	Load(ctx context.Context) (*store.Record, error)
	Save(ctx context.Context, rec store.Record) error
	Clear(ctx context.Context) error
	RecentDecisions(ctx context.Context, limit int) ([]store.Decision, error)
	PruneDecisions(ctx context.Context, keep int) (int64, error)
}

// Defaults fill in rollout settings the server leaves to the client.
type Defaults struct {
	DownloadErrorsMax        int
	ScatterWaitPeriodMax     time.Duration
	ScatterCheckThresholdMin int
	ScatterCheckThresholdMax int
}

// Options configures an Updater.
type Options struct {
	// Schedule is the cron spec Start runs cycles on.
	Schedule string
	// KeepDecisions bounds the decision log; zero keeps everything.
	KeepDecisions     int
	AllowInsecureURLs bool
	Defaults          Defaults
	Metrics           *metrics.Metrics
}

// CycleResult summarizes one update cycle.
type CycleResult struct {
	CycleID   string `json:"cycle_id"`
	Outcome   string `json:"outcome"`
	PayloadID string `json:"payload_id,omitempty"`
	Version   string `json:"version,omitempty"`
	// URL is the mirror the cycle reached, empty for peer transfers.
	URL string `json:"url,omitempty"`
}

// Updater runs update cycles. Cycles never overlap.
type Updater struct {
	manager   *manager.Manager
	source    source.Source
	transfer  transfer.Transferer
	store     StateStore
	validator *security.Validator
	opts      Options

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates an updater.
func New(m *manager.Manager, src source.Source, tr transfer.Transferer, st StateStore, opts Options) *Updater {
	return &Updater{
		manager:   m,
		source:    src,
		transfer:  tr,
		store:     st,
		validator: security.NewValidator(opts.AllowInsecureURLs),
		opts:      opts,
	}
}

// RunCycle performs one update cycle. interactive marks the cycle as requested
// by a user, which bypasses scattering and backoff.
func (u *Updater) RunCycle(ctx context.Context, interactive bool) (CycleResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	id := uuid.NewString()
	ctx = manager.WithCycleID(ctx, id)
	ctx, span := telemetry.StartSpan(ctx, "update.cycle", trace.WithAttributes(
		attribute.String("cycle.id", id),
		attribute.Bool("cycle.interactive", interactive),
	))
	defer span.End()

	if interactive {
		if setter, ok := u.manager.State().(state.InteractiveSetter); ok {
			setter.SetInteractive(true)
			defer setter.SetInteractive(false)
		}
	}

	result, err := u.runCycle(ctx)
	result.CycleID = id
	if err != nil {
		if result.Outcome == "" {
			result.Outcome = OutcomeError
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.Error("Update cycle %s failed: %v", id, err)
	} else {
		logging.Info("Update cycle %s: %s", id, result.Outcome)
	}
	span.SetAttributes(attribute.String("cycle.outcome", result.Outcome))
	u.opts.Metrics.ObserveCycle(result.Outcome)

	if u.opts.KeepDecisions > 0 {
		if pruned, err := u.store.PruneDecisions(ctx, u.opts.KeepDecisions); err != nil {
			logging.Warning("Failed to prune decision log: %v", err)
		} else if pruned > 0 {
			logging.Debug("Pruned %d old decisions", pruned)
		}
	}
	return result, err
}

func (u *Updater) runCycle(ctx context.Context) (CycleResult, error) {
	var result CycleResult

	params, err := u.manager.UpdateCheckAllowed(ctx)
	if err != nil {
		return result, err
	}
	if !params.UpdatesEnabled {
		result.Outcome = OutcomeDisabled
		return result, nil
	}

	offer, err := u.source.Check(ctx, params)
	if err != nil {
		return result, fmt.Errorf("update check failed: %w", err)
	}
	if offer == nil {
		result.Outcome = OutcomeNoUpdate
		return result, nil
	}
	result.PayloadID = offer.PayloadID
	result.Version = offer.Version
	if err := u.validator.ValidateOffer(offer); err != nil {
		result.Outcome = OutcomeOfferRejected
		return result, err
	}

	now := u.manager.State().Clock().Now()
	rec, err := u.recordFor(ctx, offer)
	if err != nil {
		return result, err
	}
	us := &rec.State
	u.refresh(us, offer)
	us.NumChecks++
	us.IsInteractive = params.IsInteractive

	dp, err := u.manager.UpdateCanStart(ctx, *us)
	if err != nil {
		return result, err
	}
	us.Apply(dp, now)
	if dp.DoIncrementFailures {
		// Every source is spent; the next round after backoff starts over.
		us.DownloadErrors = nil
		us.LastDownloadURLIndex = -1
		us.LastDownloadURLNumErrors = 0
	}

	if !dp.UpdateCanStart {
		result.Outcome = outcomeCannotStartPrefix + dp.CannotStartReason.String()
		return result, u.save(ctx, rec)
	}

	allowed, err := u.manager.UpdateDownloadAllowed(ctx)
	if err != nil {
		if saveErr := u.save(ctx, rec); saveErr != nil {
			logging.Warning("Failed to save update state: %v", saveErr)
		}
		return result, err
	}
	if !allowed {
		result.Outcome = OutcomeDownloadNotAllowed
		return result, u.save(ctx, rec)
	}

	if dp.DownloadURLIndex >= 0 {
		result.URL = us.DownloadURLs[dp.DownloadURLIndex]
		err = u.transfer.Fetch(ctx, result.URL, offer.Size)
	} else {
		err = u.transfer.FetchP2P(ctx, offer.PayloadID)
	}

	switch {
	case err != nil && ctx.Err() != nil:
		// An interrupted transfer says nothing about the source.
		return result, errors.Join(ctx.Err(), u.save(context.WithoutCancel(ctx), rec))
	case err != nil:
		code := transfer.CodeOf(err)
		logging.Warning("Transfer of %s from source %d failed (%s): %v", offer.PayloadID, dp.DownloadURLIndex, code, err)
		us.DownloadErrors = append(us.DownloadErrors, policy.DownloadError{
			URLIndex: dp.DownloadURLIndex,
			Code:     code,
			Time:     now,
		})
		result.Outcome = OutcomeDownloadFailed
	default:
		us.DownloadErrors = nil
		us.LastDownloadURLNumErrors = 0
		us.NumFailures = 0
		us.FailuresLastUpdated = now
		us.BackoffExpiry = time.Time{}
		result.Outcome = OutcomeDownloaded
		if dp.DownloadURLIndex < 0 {
			result.Outcome = OutcomeDownloadedP2P
		}
	}
	return result, u.save(ctx, rec)
}

// recordFor returns the persisted history of the offered payload, starting a
// new one when the server offers something else.
func (u *Updater) recordFor(ctx context.Context, offer *source.Offer) (*store.Record, error) {
	now := u.manager.State().Clock().Now()
	rec, err := u.store.Load(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logging.Info("New update candidate %s (%s)", offer.PayloadID, offer.Version)
		return &store.Record{PayloadID: offer.PayloadID, Version: offer.Version, State: policy.NewUpdateState(now)}, nil
	case err != nil:
		return nil, err
	}
	if rec.PayloadID != offer.PayloadID {
		logging.Info("Update candidate changed from %s to %s (%s)", rec.PayloadID, offer.PayloadID, offer.Version)
		rec.PayloadID = offer.PayloadID
		rec.State.ResetPayload(now)
	}
	rec.Version = offer.Version
	return rec, nil
}

// refresh copies the server-provided settings of offer into us.
func (u *Updater) refresh(us *policy.UpdateState, offer *source.Offer) {
	if !slices.Equal(us.DownloadURLs, offer.URLs) {
		// Indexes recorded against the old list no longer mean anything.
		us.DownloadURLs = slices.Clone(offer.URLs)
		us.LastDownloadURLIndex = -1
		us.LastDownloadURLNumErrors = 0
		us.DownloadErrors = slices.DeleteFunc(us.DownloadErrors, func(de policy.DownloadError) bool {
			return de.URLIndex >= 0
		})
	}
	us.IsDeltaPayload = offer.IsDelta
	us.IsBackoffDisabled = offer.BackoffDisabled

	d := u.opts.Defaults
	us.DownloadErrorsMax = firstPositive(offer.DownloadErrorsMax, d.DownloadErrorsMax, 1)
	us.ScatterWaitPeriodMax = offer.ScatterWaitPeriodMax
	if us.ScatterWaitPeriodMax <= 0 {
		us.ScatterWaitPeriodMax = d.ScatterWaitPeriodMax
	}
	us.ScatterCheckThresholdMin = offer.ScatterCheckThresholdMin
	us.ScatterCheckThresholdMax = offer.ScatterCheckThresholdMax
	if us.ScatterCheckThresholdMax <= 0 {
		us.ScatterCheckThresholdMin = d.ScatterCheckThresholdMin
		us.ScatterCheckThresholdMax = d.ScatterCheckThresholdMax
	}
}

func (u *Updater) save(ctx context.Context, rec *store.Record) error {
	if err := u.store.Save(ctx, *rec); err != nil {
		return fmt.Errorf("failed to save update state: %w", err)
	}
	return nil
}

// Status returns the persisted history of the current candidate, or nil when
// there is none.
func (u *Updater) Status(ctx context.Context) (*store.Record, error) {
	rec, err := u.store.Load(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// Decisions returns the most recent policy decisions, newest first.
func (u *Updater) Decisions(ctx context.Context, limit int) ([]store.Decision, error) {
	return u.store.RecentDecisions(ctx, limit)
}

// Reset forgets the current candidate and its history.
func (u *Updater) Reset(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.store.Clear(ctx)
}

// Start runs background cycles on the configured schedule until Stop.
func (u *Updater) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{})), cron.WithLogger(cronLogger{}))
	if _, err := c.AddFunc(u.opts.Schedule, func() {
		if _, err := u.RunCycle(ctx, false); err != nil && ctx.Err() == nil {
			logging.Warning("Scheduled update cycle failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid check schedule %q: %w", u.opts.Schedule, err)
	}
	u.cron = c
	c.Start()
	logging.Info("Update checks scheduled: %s", u.opts.Schedule)
	return nil
}

// Stop stops the schedule and waits for a running cycle to finish.
func (u *Updater) Stop() {
	if u.cron == nil {
		return
	}
	<-u.cron.Stop().Done()
	u.cron = nil
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Debug("cron: %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
