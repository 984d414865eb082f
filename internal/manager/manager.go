// Package manager runs policy requests to completion: it evaluates, waits on
// the facts a deferred evaluation read and evaluates again until the policy
// reaches a decision.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fleetupdate/internal/evaluation"
	"fleetupdate/internal/logging"
	"fleetupdate/internal/metrics"
	"fleetupdate/internal/policy"
	"fleetupdate/internal/state"
	"fleetupdate/internal/store"
	"fleetupdate/internal/telemetry"
)

// EvalError is returned when the policy fails a request.
type EvalError struct {
	Request string
	Err     error
}

func (e *EvalError) Error() string { return fmt.Sprintf("%s failed: %v", e.Request, e.Err) }
func (e *EvalError) Unwrap() error { return e.Err }

// DecisionLog receives every final decision.
type DecisionLog interface {
	RecordDecision(ctx context.Context, d store.Decision) error
}

// Manager evaluates one policy against one set of facts.
type Manager struct {
	policy      policy.Policy
	state       state.State
	waitTimeout time.Duration
	metrics     *metrics.Metrics
	decisions   DecisionLog
}

// Option configures a Manager.
type Option func(*Manager)

// WithWaitTimeout bounds each wait for a fact to change.
func WithWaitTimeout(d time.Duration) Option {
	return func(m *Manager) { m.waitTimeout = d }
}

// WithMetrics records evaluations in m.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithDecisionLog records final decisions in log.
func WithDecisionLog(log DecisionLog) Option {
	return func(m *Manager) { m.decisions = log }
}

// New creates a manager for p reading facts from st.
func New(p policy.Policy, st state.State, opts ...Option) *Manager {
	m := &Manager{
		policy:      p,
		state:       st,
		waitTimeout: evaluation.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the policy being evaluated.
func (m *Manager) Policy() policy.Policy { return m.policy }

// State returns the fact providers the policy reads.
func (m *Manager) State() state.State { return m.state }

// UpdateCheckAllowed decides whether to check for an update now.
func (m *Manager) UpdateCheckAllowed(ctx context.Context) (policy.UpdateCheckParams, error) {
	return evaluate(ctx, m, policy.RequestUpdateCheckAllowed,
		func(ec *evaluation.Context) (policy.UpdateCheckParams, policy.EvalStatus, error) {
			return m.policy.UpdateCheckAllowed(ec, m.state)
		},
		func(p policy.UpdateCheckParams) string {
			if p.UpdatesEnabled {
				return "enabled"
			}
			return "disabled"
		})
}

// UpdateCanStart decides whether the download of the payload described by us
// may start and from where.
func (m *Manager) UpdateCanStart(ctx context.Context, us policy.UpdateState) (policy.UpdateDownloadParams, error) {
	return evaluate(ctx, m, policy.RequestUpdateCanStart,
		func(ec *evaluation.Context) (policy.UpdateDownloadParams, policy.EvalStatus, error) {
			return m.policy.UpdateCanStart(ec, m.state, us)
		},
		func(p policy.UpdateDownloadParams) string {
			switch {
			case !p.UpdateCanStart:
				return p.CannotStartReason.String()
			case p.DownloadURLIndex < 0 && p.P2PAllowed:
				return "p2p"
			default:
				return "can_start"
			}
		})
}

// UpdateDownloadAllowed decides whether the current connection may carry the
// download.
func (m *Manager) UpdateDownloadAllowed(ctx context.Context) (bool, error) {
	return evaluate(ctx, m, policy.RequestUpdateDownloadAllowed,
		func(ec *evaluation.Context) (bool, policy.EvalStatus, error) {
			return m.policy.UpdateDownloadAllowed(ec, m.state)
		},
		func(allowed bool) string {
			if allowed {
				return "allowed"
			}
			return "not_allowed"
		})
}

// AsyncUpdateCheckAllowed runs UpdateCheckAllowed in the background and hands
// the outcome to callback.
func (m *Manager) AsyncUpdateCheckAllowed(ctx context.Context, callback func(policy.UpdateCheckParams, error)) {
	go func() { callback(m.UpdateCheckAllowed(ctx)) }()
}

// AsyncUpdateCanStart runs UpdateCanStart in the background.
func (m *Manager) AsyncUpdateCanStart(ctx context.Context, us policy.UpdateState, callback func(policy.UpdateDownloadParams, error)) {
	go func() { callback(m.UpdateCanStart(ctx, us)) }()
}

// AsyncUpdateDownloadAllowed runs UpdateDownloadAllowed in the background.
func (m *Manager) AsyncUpdateDownloadAllowed(ctx context.Context, callback func(bool, error)) {
	go func() { callback(m.UpdateDownloadAllowed(ctx)) }()
}

func evaluate[R any](
	ctx context.Context,
	m *Manager,
	req policy.Request,
	eval func(*evaluation.Context) (R, policy.EvalStatus, error),
	outcomeOf func(R) string,
) (R, error) {
	name := policy.RequestName(m.policy, req)
	ctx, span := telemetry.StartSpan(ctx, "policy."+req.String(),
		trace.WithAttributes(attribute.String("policy.request", name)))
	defer span.End()

	ec := evaluation.New(m.state.Clock(), m.waitTimeout)
	for attempt := 1; ; attempt++ {
		start := time.Now()
		result, status, err := eval(ec)
		m.metrics.ObserveEvaluation(name, status.String(), time.Since(start))

		switch status {
		case policy.StatusSucceeded:
			outcome := outcomeOf(result)
			span.SetAttributes(
				attribute.String("policy.status", status.String()),
				attribute.String("policy.outcome", outcome),
				attribute.Int("policy.attempts", attempt),
			)
			m.metrics.ObserveDecision(name, outcome)
			m.record(ctx, name, status, outcome, "")
			logging.Debug("%s: %s", name, outcome)
			return result, nil

		case policy.StatusAskAgainLater:
			deps := ec.Dependencies()
			span.AddEvent("ask_again_later", trace.WithAttributes(attribute.StringSlice("policy.dependencies", deps)))
			logging.Debug("%s deferred, waiting on %v", name, deps)
			if err := ec.Wait(ctx); err != nil {
				span.SetStatus(codes.Error, "abandoned")
				var zero R
				return zero, err
			}
			ec.Reset()

		default:
			if err == nil {
				err = errors.New("policy returned no reason")
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logging.Error("%s failed: %v", name, err)
			m.record(ctx, name, status, "", err.Error())
			var zero R
			return zero, &EvalError{Request: name, Err: err}
		}
	}
}

func (m *Manager) record(ctx context.Context, request string, status policy.EvalStatus, reason, message string) {
	if m.decisions == nil {
		return
	}
	d := store.Decision{
		ID:      uuid.NewString(),
		CycleID: CycleID(ctx),
		Request: request,
		Status:  status.String(),
		Reason:  reason,
		Message: message,
	}
	if err := m.decisions.RecordDecision(ctx, d); err != nil {
		logging.Warning("Failed to record decision for %s: %v", request, err)
	}
}

type cycleKey struct{}

// WithCycleID tags decisions made under ctx with id.
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleKey{}, id)
}

// CycleID returns the id set by WithCycleID, or "".
func CycleID(ctx context.Context) string {
	id, _ := ctx.Value(cycleKey{}).(string)
	return id
}
