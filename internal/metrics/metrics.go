// Package metrics exports Prometheus metrics for policy evaluations and
// update cycles.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records policy activity. A nil *Metrics records nothing.
type Metrics struct {
	evaluations *prometheus.CounterVec
	evalLatency *prometheus.HistogramVec
	decisions   *prometheus.CounterVec
	cycles      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg, or with the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetupdate_policy_evaluations_total",
				Help: "Policy evaluations by request and status.",
			},
			[]string{"request", "status"},
		),
		evalLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleetupdate_policy_evaluation_seconds",
				Help:    "Time spent in a single policy evaluation.",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"request"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetupdate_policy_decisions_total",
				Help: "Final policy decisions by request and outcome.",
			},
			[]string{"request", "outcome"},
		),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetupdate_update_cycles_total",
				Help: "Update cycles by outcome.",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(m.evaluations, m.evalLatency, m.decisions, m.cycles)
	return m
}

// ObserveEvaluation records one evaluation of request.
func (m *Metrics) ObserveEvaluation(request, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(request, status).Inc()
	m.evalLatency.WithLabelValues(request).Observe(elapsed.Seconds())
}

// ObserveDecision records the decision a request settled on.
func (m *Metrics) ObserveDecision(request, outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.decisions.WithLabelValues(request, outcome).Inc()
}

// ObserveCycle records how an update cycle ended.
func (m *Metrics) ObserveCycle(outcome string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
}

// Handler serves the metrics gathered by g, or the default gatherer when g is
// nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
