// Package metrics exposes clawden's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clawden"

// Recovery results.
const (
	RecoveryAttempt   = "attempt"
	RecoverySuccess   = "success"
	RecoveryFailure   = "failure"
	RecoveryExhausted = "exhausted"
)

// Metrics holds every collector on one registry. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// operations measures lifecycle operation latency.
	// Labels: op (start, stop, ...), outcome (success, failure)
	operations *prometheus.HistogramVec

	// transitions counts state machine edges taken.
	// Labels: from, to
	transitions *prometheus.CounterVec

	// agents tracks instance counts by state.
	// Labels: state
	agents *prometheus.GaugeVec

	// healthChecks counts probe results.
	// Labels: status
	healthChecks *prometheus.CounterVec

	// recovery counts recovery engine activity.
	// Labels: result (attempt, success, failure, exhausted)
	recovery *prometheus.CounterVec

	// installs counts runtime installs.
	// Labels: runtime, outcome
	installs *prometheus.CounterVec

	// tasks counts routed tasks.
	// Labels: runtime
	tasks *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg gets a fresh registry with
// the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		operations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "operation_duration_seconds",
			Help:      "Lifecycle operation latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"op", "outcome"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "State transitions by edge",
		}, []string{"from", "to"}),
		agents: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Managed instances by state",
		}, []string{"state"}),
		healthChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health probe results by status",
		}, []string{"status"}),
		recovery: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "events_total",
			Help:      "Recovery attempts and their results",
		}, []string{"result"}),
		installs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "install",
			Name:      "total",
			Help:      "Runtime installs by outcome",
		}, []string{"runtime", "outcome"}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "tasks_total",
			Help:      "Tasks routed by runtime",
		}, []string{"runtime"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (m *Metrics) ObserveOperation(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome(err)).Observe(d.Seconds())
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// SetAgentCounts replaces the per-state gauges.
func (m *Metrics) SetAgentCounts(byState map[string]int) {
	if m == nil {
		return
	}
	m.agents.Reset()
	for state, n := range byState {
		m.agents.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) HealthCheck(status string) {
	if m == nil {
		return
	}
	m.healthChecks.WithLabelValues(status).Inc()
}

func (m *Metrics) Recovery(result string) {
	if m == nil {
		return
	}
	m.recovery.WithLabelValues(result).Inc()
}

func (m *Metrics) Install(runtime string, err error) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(runtime, outcome(err)).Inc()
}

func (m *Metrics) TaskRouted(runtime string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(runtime).Inc()
}
