// Package metrics exposes runtime counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "funcrt"

// Cycle outcomes used as the "outcome" label.
const (
	OutcomeExecuted  = "executed"
	OutcomeUnchanged = "unchanged"
	OutcomeAbsent    = "absent"
	OutcomeFailed    = "failed"
)

// Metrics holds the runtime collectors. A nil *Metrics records nothing.
type Metrics struct {
	Cycles          *prometheus.CounterVec
	Failures        *prometheus.CounterVec
	HandlerDuration prometheus.Histogram
	CycleDuration   prometheus.Histogram
	BudgetRemaining prometheus.Gauge
	LastExecution   prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Poll cycles by outcome.",
		}, []string{"outcome"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_failures_total",
			Help:      "Failed poll cycles by stage.",
		}, []string{"stage"}),
		HandlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in one poll cycle, sleep excluded.",
			Buckets:   prometheus.DefBuckets,
		}),
		BudgetRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failure_budget_remaining",
			Help:      "Consecutive failures left before the runtime stops.",
		}),
		LastExecution: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_execution_timestamp_seconds",
			Help:      "Unix time of the last stored handler result.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Cycles, m.Failures, m.HandlerDuration, m.CycleDuration, m.BudgetRemaining, m.LastExecution)
	}
	return m
}

func (m *Metrics) CycleCompleted(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) CycleFailed(stage string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(stage).Inc()
}

func (m *Metrics) HandlerInvoked(d time.Duration) {
	if m == nil {
		return
	}
	m.HandlerDuration.Observe(d.Seconds())
}

func (m *Metrics) SetBudgetRemaining(n int) {
	if m == nil {
		return
	}
	m.BudgetRemaining.Set(float64(n))
}

func (m *Metrics) SetLastExecution(t time.Time) {
	if m == nil {
		return
	}
	m.LastExecution.Set(float64(t.UnixNano()) / 1e9)
}
