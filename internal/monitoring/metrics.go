// Package monitoring holds the prometheus collectors of the billing engine.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deskmeter"

type Metrics struct {
	ChargesTotal      prometheus.Counter
	ChargedAmount     prometheus.Counter
	ChargeSkipped     *prometheus.CounterVec
	AutoStopsTotal    *prometheus.CounterVec
	TickDuration      prometheus.Histogram
	TickErrors        *prometheus.CounterVec
	RunningSessions   prometheus.Gauge
	LifecycleOps      *prometheus.CounterVec
	ConflictRetries   prometheus.Counter
	RecoveredSessions *prometheus.CounterVec
	LedgerDrift       *prometheus.CounterVec
	EventsPublished   *prometheus.CounterVec
}

// NewMetrics registers all collectors on reg. Tests pass a fresh
// prometheus.NewRegistry() so they never collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChargesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charges_total",
			Help:      "Minutes charged by the scheduler",
		}),
		ChargedAmount: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charged_amount_total",
			Help:      "Sum of scheduler charge amounts",
		}),
		ChargeSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charges_skipped_total",
			Help:      "Scheduler charges skipped",
		}, []string{"reason"}), // "duplicate", "not_running"
		AutoStopsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_stops_total",
			Help:      "Sessions auto-stopped for insufficient balance",
		}, []string{"result"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one scheduler tick in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		TickErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_errors_total",
			Help:      "Per-session tick failures",
		}, []string{"stage"}),
		RunningSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_sessions",
			Help:      "Sessions seen running at the last tick",
		}),
		LifecycleOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_operations_total",
			Help:      "Lifecycle operations by outcome",
		}, []string{"operation", "result"}),
		ConflictRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_conflict_retries_total",
			Help:      "Transactions retried after a serialization conflict",
		}),
		RecoveredSessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_sessions_total",
			Help:      "Provisional sessions resolved by recovery",
		}, []string{"from", "to"}),
		LedgerDrift: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_drift_total",
			Help:      "Reconciliation checks that found drift",
		}, []string{"kind"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events handed to the message bus",
		}, []string{"topic", "result"}),
	}
}

// OpResult is the label value for an operation outcome.
func OpResult(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
