package telemetry

import "github.com/prometheus/client_golang/prometheus"

var RateGateAcquisitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetbind",
		Subsystem: "ratelimit",
		Name:      "acquisitions_total",
		Help:      "Total number of rate gate token acquisitions, by identity.",
	},
	[]string{"identity"},
)

var RateGateWaitDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetbind",
		Subsystem: "ratelimit",
		Name:      "wait_duration_seconds",
		Help:      "Time spent waiting for a rate gate token.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	},
	[]string{"identity"},
)

var RetryAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetbind",
		Subsystem: "retry",
		Name:      "attempts_total",
		Help:      "Total number of retry attempts, by outcome.",
	},
	[]string{"outcome"},
)

var RetryExhaustedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetbind",
		Subsystem: "retry",
		Name:      "exhausted_total",
		Help:      "Total number of operations that exhausted all retry attempts.",
	},
)

var ReconcileDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetbind",
		Subsystem: "reconcile",
		Name:      "duration_seconds",
		Help:      "Per-identity reconciliation duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"identity"},
)

var ReconcileFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetbind",
		Subsystem: "reconcile",
		Name:      "failures_total",
		Help:      "Total number of failed reconciliation attempts, by identity.",
	},
	[]string{"identity"},
)

var AllocationsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetbind",
		Subsystem: "planner",
		Name:      "allocations_total",
		Help:      "Total number of project-to-billing allocations made.",
	},
)

var CycleDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "fleetbind",
		Subsystem: "scheduler",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of a full scheduler cycle across all identities.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
	},
)

var CycleConsecutiveFailures = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fleetbind",
		Subsystem: "scheduler",
		Name:      "consecutive_failures",
		Help:      "Current number of consecutive failed scheduler cycles.",
	},
)

var AuditLogFailedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetbind",
		Subsystem: "audit",
		Name:      "log_failed_total",
		Help:      "Total number of operation events that failed to persist.",
	},
)

var AlertWebhookSentTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetbind",
		Subsystem: "alerthook",
		Name:      "sent_total",
		Help:      "Total number of alert webhook deliveries, by outcome.",
	},
	[]string{"outcome"},
)

var AlertWebhookDeduplicatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetbind",
		Subsystem: "alerthook",
		Name:      "deduplicated_total",
		Help:      "Total number of alert webhook deliveries suppressed by dedup.",
	},
)

// All returns all fleetbind-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RateGateAcquisitionsTotal,
		RateGateWaitDuration,
		RetryAttemptsTotal,
		RetryExhaustedTotal,
		ReconcileDuration,
		ReconcileFailuresTotal,
		AllocationsTotal,
		CycleDuration,
		CycleConsecutiveFailures,
		AuditLogFailedTotal,
		AlertWebhookSentTotal,
		AlertWebhookDeduplicatedTotal,
	}
}
