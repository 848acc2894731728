package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Keeper collectors, partitioned by chain slug.

var (
	// RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total RPC calls by method and result class",
	}, []string{"chain", "method", "status"})

	RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keeper",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "RPC call duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"chain", "method"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times RPC calls waited for rate limiter",
	}, []string{"chain"})

	RPCCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "keeper",
		Subsystem: "rpc",
		Name:      "circuit_state",
		Help:      "RPC circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"chain"})

	// Reconciliation
	ReconciliationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Total reconciliation runs by result",
	}, []string{"chain", "result"})

	ReconciliationOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Subsystem: "reconciliation",
		Name:      "outcomes_total",
		Help:      "Total keys decided per outcome",
	}, []string{"chain", "outcome"})

	ReconciliationSubjects = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "keeper",
		Subsystem: "reconciliation",
		Name:      "subjects",
		Help:      "Subjects enumerated in the latest run",
	}, []string{"chain"})

	ReconciliationBatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keeper",
		Subsystem: "reconciliation",
		Name:      "batch_duration_seconds",
		Help:      "Duration of one subject batch",
		Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"chain"})

	ReconciliationRunLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keeper",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of a full reconciliation run",
		Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
	}, []string{"chain"})

	ReconciliationConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "keeper",
		Subsystem: "reconciliation",
		Name:      "consecutive_failures",
		Help:      "Number of consecutive failed runs",
	}, []string{"chain"})

	// Executor
	ActionsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Subsystem: "executor",
		Name:      "actions_submitted_total",
		Help:      "Total transactions broadcast",
	}, []string{"chain", "method"})

	ActionOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Subsystem: "executor",
		Name:      "action_outcomes_total",
		Help:      "Total executed actions per outcome kind",
	}, []string{"chain", "kind"})

	ConfirmationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keeper",
		Subsystem: "executor",
		Name:      "confirmation_duration_seconds",
		Help:      "Time from broadcast to required confirmation depth",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"chain"})

	// Progress store
	ProgressWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Subsystem: "progress",
		Name:      "writes_total",
		Help:      "Total progress store writes by operation and result",
	}, []string{"backend", "op", "result"})

	ProgressWriteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keeper",
		Subsystem: "progress",
		Name:      "write_duration_seconds",
		Help:      "Progress store durable write duration",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"backend"})

	ProgressCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Subsystem: "progress",
		Name:      "terminal_cache_lookups_total",
		Help:      "Terminal record cache lookups by result",
	}, []string{"result"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})
)
