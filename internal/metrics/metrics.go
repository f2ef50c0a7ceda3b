// Package metrics provides Prometheus metrics for the coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal counts coordinator passes over the fleet.
	TicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oltfleet",
			Subsystem: "coordinator",
			Name:      "ticks_total",
			Help:      "Total number of coordinator ticks",
		},
	)

	// DispatchesTotal counts executions handed to the queues.
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oltfleet",
			Subsystem: "coordinator",
			Name:      "dispatches_total",
			Help:      "Total number of dispatched executions by queue",
		},
		[]string{"queue"},
	)

	// ExecutionsTotal counts finished executions by terminal status.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oltfleet",
			Subsystem: "coordinator",
			Name:      "executions_total",
			Help:      "Total number of finished executions by status",
		},
		[]string{"status"}, // "success", "failed", "interrupted"
	)

	// ExecutionDuration tracks device operation duration.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "oltfleet",
			Subsystem: "coordinator",
			Name:      "execution_duration_seconds",
			Help:      "Device operation duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"task_class"},
	)

	// LockContentionTotal counts busy lock acquisitions. Contention is a
	// load signal, not an error.
	LockContentionTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oltfleet",
			Subsystem: "coordinator",
			Name:      "lock_contention_total",
			Help:      "Total number of busy device lock acquisitions",
		},
	)

	// QueueDepth tracks dispatches waiting per queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "oltfleet",
			Subsystem: "coordinator",
			Name:      "queue_depth",
			Help:      "Number of dispatches waiting per queue",
		},
		[]string{"queue"},
	)

	// QuotaViolationsTotal counts audit violations by severity.
	QuotaViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oltfleet",
			Subsystem: "coordinator",
			Name:      "quota_violations_total",
			Help:      "Total number of quota violations by severity",
		},
		[]string{"severity"},
	)

	// DriftCorrectionsTotal counts nodes snapped back to their class
	// offset.
	DriftCorrectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oltfleet",
			Subsystem: "coordinator",
			Name:      "drift_corrections_total",
			Help:      "Total number of next_run_at drift corrections",
		},
	)

	// ReconcileForceFailsTotal counts stuck executions force-failed by
	// the reconciliation job.
	ReconcileForceFailsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oltfleet",
			Subsystem: "coordinator",
			Name:      "reconcile_force_fails_total",
			Help:      "Total number of stuck executions force-failed",
		},
	)

	// ModeChangesTotal counts global mode transitions.
	ModeChangesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oltfleet",
			Subsystem: "coordinator",
			Name:      "mode_changes_total",
			Help:      "Total number of global mode transitions",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oltfleet",
			Subsystem: "coordinator",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "oltfleet",
			Subsystem: "coordinator",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
