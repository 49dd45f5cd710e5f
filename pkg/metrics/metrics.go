// Package metrics provides Prometheus metrics for the Dalston orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsCreatedTotal tracks jobs accepted by the scheduler, by whether a
	// DAG was actually materialized (false on an idempotent job.created replay).
	JobsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dalston",
			Subsystem: "scheduler",
			Name:      "jobs_created_total",
			Help:      "Total number of job.created events handled, by outcome",
		},
		[]string{"outcome"}, // materialized | replay_ignored
	)

	// JobsCompletedTotal tracks jobs reaching a terminal state, by status.
	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dalston",
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Total number of jobs reaching a terminal state, by status",
		},
		[]string{"status"}, // completed | failed | cancelled
	)

	// TasksEnqueuedTotal tracks tasks handed to the task queue, by stage.
	TasksEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dalston",
			Subsystem: "scheduler",
			Name:      "tasks_enqueued_total",
			Help:      "Total number of tasks enqueued onto a stage stream",
		},
		[]string{"stage"},
	)

	// TasksRetriedTotal tracks task.failed events that resulted in a retry
	// re-enqueue rather than a terminal task transition.
	TasksRetriedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dalston",
			Subsystem: "tasks",
			Name:      "retried_total",
			Help:      "Total number of task retries, by stage",
		},
		[]string{"stage"},
	)

	// EngineUnavailableTotal tracks jobs failed immediately at enqueue time
	// for lack of a capable live engine instance.
	EngineUnavailableTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dalston",
			Subsystem: "scheduler",
			Name:      "engine_unavailable_total",
			Help:      "Total number of jobs failed for lack of a capable live engine instance",
		},
		[]string{"engine_id", "stage"},
	)

	// DecrementOnceTotal tracks the per-tenant concurrency guard's outcome:
	// whether this call actually performed the decrement or lost the race
	// to a prior replay (spec §4.6, §9 "decrement-once").
	DecrementOnceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dalston",
			Subsystem: "concurrency",
			Name:      "decrement_once_total",
			Help:      "Total decrement-once guard evaluations, by outcome",
		},
		[]string{"outcome"}, // decremented | already_decremented
	)

	// ReconcileSweepDuration tracks how long a full reconciler sweep takes.
	ReconcileSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dalston",
			Subsystem: "reconciler",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full reconciler sweep",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// ReconcileOrphansTotal tracks orphaned running tasks the reconciler
	// resolved, by how they resolved.
	ReconcileOrphansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dalston",
			Subsystem: "reconciler",
			Name:      "orphans_total",
			Help:      "Total orphaned running tasks resolved by the reconciler, by resolution",
		},
		[]string{"resolution"}, // completed | failed | transient_skip
	)

	// ReconcilePELRecoveriesTotal tracks stale ready-task PEL entries
	// recovered from a dead engine instance.
	ReconcilePELRecoveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dalston",
			Subsystem: "reconciler",
			Name:      "pel_recoveries_total",
			Help:      "Total stale ready-task PEL entries recovered from dead engine instances",
		},
	)

	// ReconcileInstancesPrunedTotal tracks stale registry instances removed.
	ReconcileInstancesPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dalston",
			Subsystem: "reconciler",
			Name:      "instances_pruned_total",
			Help:      "Total stale engine registry instances pruned",
		},
	)

	// DurableEventHandlerDuration tracks how long a durable-stream event
	// takes to dispatch to its handler.
	DurableEventHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dalston",
			Subsystem: "consumer",
			Name:      "handler_duration_seconds",
			Help:      "Duration of dispatching one durable event to its handler",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		},
		[]string{"event_type"},
	)

	// DatabaseQueryDuration tracks repository query duration.
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dalston",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	// RedisOperationDuration tracks broker primitive duration.
	RedisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dalston",
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Duration of Redis operations in seconds",
			Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
		[]string{"operation"},
	)
)

// RecordJobCreated records a job.created handling outcome.
func RecordJobCreated(materialized bool) {
	outcome := "replay_ignored"
	if materialized {
		outcome = "materialized"
	}
	JobsCreatedTotal.WithLabelValues(outcome).Inc()
}

// RecordJobCompleted records a job reaching a terminal state.
func RecordJobCompleted(status string) {
	JobsCompletedTotal.WithLabelValues(status).Inc()
}

// RecordTaskEnqueued records a task handed to the task queue.
func RecordTaskEnqueued(stage string) {
	TasksEnqueuedTotal.WithLabelValues(stage).Inc()
}

// RecordTaskRetried records a task.failed event resulting in a retry.
func RecordTaskRetried(stage string) {
	TasksRetriedTotal.WithLabelValues(stage).Inc()
}

// RecordEngineUnavailable records an enqueue-time engine-unavailable failure.
func RecordEngineUnavailable(engineID, stage string) {
	EngineUnavailableTotal.WithLabelValues(engineID, stage).Inc()
}

// RecordDecrementOnce records the outcome of a decrement-once guard call.
func RecordDecrementOnce(decremented bool) {
	outcome := "already_decremented"
	if decremented {
		outcome = "decremented"
	}
	DecrementOnceTotal.WithLabelValues(outcome).Inc()
}

// RecordReconcileOrphan records how an orphaned running task resolved.
func RecordReconcileOrphan(resolution string) {
	ReconcileOrphansTotal.WithLabelValues(resolution).Inc()
}

// RecordDurableEventHandlerDuration records how long dispatching one durable
// event to its handler took, by event type.
func RecordDurableEventHandlerDuration(eventType string, d time.Duration) {
	DurableEventHandlerDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

// RecordDatabaseQuery records a repository query's duration, by operation.
func RecordDatabaseQuery(operation string, d time.Duration) {
	DatabaseQueryDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordRedisOperation records a broker primitive's duration, by operation.
func RecordRedisOperation(operation string, d time.Duration) {
	RedisOperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}
