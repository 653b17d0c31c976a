package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Orchestrator API ────────────────────────────────────────────────────────

	PipelineTriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeweave",
		Subsystem: "api",
		Name:      "pipeline_triggers_total",
		Help:      "Total pipeline trigger requests, labelled by pipeline and outcome.",
	}, []string{"pipeline", "outcome"})

	TasksEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeweave",
		Subsystem: "api",
		Name:      "tasks_enqueued_total",
		Help:      "Total standalone tasks enqueued through the API.",
	}, []string{"type"})

	// ─── Dispatch queue ──────────────────────────────────────────────────────────

	QueueLeasesGranted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipeweave",
		Subsystem: "queue",
		Name:      "leases_granted_total",
		Help:      "Total task leases handed to workers.",
	})

	QueueLeaseReclaims = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipeweave",
		Subsystem: "queue",
		Name:      "lease_reclaims_total",
		Help:      "Total expired leases reclaimed from crashed or stalled workers.",
	})

	QueueReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeweave",
		Subsystem: "queue",
		Name:      "reports_total",
		Help:      "Total worker result reports, labelled by outcome.",
	}, []string{"outcome"})

	QueueCASConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipeweave",
		Subsystem: "queue",
		Name:      "cas_conflicts_total",
		Help:      "Total compare-and-set races lost and retried locally.",
	})

	// ─── Retry coordinator ───────────────────────────────────────────────────────

	RetriesScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipeweave",
		Subsystem: "coordinator",
		Name:      "retries_scheduled_total",
		Help:      "Total failed attempts requeued with a backoff delay.",
	})

	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeweave",
		Subsystem: "coordinator",
		Name:      "dead_letters_total",
		Help:      "Total tasks dead-lettered, labelled by reason.",
	}, []string{"reason"})

	// ─── DLQ manager ─────────────────────────────────────────────────────────────

	DLQReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipeweave",
		Subsystem: "dlq",
		Name:      "replays_total",
		Help:      "Total DLQ items replayed as fresh tasks.",
	})

	DLQPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipeweave",
		Subsystem: "dlq",
		Name:      "purged_total",
		Help:      "Total DLQ items removed by retention purge.",
	})

	// ─── Worker runtime ──────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeweave",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total tasks executed, labelled by task type and terminal outcome.",
	}, []string{"type", "outcome"})

	WorkerTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pipeweave",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed by this worker.",
	})

	WorkerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pipeweave",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"type"})

	WorkerLeaseRenewals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeweave",
		Subsystem: "worker",
		Name:      "lease_renewals_total",
		Help:      "Total heartbeat lease renewals, labelled by result.",
	}, []string{"result"})

	// ─── Janitor ─────────────────────────────────────────────────────────────────

	JanitorRunsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipeweave",
		Subsystem: "janitor",
		Name:      "runs_finalized_total",
		Help:      "Total pipeline runs finalized by the crash-recovery sweep.",
	})
)
