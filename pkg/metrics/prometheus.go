package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StorePuts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_store_puts_total",
			Help: "Task store puts by outcome (insert, append, overwrite, noop, rejected)",
		},
		[]string{"outcome"},
	)

	StoreChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskflow_store_changes_total",
			Help: "Change records emitted by the task store",
		},
	)

	TasksPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskflow_tasks_pruned_total",
			Help: "Tasks removed after their expireAt elapsed",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_events_published_total",
			Help: "Events accepted by the bus by source and type",
		},
		[]string{"source", "type"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_deliveries_total",
			Help: "Rule deliveries by target and result (succeeded, retried, exhausted, duplicate)",
		},
		[]string{"target", "result"},
	)

	DeadLetters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskflow_dead_letters",
			Help: "Dead letters currently held",
		},
	)

	ExecutionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_executions_started_total",
			Help: "Workflow executions started by priority",
		},
		[]string{"priority"},
	)

	ExecutionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_executions_finished_total",
			Help: "Workflow executions finished by terminal state",
		},
		[]string{"state", "status"},
	)

	ExecutionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskflow_execution_conflicts_total",
			Help: "Triggering events rejected because the task already had a running execution",
		},
	)

	ApprovalWaits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskflow_approval_waits",
			Help: "Executions currently parked waiting for approval",
		},
	)

	ApprovalPolls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskflow_approval_polls_total",
			Help: "Approval status checks performed",
		},
	)

	TaskCompletionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskflow_task_completion_seconds",
			Help:    "Time from task creation to completion by priority",
			Buckets: prometheus.ExponentialBuckets(1, 2, 20),
		},
		[]string{"priority"},
	)
)
