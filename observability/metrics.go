// Package observability exposes the Prometheus instrumentation shared by
// the stores and the maintenance runner. Metrics register on the default
// registry at init; hosts scrape them through their own /metrics handler.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestration",
		Subsystem: "taskqueue",
		Name:      "tasks_enqueued_total",
		Help:      "Number of module tasks accepted into the queue.",
	}, []string{"tenant", "task"})

	tasksClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestration",
		Subsystem: "taskqueue",
		Name:      "tasks_claimed_total",
		Help:      "Number of tasks moved from pending to processing.",
	}, []string{"tenant", "task"})

	tasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestration",
		Subsystem: "taskqueue",
		Name:      "tasks_completed_total",
		Help:      "Number of tasks finished, labeled by terminal status.",
	}, []string{"tenant", "task", "status"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestration",
		Subsystem: "taskqueue",
		Name:      "pending_depth",
		Help:      "Pending tasks currently waiting per tenant.",
	}, []string{"tenant"})

	confirmationsResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestration",
		Subsystem: "confirmation",
		Name:      "resolutions_total",
		Help:      "Number of confirmation requests resolved, by resolution.",
	}, []string{"tenant", "resolution"})

	maintenanceRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestration",
		Subsystem: "maintenance",
		Name:      "runs_total",
		Help:      "Number of maintenance sweeps executed, by outcome and trigger.",
	}, []string{"tenant", "status", "trigger"})

	staleLockRecoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestration",
		Subsystem: "maintenance",
		Name:      "stale_lock_recoveries_total",
		Help:      "Number of expired run locks reclaimed by a later acquirer.",
	}, []string{"tenant"})
)

func init() {
	prometheus.MustRegister(
		tasksEnqueued,
		tasksClaimed,
		tasksCompleted,
		queueDepth,
		confirmationsResolved,
		maintenanceRuns,
		staleLockRecoveries,
	)
}

// RecordTaskEnqueued counts an accepted task.
func RecordTaskEnqueued(tenant, task string) {
	tasksEnqueued.WithLabelValues(tenant, task).Inc()
}

// RecordTaskClaimed counts a pending task handed to a worker.
func RecordTaskClaimed(tenant, task string) {
	tasksClaimed.WithLabelValues(tenant, task).Inc()
}

// RecordTaskCompleted counts a finished task with its terminal status.
func RecordTaskCompleted(tenant, task, status string) {
	tasksCompleted.WithLabelValues(tenant, task, status).Inc()
}

// SetQueueDepth publishes the tenant's pending backlog size.
func SetQueueDepth(tenant string, depth int) {
	queueDepth.WithLabelValues(tenant).Set(float64(depth))
}

// RecordConfirmationResolved counts an approved or denied confirmation.
func RecordConfirmationResolved(tenant, resolution string) {
	confirmationsResolved.WithLabelValues(tenant, resolution).Inc()
}

// RecordMaintenanceRun counts one sweep execution.
func RecordMaintenanceRun(tenant, status, trigger string) {
	maintenanceRuns.WithLabelValues(tenant, status, trigger).Inc()
}

// RecordStaleLockRecovery counts a lease reclaimed past its TTL.
func RecordStaleLockRecovery(tenant string) {
	staleLockRecoveries.WithLabelValues(tenant).Inc()
}
