// Package metrics exposes Prometheus instrumentation for the job service.
// Collectors register themselves on the default registry; the HTTP router
// serves them on /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	serverInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatak_jobs_server_info",
		Help: "Static build and storage information for the running server.",
	}, []string{"version", "driver"})

	// JobsEnqueued counts jobs accepted by the producer, by type.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatak_jobs_enqueued_total",
		Help: "Jobs accepted into the queue.",
	}, []string{"type"})

	// JobsCompleted counts finished executions by type and outcome
	// (succeeded, retried, failed).
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatak_jobs_completed_total",
		Help: "Job executions finished, by outcome.",
	}, []string{"type", "outcome"})

	// JobExecutionSeconds observes wall-clock handler duration.
	JobExecutionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatak_jobs_execution_seconds",
		Help:    "Wall-clock duration of job handler executions.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"type"})

	// WorkerRunning is 1 while the polling loop is active.
	WorkerRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatak_jobs_worker_running",
		Help: "Whether the polling worker loop is active.",
	})

	// JobsReclaimed counts stale running jobs returned to the queue.
	JobsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatak_jobs_reclaimed_total",
		Help: "Stale running jobs requeued by the reaper.",
	})

	// SchedulesFired counts jobs enqueued from recurring schedules.
	SchedulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatak_jobs_schedules_fired_total",
		Help: "Jobs enqueued by the schedule runner, by schedule name.",
	}, []string{"schedule"})

	// ProgressSubscribers gauges currently open progress streams.
	ProgressSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatak_jobs_progress_subscribers",
		Help: "Open progress event streams.",
	})
)

// Init records the static server labels. Call once at startup.
func Init(version, driver string) {
	serverInfo.WithLabelValues(version, driver).Set(1)
}

// Outcome labels for JobsCompleted.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)
