// Package metrics exposes Prometheus instrumentation for a pipelexd run,
// carried and renamed from the teacher's pkg/metrics/metrics.go. The
// cluster/executor-node gauges (ActiveNodes, HeartbeatsSent) had no home
// once leader-election and multi-node dispatch were dropped (see DESIGN.md);
// everything else is repurposed to the single-process orchestrator's
// job/run lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts jobs by terminal status across all runs.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelex",
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Total number of jobs by terminal status",
		},
		[]string{"status"},
	)

	// RunsTotal counts finished runs by terminal status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelex",
			Subsystem: "runs",
			Name:      "total",
			Help:      "Total number of finished runs by terminal status",
		},
		[]string{"status"},
	)

	// JobDuration tracks per-job execution duration.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pipelex",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Duration of job executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~27m (1638.4s)
		},
		[]string{"job_id", "status"},
	)

	// QueueDepth tracks jobs currently ready-but-not-dispatched.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipelex",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of jobs ready and waiting for a worker slot",
		},
	)

	// ActiveWorkers tracks jobs currently executing.
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipelex",
			Subsystem: "workers",
			Name:      "active",
			Help:      "Number of jobs currently executing",
		},
	)

	// RetriesTotal counts job retry attempts.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelex",
			Subsystem: "jobs",
			Name:      "retries_total",
			Help:      "Total number of job retry attempts",
		},
		[]string{"job_id"},
	)

	// JobsAbandoned counts jobs still running when the shutdown-drain
	// deadline elapsed.
	JobsAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pipelex",
			Subsystem: "jobs",
			Name:      "abandoned_total",
			Help:      "Total number of jobs abandoned after the shutdown drain timeout",
		},
	)
)

// RecordJob records a job's terminal outcome.
func RecordJob(jobID, status string, durationSeconds float64) {
	JobsTotal.WithLabelValues(status).Inc()
	JobDuration.WithLabelValues(jobID, status).Observe(durationSeconds)
}

// RecordRun records a run's terminal outcome.
func RecordRun(status string) {
	RunsTotal.WithLabelValues(status).Inc()
}
