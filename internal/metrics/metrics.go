package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queue, dispatcher and scanner instrumentation, partitioned by queue or network.

var (
	// Queue
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ntt",
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Total jobs added to a queue",
	}, []string{"queue"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ntt",
		Subsystem: "queue",
		Name:      "jobs_processed_total",
		Help:      "Total job attempts by outcome (completed, retried, failed)",
	}, []string{"queue", "outcome"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ntt",
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Job attempt duration",
		Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"queue"})

	StalledJobsRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ntt",
		Subsystem: "queue",
		Name:      "stalled_jobs_recovered_total",
		Help:      "Jobs whose lock expired, moved from active back to wait",
	}, []string{"queue"})

	// Dispatcher
	TasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ntt",
		Subsystem: "dispatcher",
		Name:      "tasks_started_total",
		Help:      "Total tasks accepted by the dispatcher",
	}, []string{"task"})

	// Scanner
	EventsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ntt",
		Subsystem: "scanner",
		Name:      "events_detected_total",
		Help:      "New creation events dispatched for processing",
	}, []string{"network"})

	EventsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ntt",
		Subsystem: "scanner",
		Name:      "events_duplicate_total",
		Help:      "Creation events skipped because their hash was already processed",
	}, []string{"network"})

	ScannerCursor = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ntt",
		Subsystem: "scanner",
		Name:      "cursor_block",
		Help:      "Last block stored for the network",
	}, []string{"network"})

	ScanErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ntt",
		Subsystem: "scanner",
		Name:      "errors_total",
		Help:      "Scan failures per network",
	}, []string{"network"})

	// Provisioning
	ChainsProvisioned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ntt",
		Subsystem: "pipeline",
		Name:      "chains_provisioned_total",
		Help:      "Target chains added to a project, by chain family",
	}, []string{"family"})
)
