// Package prometheus provides Prometheus metrics for the task orchestrator.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dispatchkit"

var (
	// tasksSubmittedTotal is a counter of task intake results.
	tasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of submitted tasks",
		},
		[]string{"outcome"}, // outcome: accepted, duplicate
	)

	// tasksCompletedTotal is a counter of tasks reaching a terminal status.
	tasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks reaching a terminal status",
		},
		[]string{"status"}, // status: completed, failed, cancelled
	)

	// questionsTotal is a counter of human-in-the-loop question outcomes.
	questionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "questions_total",
			Help:      "Total number of sandbox questions by outcome",
		},
		[]string{"outcome"}, // outcome: asked, answered, timeout
	)

	// pubsubReconnectsTotal is a counter of pubsub reconnections.
	pubsubReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pubsub_reconnects_total",
			Help:      "Total number of pubsub connection recoveries",
		},
	)

	// pubsubDroppedMessagesTotal is a counter of messages discarded from the publish buffer.
	pubsubDroppedMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pubsub_dropped_messages_total",
			Help:      "Total number of buffered messages discarded during outages",
		},
	)

	// tasksRunning is a gauge of tasks currently holding an execution slot.
	tasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Number of tasks currently executing",
		},
	)

	// queueDepth is a gauge of tasks waiting for a free slot.
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of tasks waiting for an execution slot",
		},
	)

	// taskDuration is a histogram of end-to-end task duration.
	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Histogram of end-to-end task duration in seconds",
			Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"status"}, // status: completed, failed, cancelled
	)

	// sandboxCreateDuration is a histogram of container group creation time.
	sandboxCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_create_duration_seconds",
			Help:      "Histogram of sandbox creation duration in seconds",
			Buckets:   []float64{5, 10, 20, 30, 45, 60, 90, 120, 180, 300},
		},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		tasksSubmittedTotal,
		tasksCompletedTotal,
		questionsTotal,
		pubsubReconnectsTotal,
		pubsubDroppedMessagesTotal,
		tasksRunning,
		queueDepth,
		taskDuration,
		sandboxCreateDuration,
	}
)

// RecordTaskSubmitted records a task intake result.
func RecordTaskSubmitted(outcome string) {
	tasksSubmittedTotal.WithLabelValues(outcome).Inc()
}

// RecordTaskQueued records the current admission queue depth.
func RecordTaskQueued(depth int) {
	queueDepth.Set(float64(depth))
}

// RecordTaskStart records a task acquiring an execution slot.
func RecordTaskStart(running, depth int) {
	tasksRunning.Set(float64(running))
	queueDepth.Set(float64(depth))
}

// RecordTaskEnd records a task reaching a terminal status.
func RecordTaskEnd(status string, durationSeconds float64, running int) {
	tasksRunning.Set(float64(running))
	tasksCompletedTotal.WithLabelValues(status).Inc()
	taskDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordSandboxCreated records a successful container group creation.
func RecordSandboxCreated(durationSeconds float64) {
	sandboxCreateDuration.Observe(durationSeconds)
}

// RecordQuestion records a question lifecycle outcome.
func RecordQuestion(outcome string) {
	questionsTotal.WithLabelValues(outcome).Inc()
}

// RecordPubSubReconnect records a pubsub connection recovery.
func RecordPubSubReconnect() {
	pubsubReconnectsTotal.Inc()
}

// RecordPubSubDropped records messages discarded from the publish buffer.
func RecordPubSubDropped(n int) {
	if n > 0 {
		pubsubDroppedMessagesTotal.Add(float64(n))
	}
}
