// Package metrics provides Prometheus metrics for the ingestion worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollCyclesTotal tracks poll cycles by result
	PollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookingmail",
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Total number of poll cycles by result",
		},
		[]string{"result"},
	)

	// PollCycleDuration tracks how long the enumeration part of a cycle takes
	PollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bookingmail",
			Subsystem: "poller",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of poll cycle enumeration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	// MessagesTotal tracks candidate messages by disposition
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookingmail",
			Subsystem: "poller",
			Name:      "messages_total",
			Help:      "Total number of candidate messages by disposition",
		},
		[]string{"disposition"},
	)

	// ArtifactsTotal tracks newly discovered artifacts by kind
	ArtifactsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookingmail",
			Subsystem: "classifier",
			Name:      "artifacts_total",
			Help:      "Total number of newly discovered artifacts by kind",
		},
		[]string{"kind"},
	)

	// ImportOutcomesTotal tracks processing attempts by resulting status
	ImportOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookingmail",
			Subsystem: "importer",
			Name:      "outcomes_total",
			Help:      "Total number of processing attempts by resulting status",
		},
		[]string{"kind", "status"},
	)

	// ExtractionDuration tracks extraction latency in seconds
	ExtractionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bookingmail",
			Subsystem: "extraction",
			Name:      "duration_seconds",
			Help:      "Duration of artifact extraction in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"kind", "result"},
	)

	// JobsInFlight tracks message jobs currently running on the worker pool
	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bookingmail",
			Subsystem: "worker",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently being processed",
		},
	)

	// JobPanicsTotal tracks recovered panics in worker jobs
	JobPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bookingmail",
			Subsystem: "worker",
			Name:      "panics_total",
			Help:      "Total number of recovered panics in worker jobs",
		},
	)

	// NotificationsTotal tracks notification deliveries by notifier and result
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookingmail",
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Total number of notification deliveries by notifier and result",
		},
		[]string{"notifier", "result"},
	)
)

// RecordExtraction records an extraction attempt.
func RecordExtraction(kind, result string, durationSeconds float64) {
	ExtractionDuration.WithLabelValues(kind, result).Observe(durationSeconds)
}

// RecordOutcome records the status an attempt left a record in.
func RecordOutcome(kind, status string) {
	ImportOutcomesTotal.WithLabelValues(kind, status).Inc()
}

// RecordNotification records a notification delivery.
func RecordNotification(notifier string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	NotificationsTotal.WithLabelValues(notifier, result).Inc()
}
