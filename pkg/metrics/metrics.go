// Package metrics provides Prometheus metrics for the fern indexer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProductsProcessedTotal tracks products handled by the indexer by outcome
	ProductsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "indexer",
			Name:      "products_total",
			Help:      "Total number of products processed by outcome",
		},
		[]string{"type", "outcome"},
	)

	// ProductProcessingDuration tracks time spent indexing one product
	ProductProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "indexer",
			Name:      "product_duration_seconds",
			Help:      "Duration of product indexing in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"type"},
	)

	// IndexerChangesTotal tracks change records emitted by the indexer
	IndexerChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "indexer",
			Name:      "changes_total",
			Help:      "Total number of indexer change records by type",
		},
		[]string{"change_type"},
	)

	// ListenerDeliveriesTotal tracks listener deliveries by outcome
	ListenerDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "listener",
			Name:      "deliveries_total",
			Help:      "Total number of listener notification attempts by outcome",
		},
		[]string{"listener", "outcome"},
	)

	// ListenerAttemptDuration tracks the duration of a single listener attempt
	ListenerAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "listener",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of listener attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"listener"},
	)

	// ListenerQueueDepth tracks notifications waiting per listener
	ListenerQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "listener",
			Name:      "queue_depth",
			Help:      "Number of notifications queued per listener",
		},
		[]string{"listener"},
	)

	// ArchivedTotal tracks archived events and products
	ArchivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "archive",
			Name:      "removed_total",
			Help:      "Total number of archived events and products",
		},
		[]string{"kind", "policy"},
	)

	// KafkaMessagesTotal tracks consumed and published Kafka messages
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_total",
			Help:      "Total number of Kafka messages by topic, direction and status",
		},
		[]string{"topic", "direction", "status"},
	)
)

// RecordProduct records one indexed product
func RecordProduct(productType, outcome string, durationSeconds float64) {
	ProductsProcessedTotal.WithLabelValues(productType, outcome).Inc()
	ProductProcessingDuration.WithLabelValues(productType).Observe(durationSeconds)
}

// RecordChange records an emitted change record
func RecordChange(changeType string) {
	IndexerChangesTotal.WithLabelValues(changeType).Inc()
}

// RecordListenerAttempt records one listener attempt
func RecordListenerAttempt(listener, outcome string, durationSeconds float64) {
	ListenerDeliveriesTotal.WithLabelValues(listener, outcome).Inc()
	ListenerAttemptDuration.WithLabelValues(listener).Observe(durationSeconds)
}

// RecordArchived records archived items for a policy
func RecordArchived(kind, policy string, count int) {
	ArchivedTotal.WithLabelValues(kind, policy).Add(float64(count))
}

// RecordKafkaMessage records a consumed or published message
func RecordKafkaMessage(topic, direction, status string) {
	KafkaMessagesTotal.WithLabelValues(topic, direction, status).Inc()
}
