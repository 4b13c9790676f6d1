// Package metrics provides Prometheus metrics for the Sorrel service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolveTotal tracks resolver outcomes by entity kind and result
	ResolveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "resolver",
			Name:      "resolve_total",
			Help:      "Total number of resolve operations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// ResolveDuration tracks resolve duration in seconds
	ResolveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sorrel",
			Subsystem: "resolver",
			Name:      "resolve_duration_seconds",
			Help:      "Duration of resolve operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"kind"},
	)

	// DiscrepanciesTotal tracks identifier conflicts recorded during resolution
	DiscrepanciesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "resolver",
			Name:      "discrepancies_total",
			Help:      "Total number of identifier discrepancies recorded",
		},
		[]string{"kind"},
	)

	// MergesTotal tracks merge operations by kind and status
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "merge",
			Name:      "merges_total",
			Help:      "Total number of merge operations by kind and status",
		},
		[]string{"kind", "status"},
	)

	// MergeDuration tracks merge duration in seconds
	MergeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sorrel",
			Subsystem: "merge",
			Name:      "merge_duration_seconds",
			Help:      "Duration of merge operations in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)

	// ChainCompressions tracks opportunistic tombstone chain rewrites
	ChainCompressions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "canonical",
			Name:      "chain_compressions_total",
			Help:      "Total number of tombstone chain path compressions applied",
		},
	)

	// GeocodeAttemptsTotal tracks geocode attempts by result category
	GeocodeAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "geocode",
			Name:      "attempts_total",
			Help:      "Total number of geocode attempts by result category",
		},
		[]string{"category"},
	)

	// GeocodeQueueDepth tracks places currently scheduled for geocoding
	GeocodeQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sorrel",
			Subsystem: "geocode",
			Name:      "queue_depth",
			Help:      "Number of places currently scheduled for geocoding",
		},
	)

	// RelationshipUpsertsTotal tracks relationship edge upserts by result
	RelationshipUpsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "relationships",
			Name:      "upserts_total",
			Help:      "Total number of relationship edge upserts by result",
		},
		[]string{"result"},
	)

	// KafkaMessagesProcessed tracks ingest messages processed by status
	KafkaMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "kafka",
			Name:      "messages_processed_total",
			Help:      "Total number of ingest messages processed by status",
		},
		[]string{"topic", "status"},
	)

	// KafkaMessagesPublished tracks lifecycle events published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// DatabaseQueryDuration tracks database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sorrel",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// RecordResolve records a resolve outcome with its duration
func RecordResolve(kind, outcome string, durationSeconds float64) {
	ResolveTotal.WithLabelValues(kind, outcome).Inc()
	ResolveDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordMerge records a merge outcome with its duration
func RecordMerge(kind, status string, durationSeconds float64) {
	MergesTotal.WithLabelValues(kind, status).Inc()
	MergeDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordGeocodeAttempt records a geocode attempt result
func RecordGeocodeAttempt(category string) {
	GeocodeAttemptsTotal.WithLabelValues(category).Inc()
}
