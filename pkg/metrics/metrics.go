package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesPublished tracks the relay throughput
	// Labels allow filtering by outcome (published/failed) and message type
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_published_total",
		Help: "Total number of outbox messages handled by the relay",
	}, []string{"status", "type"})

	// BatchDuration measures fetch + publish + confirm + mark for one batch
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_batch_duration_seconds",
		Help:    "Duration of batch processing in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// BatchSize tracks the number of rows actually captured in each batch
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_batch_size",
		Help:    "Number of outbox rows processed per batch",
		Buckets: []float64{1, 10, 50, 100, 500, 1000},
	})

	// ConfirmFailures counts batches discarded because the broker did not confirm them in time
	ConfirmFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_confirm_failures_total",
		Help: "Total number of batches that were NACKed or timed out waiting for confirms",
	})

	// RabbitMQReconnections counts how many times a process had to restore the broker link
	RabbitMQReconnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rabbitmq_reconnections_total",
		Help: "Total number of RabbitMQ reconnection attempts",
	}, []string{"component"})

	// HealthStatus provides a binary signal for the broker link
	// 1 = Healthy, 0 = Unhealthy
	HealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rabbitmq_link_healthy",
		Help: "Current health status of the broker link (1 for healthy, 0 for unhealthy)",
	}, []string{"component"})

	// OutboxBacklog tracks unpublished outbox rows
	// This is the primary indicator of saga lag
	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_outbox_backlog",
		Help: "Current number of unpublished rows in the outbox table",
	})

	// OutboxPurged counts published rows removed by the janitor
	OutboxPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_outbox_purged_total",
		Help: "Total number of published outbox rows purged after the retention window",
	})
)
