package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConsumerDuration tracks the end-to-end latency of one delivery inside the inbox guard
	ConsumerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consumer_processing_duration_seconds",
		Help:    "Time taken to process a delivery from reception to commit",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"consumer", "outcome"})

	// ConsumerMessages tracks the result of message consumption
	// outcome: processed, duplicate, race, rejected
	ConsumerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_total",
		Help: "Total number of deliveries handled by the inbox guard",
	}, []string{"consumer", "kind", "outcome"})

	// TxRetries tracks how many times a unit of work was retried due to serialization failures
	TxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "store_tx_retries_total",
		Help: "Number of internal retries triggered by deadlocks or serialization failures",
	})

	// DeadLetters counts deliveries that were rejected and routed to the dead letter exchange
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_dead_letters_total",
		Help: "Total number of dead-lettered deliveries observed",
	}, []string{"queue", "kind"})

	// SagaTransitions counts booking state changes
	SagaTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_transitions_total",
		Help: "Total number of booking saga state transitions",
	}, []string{"from", "to"})

	// SeatDeltas tracks the outcome of seat ledger updates
	// outcome: applied, rejected, noop
	SeatDeltas = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seat_ledger_deltas_total",
		Help: "Total number of seat delta requests by outcome",
	}, []string{"outcome"})

	// ERPCalls tracks the outcome of ERP upsert calls made by the gateway
	// outcome: success, transient, permanent, breaker_open
	ERPCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erp_upsert_calls_total",
		Help: "Total number of ERP upsert calls by outcome",
	}, []string{"outcome"})

	// ERPBreakerState mirrors the circuit breaker state
	// 0 = closed, 1 = half-open, 2 = open
	ERPBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "erp_circuit_breaker_state",
		Help: "Current ERP circuit breaker state (0 closed, 1 half-open, 2 open)",
	})

	// ERPRetriesScheduled counts slow re-queued retries
	ERPRetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erp_retries_scheduled_total",
		Help: "Total number of delayed ERP upsert retries enqueued",
	})
)
