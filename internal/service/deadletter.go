package service

import (
	"context"
	"log/slog"

	"github.com/Guizzs26/flight-booking-saga/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterService drains booking.dead-letters. Rejected deliveries carry no
// saga state worth replaying automatically, so each one is logged with its
// x-death trail for an operator and acknowledged.
type DeadLetterService struct {
	logger *slog.Logger
}

func NewDeadLetterService(l *slog.Logger) *DeadLetterService {
	return &DeadLetterService{logger: l.With("component", "dead-letters")}
}

func (s *DeadLetterService) HandleDelivery(ctx context.Context, d amqp.Delivery) {
	queue, reason, count := deathInfo(d.Headers)
	kind := d.Type
	if kind == "" {
		kind = "unknown"
	}
	metrics.DeadLetters.WithLabelValues(queue, kind).Inc()

	s.logger.Warn("Dead letter caught",
		"message_id", d.MessageId,
		"correlation_id", d.CorrelationId,
		"type", kind,
		"queue", queue,
		"reason", reason,
		"deaths", count,
		"body_bytes", len(d.Body),
	)

	if err := d.Ack(false); err != nil {
		s.logger.Error("Failed to Ack dead letter", "message_id", d.MessageId, "error", err)
	}
}

// deathInfo reads the most recent entry of the broker's x-death header
func deathInfo(h amqp.Table) (queue, reason string, count int64) {
	queue, reason = "unknown", "unknown"
	deaths, ok := h["x-death"].([]any)
	if !ok || len(deaths) == 0 {
		return queue, reason, 0
	}
	last, ok := deaths[0].(amqp.Table)
	if !ok {
		return queue, reason, 0
	}
	if q, ok := last["queue"].(string); ok {
		queue = q
	}
	if r, ok := last["reason"].(string); ok {
		reason = r
	}
	if c, ok := last["count"].(int64); ok {
		count = c
	}
	return queue, reason, count
}
