// Package inbox implements the idempotent consumer that wraps every queue.
//
// A delivery is deduplicated by its AMQP message id. The handler's writes and
// the processed-message marker commit in one transaction, and the marker's
// unique constraint decides races between consumer instances.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/flight-booking-saga/internal/db"
	"github.com/Guizzs26/flight-booking-saga/internal/models"
	"github.com/Guizzs26/flight-booking-saga/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrMissingMessageID = errors.New("delivery has no message id")
	ErrNoHandler        = errors.New("no handler registered for message kind")
)

// Step is the transactional part of a handler
type Step func(ctx context.Context, s db.Session) error

// HandlerFunc decodes and prepares a delivery. Work that must not run inside
// a transaction (remote calls) happens here; the returned Step, which may be
// nil, runs in the same unit of work as the marker insert.
type HandlerFunc func(ctx context.Context, env models.Envelope) (Step, error)

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRace      Outcome = "race"
	OutcomeRejected  Outcome = "rejected"
)

// Acked reports whether the delivery should be acknowledged
func (o Outcome) Acked() bool {
	return o != OutcomeRejected
}

type Guard struct {
	consumer string
	store    db.Store
	handlers map[models.MessageKind]HandlerFunc
	logger   *slog.Logger
}

// NewGuard creates a guard whose markers are recorded under consumer
func NewGuard(consumer string, store db.Store, logger *slog.Logger) *Guard {
	return &Guard{
		consumer: consumer,
		store:    store,
		handlers: make(map[models.MessageKind]HandlerFunc),
		logger:   logger.With("consumer", consumer),
	}
}

func (g *Guard) Register(kind models.MessageKind, h HandlerFunc) *Guard {
	g.handlers[kind] = h
	return g
}

// HandleDelivery processes d and settles it. Rejected deliveries are nacked
// without requeue.
func (g *Guard) HandleDelivery(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	outcome, kind, err := g.Process(ctx, d)

	l := g.logger.With(
		"message_id", d.MessageId,
		"correlation_id", d.CorrelationId,
		"type", d.Type,
		"outcome", outcome,
	)

	metrics.ConsumerDuration.WithLabelValues(g.consumer, string(outcome)).Observe(time.Since(start).Seconds())
	metrics.ConsumerMessages.WithLabelValues(g.consumer, kind.String(), string(outcome)).Inc()

	if outcome.Acked() {
		if ackErr := d.Ack(false); ackErr != nil {
			l.Error("Failed to Ack message", "error", ackErr)
		}
		if outcome == OutcomeProcessed {
			l.Debug("Message processed")
		} else {
			l.Info("Duplicate delivery discarded")
		}
		return
	}

	l.Error("Message rejected, dropping without requeue", "error", err)
	if nackErr := d.Nack(false, false); nackErr != nil {
		l.Error("Failed to Nack message", "error", nackErr)
	}
}

// Process runs the dedup and handler pipeline without settling the delivery
func (g *Guard) Process(ctx context.Context, d amqp.Delivery) (Outcome, models.MessageKind, error) {
	if d.MessageId == "" {
		return OutcomeRejected, models.KindUnknown, ErrMissingMessageID
	}

	wire := d.Type
	if wire == "" {
		wire = d.RoutingKey
	}
	kind, err := models.ParseMessageKind(wire)
	if err != nil {
		return OutcomeRejected, kind, err
	}

	handler, ok := g.handlers[kind]
	if !ok {
		return OutcomeRejected, kind, fmt.Errorf("%w: %s on %s", ErrNoHandler, kind, g.consumer)
	}

	seen, err := g.store.Markers().Exists(ctx, d.MessageId)
	if err != nil {
		return OutcomeRejected, kind, fmt.Errorf("idempotency check failed: %w", err)
	}
	if seen {
		return OutcomeDuplicate, kind, nil
	}

	env := models.Envelope{
		Kind:          kind,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		RetryCount:    retryCount(d.Headers),
		Body:          d.Body,
	}

	step, err := handler(ctx, env)
	if err != nil {
		return OutcomeRejected, kind, fmt.Errorf("handler failed: %w", err)
	}

	marker := models.ProcessedMessage{
		MessageID:  d.MessageId,
		Consumer:   g.consumer,
		ReceivedAt: time.Now().UTC(),
		Metadata:   markerMetadata(d),
	}

	var hooks *commitHooks
	err = g.store.WithinTx(ctx, func(ctx context.Context, s db.Session) error {
		hooks = &commitHooks{}
		ctx = context.WithValue(ctx, hooksKey{}, hooks)
		if step != nil {
			if err := step(ctx, s); err != nil {
				return err
			}
		}
		return s.Markers().Insert(ctx, marker)
	})
	switch {
	case err == nil:
		hooks.run()
		return OutcomeProcessed, kind, nil
	case errors.Is(err, db.ErrDuplicateMessage):
		g.logger.Warn("Idempotency race detected: message already processed by another instance", "message_id", d.MessageId)
		return OutcomeRace, kind, nil
	default:
		return OutcomeRejected, kind, fmt.Errorf("unit of work failed: %w", err)
	}
}

func retryCount(h amqp.Table) int {
	switch v := h[models.HeaderRetryCount].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func markerMetadata(d amqp.Delivery) json.RawMessage {
	b, err := json.Marshal(map[string]any{
		"type":           d.Type,
		"routing_key":    d.RoutingKey,
		"exchange":       d.Exchange,
		"correlation_id": d.CorrelationId,
		"redelivered":    d.Redelivered,
	})
	if err != nil {
		return nil
	}
	return b
}
