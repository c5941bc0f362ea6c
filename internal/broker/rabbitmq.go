package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/Guizzs26/flight-booking-saga/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQClient publishes outbox entries with Publisher Confirms enabled
type RabbitMQClient struct {
	provider       *ConnectionProvider
	confirmTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	channel *amqp.Channel
}

func NewRabbitMQClient(provider *ConnectionProvider, confirmTimeout time.Duration, l *slog.Logger) *RabbitMQClient {
	return &RabbitMQClient{
		provider:       provider,
		confirmTimeout: confirmTimeout,
		logger:         l,
	}
}

func (r *RabbitMQClient) confirmChannel(ctx context.Context) (*amqp.Channel, error) {
	if r.channel != nil && !r.channel.IsClosed() {
		return r.channel, nil
	}

	ch, err := r.provider.Channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to activate Publisher Confirms: %w", err)
	}
	r.channel = ch
	return ch, nil
}

// discard drops the channel so the next batch starts with clean confirm state
func (r *RabbitMQClient) discard() {
	if r.channel != nil {
		r.channel.Close()
		r.channel = nil
	}
}

// PublishBatch sends every entry and blocks until the broker confirmed all of
// them. Any NACK, publish error or confirm timeout fails the whole batch.
func (r *RabbitMQClient) PublishBatch(ctx context.Context, entries []models.OutboxEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.confirmChannel(ctx)
	if err != nil {
		return err
	}

	pending := make([]*amqp.DeferredConfirmation, 0, len(entries))
	for _, e := range entries {
		pub, err := BuildPublishing(e)
		if err != nil {
			r.discard()
			return err
		}

		deferred, err := ch.PublishWithDeferredConfirmWithContext(ctx, e.Exchange, e.RoutingKey, false, false, pub)
		if err != nil {
			r.logger.Error("failed to publish message to exchange",
				"correlation_id", e.CorrelationID,
				"message_id", e.MessageID,
				"routing_key", e.RoutingKey,
				"error", err,
			)
			r.discard()
			return fmt.Errorf("publish call failed: %w", err)
		}
		pending = append(pending, deferred)
	}

	timeout := time.NewTimer(r.confirmTimeout)
	defer timeout.Stop()

	for i, deferred := range pending {
		select {
		case <-ctx.Done():
			r.discard()
			return ctx.Err()
		case <-deferred.Done():
			if !deferred.Acked() {
				r.discard()
				return fmt.Errorf("RabbitMQ NACK received for message %s", entries[i].MessageID)
			}
		case <-timeout.C:
			r.discard()
			return fmt.Errorf("publisher confirm timeout after %s", r.confirmTimeout)
		}
	}
	return nil
}

func (r *RabbitMQClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discard()
	return nil
}

// BuildPublishing maps an outbox entry onto AMQP properties. The x-delay
// header (seconds) becomes a per-message expiration in milliseconds and is
// not forwarded.
func BuildPublishing(e models.OutboxEntry) (amqp.Publishing, error) {
	headers := amqp.Table{}
	var expiration string

	for k, v := range e.Headers {
		if k == models.HeaderDelay {
			seconds, ok := toFloat(v)
			if !ok {
				return amqp.Publishing{}, fmt.Errorf("outbox row %d has invalid %s header %v", e.ID, k, v)
			}
			if seconds > 0 {
				expiration = strconv.FormatInt(int64(math.Round(seconds*1000)), 10)
			}
			continue
		}
		headers[k] = headerValue(v)
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     e.MessageID,
		CorrelationId: e.CorrelationID,
		Type:          e.Type,
		Timestamp:     time.Now().UTC(),
		Expiration:    expiration,
		Body:          e.Payload,
	}, nil
}

// headerValue narrows JSON-decoded numbers so integer headers stay integers
func headerValue(v any) any {
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) {
			return int64(n)
		}
		return n
	case int:
		return int64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		return n.String()
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
