package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderCorrelationID = "x-correlation-id"
	HeaderRetryCount    = "x-retry-count"
	// HeaderDelay holds a delivery delay in seconds; the relay turns it into a message TTL
	HeaderDelay = "x-delay"
)

// Route is the broker destination of a message
type Route struct {
	Exchange   string
	RoutingKey string
}

// OutboxEntry is one staged message as read back by the relay
type OutboxEntry struct {
	ID             int64
	AggregateID    uuid.UUID
	Type           string
	Exchange       string
	RoutingKey     string
	Payload        json.RawMessage
	Headers        map[string]any
	MessageID      string
	CorrelationID  string
	IdempotencyKey string
	RetryCount     int
	LastError      string
	CreatedAt      time.Time
	PublishedAt    *time.Time
}

// OutboxDraft is an entry waiting to be inserted in the caller's transaction
type OutboxDraft struct {
	AggregateID    uuid.UUID
	Type           string
	Exchange       string
	RoutingKey     string
	Payload        json.RawMessage
	Headers        map[string]any
	MessageID      string
	CorrelationID  string
	IdempotencyKey string
}

// NewDraft serializes msg for the given route. retryCount and delay feed the
// x-retry-count and x-delay headers; a zero delay omits x-delay.
func NewDraft(route Route, msg Message, idempotencyKey string, retryCount int, delay time.Duration) (OutboxDraft, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return OutboxDraft{}, fmt.Errorf("marshal %s: %w", msg.Kind(), err)
	}

	meta := msg.Meta()
	headers := map[string]any{
		HeaderCorrelationID: meta.CorrelationID.String(),
		HeaderRetryCount:    retryCount,
	}
	if delay > 0 {
		headers[HeaderDelay] = int64(delay / time.Second)
	}

	return OutboxDraft{
		AggregateID:    meta.BookingID,
		Type:           msg.Kind().String(),
		Exchange:       route.Exchange,
		RoutingKey:     route.RoutingKey,
		Payload:        body,
		Headers:        headers,
		MessageID:      meta.MessageID.String(),
		CorrelationID:  meta.CorrelationID.String(),
		IdempotencyKey: idempotencyKey,
	}, nil
}

// IdempotencyKey builds the per-booking outbox key, e.g. "<id>:frappe.retry:2"
func IdempotencyKey(bookingID uuid.UUID, step string, attempt ...int) string {
	key := bookingID.String() + ":" + step
	for _, a := range attempt {
		key = fmt.Sprintf("%s:%d", key, a)
	}
	return key
}
