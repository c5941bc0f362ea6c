package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageKind is the tagged variant carried in the AMQP "type" property
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindBookingRequested
	KindSeatDeltaRequested
	KindSeatDeltaApplied
	KindSeatDeltaRejected
	KindExternalUpsertRequested
	KindExternalUpsertSucceeded
	KindExternalUpsertFailed
	KindBookingConfirmed
	KindBookingFailed
)

var ErrUnknownMessageKind = errors.New("unknown message kind")

var kindNames = map[MessageKind]string{
	KindBookingRequested:        "booking.requested",
	KindSeatDeltaRequested:      "inventory.seat_delta.requested",
	KindSeatDeltaApplied:        "inventory.seat_delta.applied",
	KindSeatDeltaRejected:       "inventory.seat_delta.rejected",
	KindExternalUpsertRequested: "frappe.booking.upsert.requested",
	KindExternalUpsertSucceeded: "frappe.booking.upsert.succeeded",
	KindExternalUpsertFailed:    "frappe.booking.upsert.failed",
	KindBookingConfirmed:        "booking.confirmed",
	KindBookingFailed:           "booking.failed",
}

var kindsByName = func() map[string]MessageKind {
	m := make(map[string]MessageKind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

func (k MessageKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseMessageKind resolves a wire type. Unknown types are a permanent error.
func ParseMessageKind(wire string) (MessageKind, error) {
	if k, ok := kindsByName[wire]; ok {
		return k, nil
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownMessageKind, wire)
}

// Message is implemented by every saga command and event
type Message interface {
	Kind() MessageKind
	Meta() MessageMeta
}

// MessageMeta is the identity block shared by all saga messages
type MessageMeta struct {
	MessageID     uuid.UUID `json:"messageId"`
	CorrelationID uuid.UUID `json:"correlationId"`
	BookingID     uuid.UUID `json:"bookingId"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (m MessageMeta) Meta() MessageMeta { return m }

// NewMeta stamps a fresh message id onto a booking's correlation
func NewMeta(bookingID, correlationID uuid.UUID) MessageMeta {
	return MessageMeta{
		MessageID:     uuid.New(),
		CorrelationID: correlationID,
		BookingID:     bookingID,
		CreatedAt:     time.Now().UTC(),
	}
}

type BookingRequested struct {
	MessageMeta
	FlightID     uuid.UUID `json:"flightId"`
	DepartureRef string    `json:"departureRef,omitempty"`
	Seats        int       `json:"seats"`
	Amount       string    `json:"amount"`
	Channel      Channel   `json:"channel"`
	Group        string    `json:"group,omitempty"`
}

func (BookingRequested) Kind() MessageKind { return KindBookingRequested }

type SeatDeltaRequested struct {
	MessageMeta
	FlightID uuid.UUID `json:"flightId"`
	Delta    int       `json:"delta"`
	Reason   string    `json:"reason"`
}

func (SeatDeltaRequested) Kind() MessageKind { return KindSeatDeltaRequested }

// IsRelease is true for compensating deltas
func (m SeatDeltaRequested) IsRelease() bool { return m.Delta < 0 }

type SeatDeltaApplied struct {
	MessageMeta
	FlightID       uuid.UUID `json:"flightId"`
	DeltaApplied   int       `json:"deltaApplied"`
	SeatsRemaining int       `json:"seatsRemaining"`
}

func (SeatDeltaApplied) Kind() MessageKind { return KindSeatDeltaApplied }

type SeatDeltaRejected struct {
	MessageMeta
	FlightID uuid.UUID `json:"flightId"`
	Delta    int       `json:"delta"`
	Reason   string    `json:"reason"`
}

func (SeatDeltaRejected) Kind() MessageKind { return KindSeatDeltaRejected }

type ExternalUpsertRequested struct {
	MessageMeta
	Payload BookingPayload `json:"payload"`
	Attempt int            `json:"attempt"`
}

func (ExternalUpsertRequested) Kind() MessageKind { return KindExternalUpsertRequested }

// WithAttempt returns a copy carrying a new message identity and attempt counter
func (m ExternalUpsertRequested) WithAttempt(attempt int) ExternalUpsertRequested {
	next := m
	next.MessageMeta = NewMeta(m.BookingID, m.CorrelationID)
	next.Attempt = attempt
	next.Payload.Passengers = append([]Passenger(nil), m.Payload.Passengers...)
	return next
}

type ExternalUpsertSucceeded struct {
	MessageMeta
	DocName   string `json:"docName"`
	DocUUID   string `json:"docUuid,omitempty"`
	DocStatus int    `json:"docStatus"`
	Status    string `json:"status,omitempty"`
}

func (ExternalUpsertSucceeded) Kind() MessageKind { return KindExternalUpsertSucceeded }

type ExternalUpsertFailed struct {
	MessageMeta
	Reason     string `json:"reason"`
	Attempt    int    `json:"attempt"`
	StatusCode int    `json:"statusCode,omitempty"`
}

func (ExternalUpsertFailed) Kind() MessageKind { return KindExternalUpsertFailed }

type BookingConfirmed struct {
	MessageMeta
	DocName   string `json:"docName"`
	DocStatus int    `json:"docStatus"`
}

func (BookingConfirmed) Kind() MessageKind { return KindBookingConfirmed }

type BookingFailed struct {
	MessageMeta
	Reason string `json:"reason"`
}

func (BookingFailed) Kind() MessageKind { return KindBookingFailed }

// Envelope is a decoded delivery ready for dispatch
type Envelope struct {
	Kind          MessageKind
	MessageID     string
	CorrelationID string
	RetryCount    int
	Body          json.RawMessage
}

// Decode unmarshals the body into the concrete message type for its kind
func (e Envelope) Decode() (Message, error) {
	var msg Message
	switch e.Kind {
	case KindBookingRequested:
		msg = &BookingRequested{}
	case KindSeatDeltaRequested:
		msg = &SeatDeltaRequested{}
	case KindSeatDeltaApplied:
		msg = &SeatDeltaApplied{}
	case KindSeatDeltaRejected:
		msg = &SeatDeltaRejected{}
	case KindExternalUpsertRequested:
		msg = &ExternalUpsertRequested{}
	case KindExternalUpsertSucceeded:
		msg = &ExternalUpsertSucceeded{}
	case KindExternalUpsertFailed:
		msg = &ExternalUpsertFailed{}
	case KindBookingConfirmed:
		msg = &BookingConfirmed{}
	case KindBookingFailed:
		msg = &BookingFailed{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageKind, e.Kind)
	}

	if err := json.Unmarshal(e.Body, msg); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	if msg.Meta().BookingID == uuid.Nil {
		return nil, fmt.Errorf("decode %s payload: missing bookingId", e.Kind)
	}
	return msg, nil
}

// DecodeAs decodes the envelope and asserts its concrete type
func DecodeAs[T any](e Envelope) (*T, error) {
	msg, err := e.Decode()
	if err != nil {
		return nil, err
	}
	typed, ok := any(msg).(*T)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot be decoded as %T", ErrUnknownMessageKind, e.Kind, typed)
	}
	return typed, nil
}
