package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BookingState is the saga state of a booking
type BookingState string

const (
	StateReceived          BookingState = "RECEIVED"
	StateInventoryPending  BookingState = "INVENTORY_PENDING"
	StateInventoryApplied  BookingState = "INVENTORY_APPLIED"
	StateInventoryRejected BookingState = "INVENTORY_REJECTED"
	StateERPPending        BookingState = "FRAPPE_PENDING"
	StateConfirmed         BookingState = "CONFIRMED"
	StateFailed            BookingState = "FAILED"
)

var transitions = map[BookingState][]BookingState{
	StateReceived:          {StateInventoryPending, StateFailed},
	StateInventoryPending:  {StateInventoryApplied, StateInventoryRejected, StateFailed},
	StateInventoryApplied:  {StateERPPending, StateFailed},
	StateERPPending:        {StateConfirmed, StateFailed},
	StateInventoryRejected: {StateFailed},
}

// CanTransitionTo reports whether the saga allows moving from s to next
func (s BookingState) CanTransitionTo(next BookingState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal is true for CONFIRMED and FAILED
func (s BookingState) IsTerminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// SeatsReserved reports whether the seat ledger holds a reservation for a
// booking currently in state s
func (s BookingState) SeatsReserved() bool {
	return s == StateInventoryApplied || s == StateERPPending
}

type Channel string

const (
	ChannelOnline Channel = "Online"
	ChannelAgency Channel = "Agenzia"
)

// Booking is the aggregate root persisted in the bookings table
type Booking struct {
	ID           uuid.UUID
	FlightID     uuid.UUID
	DepartureRef string
	Seats        int
	Amount       decimal.Decimal
	Currency     string
	Channel      Channel
	DocStatus    int
	Stato        string
	DocName      string
	Note         string
	Group        string
	State        BookingState
	Payload      json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastSyncedAt *time.Time
}

// ExternalPayload decodes the stored ERP payload of the booking
func (b *Booking) ExternalPayload() (BookingPayload, error) {
	var p BookingPayload
	if len(b.Payload) == 0 {
		return p, &ValidationError{Field: "payload", Reason: "booking has no stored payload"}
	}
	if err := json.Unmarshal(b.Payload, &p); err != nil {
		return p, err
	}
	return p, nil
}
