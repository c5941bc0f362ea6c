package models

import (
	"time"

	"github.com/google/uuid"
)

// SeatInventory is the per-flight seat counter owned by the upstream sync feed
type SeatInventory struct {
	FlightID       uuid.UUID
	SeatsAvailable int
	IsOpen         bool
	UpdatedAt      time.Time
}

// SeatDeltaResult reports the outcome of a ledger update
type SeatDeltaResult struct {
	Applied        bool
	Noop           bool
	SeatsRemaining int
}
