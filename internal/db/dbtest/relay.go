package dbtest

import (
	"context"
	"slices"
	"time"

	"github.com/Guizzs26/flight-booking-saga/internal/models"

	"github.com/google/uuid"
)

func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.OutboxEntry
	for _, e := range s.state.outbox {
		if e.PublishedAt == nil {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, ids []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var n int64
	for i := range s.state.outbox {
		e := &s.state.outbox[i]
		if e.PublishedAt == nil && slices.Contains(ids, e.ID) {
			e.PublishedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *Store) RecordPublishFailure(ctx context.Context, ids []int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.state.outbox {
		e := &s.state.outbox[i]
		if e.PublishedAt == nil && slices.Contains(ids, e.ID) {
			e.RetryCount++
			e.LastError = reason
		}
	}
	return nil
}

func (s *Store) CountBacklog(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.state.outbox {
		if e.PublishedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) PurgePublished(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	before := len(s.state.outbox)
	s.state.outbox = slices.DeleteFunc(s.state.outbox, func(e models.OutboxEntry) bool {
		return e.PublishedAt != nil && e.PublishedAt.Before(cutoff)
	})
	return int64(before - len(s.state.outbox)), nil
}

// SeedFlight sets the seat counter for a flight
func (s *Store) SeedFlight(id uuid.UUID, seatsAvailable int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.seats[id] = models.SeatInventory{
		FlightID:       id,
		SeatsAvailable: seatsAvailable,
		IsOpen:         seatsAvailable > 0,
		UpdatedAt:      time.Now().UTC(),
	}
}

// SeedBooking stores b as committed state
func (s *Store) SeedBooking(b models.Booking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.bookings[b.ID] = b
}

// Flight returns the committed seat counter
func (s *Store) Flight(id uuid.UUID) models.SeatInventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.seats[id]
}

// Booking returns the committed booking, zero value if absent
func (s *Store) Booking(id uuid.UUID) models.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.bookings[id]
}

// Entries lists every committed outbox row, published or not
func (s *Store) Entries() []models.OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.outbox)
}

// EntriesOfType filters committed outbox rows by message type
func (s *Store) EntriesOfType(kind models.MessageKind) []models.OutboxEntry {
	var out []models.OutboxEntry
	for _, e := range s.Entries() {
		if e.Type == kind.String() {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) MarkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.markers)
}

// Commits counts successful transactions
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}
