// Package dbtest provides an in-memory db.Store for tests. Transactions are
// serialized and copy-on-write: fn works on a clone that replaces the
// committed state only when fn returns nil.
package dbtest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Guizzs26/flight-booking-saga/internal/db"
	"github.com/Guizzs26/flight-booking-saga/internal/models"

	"github.com/google/uuid"
)

type state struct {
	bookings map[uuid.UUID]models.Booking
	outbox   []models.OutboxEntry
	keys     map[string]struct{}
	markers  map[string]models.ProcessedMessage
	seats    map[uuid.UUID]models.SeatInventory
	nextID   int64
}

func (s *state) clone() *state {
	c := &state{
		bookings: make(map[uuid.UUID]models.Booking, len(s.bookings)),
		outbox:   slices.Clone(s.outbox),
		keys:     make(map[string]struct{}, len(s.keys)),
		markers:  make(map[string]models.ProcessedMessage, len(s.markers)),
		seats:    make(map[uuid.UUID]models.SeatInventory, len(s.seats)),
		nextID:   s.nextID,
	}
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k := range s.keys {
		c.keys[k] = struct{}{}
	}
	for k, v := range s.markers {
		c.markers[k] = v
	}
	for k, v := range s.seats {
		c.seats[k] = v
	}
	return c
}

type Store struct {
	txMu  sync.Mutex
	mu    sync.Mutex
	state *state

	// FailEnqueue, when set, is returned by every outbox Enqueue
	FailEnqueue error
	commits     int
}

var _ db.Store = (*Store)(nil)
var _ db.RelaySource = (*Store)(nil)

func New() *Store {
	return &Store{state: (&state{}).clone()}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, sess db.Session) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	work := s.state.clone()
	s.mu.Unlock()

	if err := fn(ctx, session{store: s, tx: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.commits++
	s.mu.Unlock()
	return nil
}

func (s *Store) Bookings() db.BookingStore { return bookings{session{store: s}} }
func (s *Store) Outbox() db.OutboxWriter   { return outbox{session{store: s}} }
func (s *Store) Markers() db.MarkerStore   { return markers{session{store: s}} }
func (s *Store) Seats() db.SeatLedger      { return seats{session{store: s}} }

// session binds repositories either to a transaction clone or to the
// committed state under the store lock
type session struct {
	store *Store
	tx    *state
}

func (s session) with(fn func(st *state) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return fn(s.store.state)
}

func (s session) Bookings() db.BookingStore { return bookings{s} }
func (s session) Outbox() db.OutboxWriter   { return outbox{s} }
func (s session) Markers() db.MarkerStore   { return markers{s} }
func (s session) Seats() db.SeatLedger      { return seats{s} }

type bookings struct{ s session }

func (r bookings) Insert(ctx context.Context, b *models.Booking) error {
	return r.s.with(func(st *state) error {
		if _, ok := st.bookings[b.ID]; ok {
			return db.ErrBookingExists
		}
		now := time.Now().UTC()
		b.CreatedAt, b.UpdatedAt = now, now
		st.bookings[b.ID] = *b
		return nil
	})
}

func (r bookings) Get(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	var out *models.Booking
	err := r.s.with(func(st *state) error {
		b, ok := st.bookings[id]
		if !ok {
			return db.ErrBookingNotFound
		}
		out = &b
		return nil
	})
	return out, err
}

func (r bookings) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return r.Get(ctx, id)
}

func (r bookings) UpdateState(ctx context.Context, id uuid.UUID, st models.BookingState) error {
	return r.s.with(func(s *state) error {
		b, ok := s.bookings[id]
		if !ok {
			return db.ErrBookingNotFound
		}
		b.State = st
		b.UpdatedAt = time.Now().UTC()
		s.bookings[id] = b
		return nil
	})
}

func (r bookings) MarkSynced(ctx context.Context, id uuid.UUID, docName string, docStatus int) error {
	return r.s.with(func(s *state) error {
		b, ok := s.bookings[id]
		if !ok {
			return db.ErrBookingNotFound
		}
		now := time.Now().UTC()
		b.DocName = docName
		b.DocStatus = docStatus
		b.Stato = models.StatoForDocStatus(docStatus)
		b.LastSyncedAt = &now
		b.UpdatedAt = now
		s.bookings[id] = b
		return nil
	})
}

type outbox struct{ s session }

func (r outbox) Enqueue(ctx context.Context, drafts ...models.OutboxDraft) error {
	if r.s.store.FailEnqueue != nil {
		return r.s.store.FailEnqueue
	}
	return r.s.with(func(st *state) error {
		for _, d := range drafts {
			if _, dup := st.keys[d.IdempotencyKey]; dup {
				continue
			}
			st.nextID++
			st.keys[d.IdempotencyKey] = struct{}{}
			st.outbox = append(st.outbox, models.OutboxEntry{
				ID:             st.nextID,
				AggregateID:    d.AggregateID,
				Type:           d.Type,
				Exchange:       d.Exchange,
				RoutingKey:     d.RoutingKey,
				Payload:        d.Payload,
				Headers:        d.Headers,
				MessageID:      d.MessageID,
				CorrelationID:  d.CorrelationID,
				IdempotencyKey: d.IdempotencyKey,
				CreatedAt:      time.Now().UTC(),
			})
		}
		return nil
	})
}

type markers struct{ s session }

func (r markers) Exists(ctx context.Context, messageID string) (bool, error) {
	var found bool
	err := r.s.with(func(st *state) error {
		_, found = st.markers[messageID]
		return nil
	})
	return found, err
}

func (r markers) Insert(ctx context.Context, m models.ProcessedMessage) error {
	return r.s.with(func(st *state) error {
		if _, ok := st.markers[m.MessageID]; ok {
			return db.ErrDuplicateMessage
		}
		st.markers[m.MessageID] = m
		return nil
	})
}

type seats struct{ s session }

func (r seats) GetSeats(ctx context.Context, flightID uuid.UUID) (*models.SeatInventory, error) {
	var out *models.SeatInventory
	err := r.s.with(func(st *state) error {
		inv, ok := st.seats[flightID]
		if !ok {
			return db.ErrFlightNotFound
		}
		out = &inv
		return nil
	})
	return out, err
}

// ApplySeatDelta mirrors the guarded UPDATE used against Postgres
func (r seats) ApplySeatDelta(ctx context.Context, flightID uuid.UUID, delta int) (models.SeatDeltaResult, error) {
	if delta == 0 {
		return models.SeatDeltaResult{Noop: true}, nil
	}
	var res models.SeatDeltaResult
	err := r.s.with(func(st *state) error {
		inv, ok := st.seats[flightID]
		if !ok || (delta > 0 && inv.SeatsAvailable-delta < 0) {
			return nil
		}
		inv.SeatsAvailable -= delta
		inv.IsOpen = inv.SeatsAvailable > 0
		inv.UpdatedAt = time.Now().UTC()
		st.seats[flightID] = inv
		res = models.SeatDeltaResult{Applied: true, SeatsRemaining: inv.SeatsAvailable}
		return nil
	})
	return res, err
}
