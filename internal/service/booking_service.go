package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/flight-booking-saga/internal/broker"
	"github.com/Guizzs26/flight-booking-saga/internal/db"
	"github.com/Guizzs26/flight-booking-saga/internal/models"

	"github.com/google/uuid"
)

var (
	ErrSeatsUnavailable   = errors.New("not enough seats available on departure")
	ErrDepartureNotFound  = errors.New("departure not found")
	ErrAvailabilityFailed = errors.New("seat availability check failed")
)

// AvailabilityChecker is the optional seat pre-check done before a booking enters the saga
type AvailabilityChecker interface {
	Availability(ctx context.Context, flightID uuid.UUID) (models.SeatInventory, error)
}

// BookingService is the ingestion side: it stores a validated booking and
// starts the saga by staging booking.requested in the same transaction.
type BookingService struct {
	store  db.Store
	routes broker.Topology
	seats  AvailabilityChecker
	logger *slog.Logger
}

// NewBookingService wires ingestion. seats may be nil to skip the pre-check.
func NewBookingService(store db.Store, routes broker.Topology, seats AvailabilityChecker, l *slog.Logger) *BookingService {
	return &BookingService{store: store, routes: routes, seats: seats, logger: l.With("component", "ingestion")}
}

// Accept validates req and persists it in state RECEIVED
func (s *BookingService) Accept(ctx context.Context, req models.BookingRequest) (*models.Booking, error) {
	payload, err := models.NewBookingPayload(req)
	if err != nil {
		return nil, err
	}

	if s.seats != nil {
		if err := s.precheck(ctx, payload); err != nil {
			return nil, err
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode booking payload: %w", err)
	}

	b := &models.Booking{
		ID:           payload.ID,
		FlightID:     payload.FlightID,
		DepartureRef: payload.DepartureRef,
		Seats:        payload.Seats,
		Amount:       payload.Amount,
		Currency:     payload.Currency,
		Channel:      payload.Channel,
		DocStatus:    payload.DocStatus,
		Stato:        payload.Stato,
		DocName:      payload.DocName,
		Note:         payload.Note,
		Group:        payload.Group,
		State:        models.StateReceived,
		Payload:      raw,
	}

	evt := models.BookingRequested{
		MessageMeta:  models.NewMeta(b.ID, b.ID),
		FlightID:     b.FlightID,
		DepartureRef: b.DepartureRef,
		Seats:        b.Seats,
		Amount:       b.Amount.StringFixed(2),
		Channel:      b.Channel,
		Group:        b.Group,
	}
	draft, err := models.NewDraft(s.routes.Route(evt.Kind()), evt, models.IdempotencyKey(b.ID, "booking.requested"), 0, 0)
	if err != nil {
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, sess db.Session) error {
		if err := sess.Bookings().Insert(ctx, b); err != nil {
			return err
		}
		return sess.Outbox().Enqueue(ctx, draft)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Booking accepted",
		"booking_id", b.ID,
		"flight_id", b.FlightID,
		"seats", b.Seats,
		"amount", b.Amount.StringFixed(2),
		"channel", b.Channel,
	)
	return b, nil
}

func (s *BookingService) precheck(ctx context.Context, p models.BookingPayload) error {
	inv, err := s.seats.Availability(ctx, p.FlightID)
	if errors.Is(err, db.ErrFlightNotFound) {
		return fmt.Errorf("%w: %s", ErrDepartureNotFound, p.FlightID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAvailabilityFailed, err)
	}
	if !inv.IsOpen || inv.SeatsAvailable < p.Seats {
		return fmt.Errorf("%w: requested %d, available %d", ErrSeatsUnavailable, p.Seats, inv.SeatsAvailable)
	}
	return nil
}

func (s *BookingService) Get(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return s.store.Bookings().Get(ctx, id)
}
