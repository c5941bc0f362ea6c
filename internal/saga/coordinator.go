// Package saga drives a booking through seat reservation, ERP
// synchronization and compensation.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/flight-booking-saga/internal/broker"
	"github.com/Guizzs26/flight-booking-saga/internal/db"
	"github.com/Guizzs26/flight-booking-saga/internal/inbox"
	"github.com/Guizzs26/flight-booking-saga/internal/models"
	"github.com/Guizzs26/flight-booking-saga/pkg/metrics"

	"github.com/google/uuid"
)

const (
	ReasonBookingRequested = "booking.requested"
	ReasonCompensation     = "booking.failed.compensation"
)

var ErrMissingDeparture = errors.New("booking.requested has no departure reference")

// Coordinator holds one handler per inbound message kind. Each handler
// re-reads the booking under a row lock and ignores events that do not fit
// its current state.
type Coordinator struct {
	routes broker.Topology
	logger *slog.Logger
}

func NewCoordinator(routes broker.Topology, logger *slog.Logger) *Coordinator {
	return &Coordinator{routes: routes, logger: logger}
}

// OnBookingRequested asks the seat ledger to reserve the requested seats
func (c *Coordinator) OnBookingRequested(ctx context.Context, env models.Envelope) (inbox.Step, error) {
	msg, err := models.DecodeAs[models.BookingRequested](env)
	if err != nil {
		return nil, err
	}
	if msg.FlightID == uuid.Nil {
		return nil, ErrMissingDeparture
	}

	return func(ctx context.Context, s db.Session) error {
		b, err := s.Bookings().GetForUpdate(ctx, msg.BookingID)
		if err != nil {
			return err
		}
		l := c.log(msg.MessageMeta, env)
		if !c.canMove(l, b, models.StateInventoryPending) {
			return nil
		}
		if err := c.transition(ctx, s, b, models.StateInventoryPending); err != nil {
			return err
		}

		cmd := models.SeatDeltaRequested{
			MessageMeta: models.NewMeta(b.ID, correlation(msg.MessageMeta)),
			FlightID:    msg.FlightID,
			Delta:       b.Seats,
			Reason:      ReasonBookingRequested,
		}
		l.Info("Seat reservation requested", "flight_id", cmd.FlightID, "delta", cmd.Delta)
		return c.enqueue(ctx, s, c.routes.Route(cmd.Kind()), cmd, models.IdempotencyKey(b.ID, "inventory.request"))
	}, nil
}

// OnSeatDeltaApplied moves a reserved booking to ERP synchronization
func (c *Coordinator) OnSeatDeltaApplied(ctx context.Context, env models.Envelope) (inbox.Step, error) {
	msg, err := models.DecodeAs[models.SeatDeltaApplied](env)
	if err != nil {
		return nil, err
	}
	l := c.log(msg.MessageMeta, env)

	if msg.DeltaApplied < 0 {
		l.Info("Seat release confirmed", "seats_remaining", msg.SeatsRemaining)
		return nil, nil
	}

	return func(ctx context.Context, s db.Session) error {
		b, err := s.Bookings().GetForUpdate(ctx, msg.BookingID)
		if err != nil {
			return err
		}

		// A reservation that lands after the booking already failed is given back
		if b.State == models.StateFailed {
			l.Warn("Late seat reservation for failed booking, releasing")
			return c.release(ctx, s, b, msg.FlightID, correlation(msg.MessageMeta))
		}

		if !c.canMove(l, b, models.StateInventoryApplied) {
			return nil
		}
		if err := c.transition(ctx, s, b, models.StateInventoryApplied); err != nil {
			return err
		}

		payload, err := b.ExternalPayload()
		if err != nil {
			return fmt.Errorf("load booking payload: %w", err)
		}

		if err := c.transition(ctx, s, b, models.StateERPPending); err != nil {
			return err
		}

		cmd := models.ExternalUpsertRequested{
			MessageMeta: models.NewMeta(b.ID, correlation(msg.MessageMeta)),
			Payload:     payload,
			Attempt:     0,
		}
		l.Info("Seats reserved, ERP upsert requested", "seats_remaining", msg.SeatsRemaining)
		return c.enqueue(ctx, s, c.routes.Route(cmd.Kind()), cmd, models.IdempotencyKey(b.ID, "frappe.request"))
	}, nil
}

// OnSeatDeltaRejected fails the booking. Nothing was reserved, so nothing is compensated.
func (c *Coordinator) OnSeatDeltaRejected(ctx context.Context, env models.Envelope) (inbox.Step, error) {
	msg, err := models.DecodeAs[models.SeatDeltaRejected](env)
	if err != nil {
		return nil, err
	}
	l := c.log(msg.MessageMeta, env)

	if msg.Delta < 0 {
		l.Error("Seat release was rejected by the ledger", "delta", msg.Delta, "reason", msg.Reason)
		return nil, nil
	}

	return func(ctx context.Context, s db.Session) error {
		b, err := s.Bookings().GetForUpdate(ctx, msg.BookingID)
		if err != nil {
			return err
		}
		if !c.canMove(l, b, models.StateFailed) {
			return nil
		}
		if err := c.transition(ctx, s, b, models.StateFailed); err != nil {
			return err
		}

		l.Warn("Seat reservation rejected, booking failed", "reason", msg.Reason)
		return c.fail(ctx, s, b, correlation(msg.MessageMeta), msg.Reason)
	}, nil
}

// OnExternalUpsertSucceeded confirms the booking and records the ERP document
func (c *Coordinator) OnExternalUpsertSucceeded(ctx context.Context, env models.Envelope) (inbox.Step, error) {
	msg, err := models.DecodeAs[models.ExternalUpsertSucceeded](env)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, s db.Session) error {
		b, err := s.Bookings().GetForUpdate(ctx, msg.BookingID)
		if err != nil {
			return err
		}
		l := c.log(msg.MessageMeta, env)
		if !c.canMove(l, b, models.StateConfirmed) {
			return nil
		}
		if err := c.transition(ctx, s, b, models.StateConfirmed); err != nil {
			return err
		}
		if err := s.Bookings().MarkSynced(ctx, b.ID, msg.DocName, msg.DocStatus); err != nil {
			return err
		}

		evt := models.BookingConfirmed{
			MessageMeta: models.NewMeta(b.ID, correlation(msg.MessageMeta)),
			DocName:     msg.DocName,
			DocStatus:   msg.DocStatus,
		}
		l.Info("✅ Booking confirmed", "doc_name", msg.DocName, "doc_status", msg.DocStatus)
		return c.enqueue(ctx, s, c.routes.Route(evt.Kind()), evt, models.IdempotencyKey(b.ID, "booking.confirmed"))
	}, nil
}

// OnExternalUpsertFailed fails the booking and releases reserved seats
func (c *Coordinator) OnExternalUpsertFailed(ctx context.Context, env models.Envelope) (inbox.Step, error) {
	msg, err := models.DecodeAs[models.ExternalUpsertFailed](env)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, s db.Session) error {
		b, err := s.Bookings().GetForUpdate(ctx, msg.BookingID)
		if err != nil {
			return err
		}
		l := c.log(msg.MessageMeta, env)
		if !c.canMove(l, b, models.StateFailed) {
			return nil
		}

		reserved := b.State.SeatsReserved() && b.Seats > 0
		if err := c.transition(ctx, s, b, models.StateFailed); err != nil {
			return err
		}

		corr := correlation(msg.MessageMeta)
		if reserved {
			if err := c.release(ctx, s, b, b.FlightID, corr); err != nil {
				return err
			}
		}

		l.Warn("ERP upsert failed, booking failed", "reason", msg.Reason, "attempt", msg.Attempt, "compensated", reserved)
		return c.fail(ctx, s, b, corr, msg.Reason)
	}, nil
}

func (c *Coordinator) release(ctx context.Context, s db.Session, b *models.Booking, flightID, corr uuid.UUID) error {
	cmd := models.SeatDeltaRequested{
		MessageMeta: models.NewMeta(b.ID, corr),
		FlightID:    flightID,
		Delta:       -b.Seats,
		Reason:      ReasonCompensation,
	}
	return c.enqueue(ctx, s, c.routes.Route(cmd.Kind()), cmd, models.IdempotencyKey(b.ID, "inventory.release"))
}

func (c *Coordinator) fail(ctx context.Context, s db.Session, b *models.Booking, corr uuid.UUID, reason string) error {
	evt := models.BookingFailed{
		MessageMeta: models.NewMeta(b.ID, corr),
		Reason:      reason,
	}
	return c.enqueue(ctx, s, c.routes.Route(evt.Kind()), evt, models.IdempotencyKey(b.ID, "booking.failed"))
}

func (c *Coordinator) enqueue(ctx context.Context, s db.Session, route models.Route, msg models.Message, key string) error {
	draft, err := models.NewDraft(route, msg, key, 0, 0)
	if err != nil {
		return err
	}
	return s.Outbox().Enqueue(ctx, draft)
}

func (c *Coordinator) canMove(l *slog.Logger, b *models.Booking, to models.BookingState) bool {
	if b.State.CanTransitionTo(to) {
		return true
	}
	l.Warn("Stale saga event ignored", "state", b.State, "wanted", to)
	return false
}

func (c *Coordinator) transition(ctx context.Context, s db.Session, b *models.Booking, to models.BookingState) error {
	if err := s.Bookings().UpdateState(ctx, b.ID, to); err != nil {
		return err
	}
	from := b.State
	inbox.AfterCommit(ctx, func() {
		metrics.SagaTransitions.WithLabelValues(string(from), string(to)).Inc()
	})
	b.State = to
	return nil
}

func (c *Coordinator) log(meta models.MessageMeta, env models.Envelope) *slog.Logger {
	return c.logger.With(
		"booking_id", meta.BookingID,
		"correlation_id", meta.CorrelationID,
		"message_id", env.MessageID,
		"type", env.Kind.String(),
	)
}

func correlation(meta models.MessageMeta) uuid.UUID {
	if meta.CorrelationID == uuid.Nil {
		return meta.BookingID
	}
	return meta.CorrelationID
}
