// Package inventory is the seat service: it applies seat deltas to the
// ledger on behalf of the saga and exposes the ledger over an internal API.
package inventory

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

const ReasonFlightNotFound = "flight not found"

type Worker struct {
	routes broker.Topology
	logger *slog.Logger
}

func NewWorker(routes broker.Topology, logger *slog.Logger) *Worker {
	return &Worker{routes: routes, logger: logger.With("component", "inventory")}
}

// OnSeatDeltaRequested applies the delta and reports the outcome in the same transaction
func (w *Worker) OnSeatDeltaRequested(ctx context.Context, env models.Envelope) (inbox.Step, error) {
	cmd, err := models.DecodeAs[models.SeatDeltaRequested](env)
	if err != nil {
		return nil, err
	}
	if cmd.FlightID == uuid.Nil {
		return nil, errors.New("seat delta requested without flight id")
	}

	l := w.logger.With(
		"booking_id", cmd.BookingID,
		"correlation_id", cmd.CorrelationID,
		"flight_id", cmd.FlightID,
		"delta", cmd.Delta,
		"reason", cmd.Reason,
	)

	step := "inventory"
	if cmd.IsRelease() {
		step = "inventory.release"
	}

	return func(ctx context.Context, s db.Session) error {
		res, err := s.Seats().ApplySeatDelta(ctx, cmd.FlightID, cmd.Delta)
		if err != nil {
			return err
		}

		switch {
		case res.Noop:
			inbox.AfterCommit(ctx, metrics.SeatDeltas.WithLabelValues("noop").Inc)
			inv, err := s.Seats().GetSeats(ctx, cmd.FlightID)
			if err != nil && !errors.Is(err, db.ErrFlightNotFound) {
				return err
			}
			if inv != nil {
				res.SeatsRemaining = inv.SeatsAvailable
			}
			l.Info("Zero seat delta, nothing to apply")
			return w.applied(ctx, s, cmd, step, res.SeatsRemaining)

		case res.Applied:
			inbox.AfterCommit(ctx, metrics.SeatDeltas.WithLabelValues("applied").Inc)
			l.Info("Seat delta applied", "seats_remaining", res.SeatsRemaining)
			return w.applied(ctx, s, cmd, step, res.SeatsRemaining)
		}

		reason, err := rejectionReason(ctx, s, cmd)
		if err != nil {
			return err
		}
		inbox.AfterCommit(ctx, metrics.SeatDeltas.WithLabelValues("rejected").Inc)
		l.Warn("Seat delta rejected", "why", reason)

		evt := models.SeatDeltaRejected{
			MessageMeta: models.NewMeta(cmd.BookingID, cmd.CorrelationID),
			FlightID:    cmd.FlightID,
			Delta:       cmd.Delta,
			Reason:      reason,
		}
		return w.enqueue(ctx, s, evt, models.IdempotencyKey(cmd.BookingID, step+".rejected"))
	}, nil
}

func (w *Worker) applied(ctx context.Context, s db.Session, cmd *models.SeatDeltaRequested, step string, remaining int) error {
	evt := models.SeatDeltaApplied{
		MessageMeta:    models.NewMeta(cmd.BookingID, cmd.CorrelationID),
		FlightID:       cmd.FlightID,
		DeltaApplied:   cmd.Delta,
		SeatsRemaining: remaining,
	}
	return w.enqueue(ctx, s, evt, models.IdempotencyKey(cmd.BookingID, step+".applied"))
}

func (w *Worker) enqueue(ctx context.Context, s db.Session, msg models.Message, key string) error {
	draft, err := models.NewDraft(w.routes.Route(msg.Kind()), msg, key, 0, 0)
	if err != nil {
		return err
	}
	return s.Outbox().Enqueue(ctx, draft)
}

func rejectionReason(ctx context.Context, s db.Session, cmd *models.SeatDeltaRequested) (string, error) {
	inv, err := s.Seats().GetSeats(ctx, cmd.FlightID)
	if errors.Is(err, db.ErrFlightNotFound) {
		return ReasonFlightNotFound, nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("insufficient seats: requested %d, available %d", cmd.Delta, inv.SeatsAvailable), nil
}
