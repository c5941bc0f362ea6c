package saga

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/Guizzs26/flight-booking-saga/internal/broker"
	"github.com/Guizzs26/flight-booking-saga/internal/broker/brokertest"
	"github.com/Guizzs26/flight-booking-saga/internal/config"
	"github.com/Guizzs26/flight-booking-saga/internal/db"
	"github.com/Guizzs26/flight-booking-saga/internal/db/dbtest"
	"github.com/Guizzs26/flight-booking-saga/internal/inbox"
	"github.com/Guizzs26/flight-booking-saga/internal/models"
	"github.com/Guizzs26/flight-booking-saga/pkg/metrics"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var topology = broker.NewTopology(config.Exchanges{
	BookingEvents:     "booking.events",
	InventoryCommands: "inventory.commands",
	InventoryEvents:   "inventory.events",
	ERPCommands:       "frappe.commands",
	ERPEvents:         "frappe.events",
	DeadLetter:        "booking.dlx",
})

func seedBooking(t *testing.T, store *dbtest.Store, state models.BookingState, seats int) models.Booking {
	t.Helper()
	id := uuid.New()
	flight := uuid.New()
	payload := models.BookingPayload{
		ID:       id,
		FlightID: flight,
		Channel:  models.ChannelOnline,
		Seats:    seats,
		Amount:   decimal.RequireFromString("150.00"),
		Currency: models.DefaultCurrency,
		Stato:    models.StatoDraft,
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	b := models.Booking{
		ID:       id,
		FlightID: flight,
		Seats:    seats,
		Amount:   payload.Amount,
		Currency: payload.Currency,
		Channel:  payload.Channel,
		State:    state,
		Payload:  raw,
	}
	store.SeedBooking(b)
	return b
}

func envelope(t *testing.T, msg models.Message) models.Envelope {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return models.Envelope{Kind: msg.Kind(), MessageID: msg.Meta().MessageID.String(), Body: body}
}

func run(t *testing.T, store *dbtest.Store, h inbox.HandlerFunc, msg models.Message) {
	t.Helper()
	step, err := h(context.Background(), envelope(t, msg))
	require.NoError(t, err)
	if step == nil {
		return
	}
	require.NoError(t, store.WithinTx(context.Background(), func(ctx context.Context, s db.Session) error {
		return step(ctx, s)
	}))
}

func payloadOf[T any](t *testing.T, e models.OutboxEntry) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(e.Payload, &v))
	return v
}

func TestBookingRequestedReservesSeats(t *testing.T) {
	store := dbtest.New()
	c := NewCoordinator(topology, discard)
	b := seedBooking(t, store, models.StateReceived, 3)

	run(t, store, c.OnBookingRequested, models.BookingRequested{
		MessageMeta: models.NewMeta(b.ID, b.ID),
		FlightID:    b.FlightID,
		Seats:       3,
	})

	assert.Equal(t, models.StateInventoryPending, store.Booking(b.ID).State)
	cmds := store.EntriesOfType(models.KindSeatDeltaRequested)
	require.Len(t, cmds, 1)
	cmd := payloadOf[models.SeatDeltaRequested](t, cmds[0])
	assert.Equal(t, 3, cmd.Delta)
	assert.Equal(t, ReasonBookingRequested, cmd.Reason)
	assert.Equal(t, b.FlightID, cmd.FlightID)
	assert.Equal(t, b.ID, cmd.CorrelationID)
}

func TestBookingRequestedWithoutDeparture(t *testing.T) {
	c := NewCoordinator(topology, discard)
	id := uuid.New()
	_, err := c.OnBookingRequested(context.Background(), envelope(t, models.BookingRequested{
		MessageMeta: models.NewMeta(id, id),
		Seats:       1,
	}))
	require.ErrorIs(t, err, ErrMissingDeparture)
}

func TestSeatDeltaAppliedRequestsUpsert(t *testing.T) {
	store := dbtest.New()
	c := NewCoordinator(topology, discard)
	b := seedBooking(t, store, models.StateInventoryPending, 2)

	run(t, store, c.OnSeatDeltaApplied, models.SeatDeltaApplied{
		MessageMeta:    models.NewMeta(b.ID, b.ID),
		FlightID:       b.FlightID,
		DeltaApplied:   2,
		SeatsRemaining: 8,
	})

	assert.Equal(t, models.StateERPPending, store.Booking(b.ID).State)
	cmds := store.EntriesOfType(models.KindExternalUpsertRequested)
	require.Len(t, cmds, 1)
	assert.Equal(t, "frappe.commands", cmds[0].Exchange)
	cmd := payloadOf[models.ExternalUpsertRequested](t, cmds[0])
	assert.Zero(t, cmd.Attempt)
	assert.Equal(t, b.ID, cmd.Payload.ID)
	assert.Equal(t, 2, cmd.Payload.Seats)
}

func TestReleaseConfirmationDoesNotAdvance(t *testing.T) {
	store := dbtest.New()
	c := NewCoordinator(topology, discard)
	b := seedBooking(t, store, models.StateFailed, 2)

	run(t, store, c.OnSeatDeltaApplied, models.SeatDeltaApplied{
		MessageMeta:  models.NewMeta(b.ID, b.ID),
		FlightID:     b.FlightID,
		DeltaApplied: -2,
	})

	assert.Equal(t, models.StateFailed, store.Booking(b.ID).State)
	assert.Empty(t, store.Entries())
}

func TestLateReservationOnFailedBookingIsReleased(t *testing.T) {
	store := dbtest.New()
	c := NewCoordinator(topology, discard)
	b := seedBooking(t, store, models.StateFailed, 2)

	run(t, store, c.OnSeatDeltaApplied, models.SeatDeltaApplied{
		MessageMeta:  models.NewMeta(b.ID, b.ID),
		FlightID:     b.FlightID,
		DeltaApplied: 2,
	})

	cmds := store.EntriesOfType(models.KindSeatDeltaRequested)
	require.Len(t, cmds, 1)
	assert.Equal(t, -2, payloadOf[models.SeatDeltaRequested](t, cmds[0]).Delta)
	assert.Empty(t, store.EntriesOfType(models.KindExternalUpsertRequested))
}

func TestSeatDeltaRejectedFailsWithoutCompensation(t *testing.T) {
	store := dbtest.New()
	c := NewCoordinator(topology, discard)
	b := seedBooking(t, store, models.StateInventoryPending, 2)

	run(t, store, c.OnSeatDeltaRejected, models.SeatDeltaRejected{
		MessageMeta: models.NewMeta(b.ID, b.ID),
		FlightID:    b.FlightID,
		Delta:       2,
		Reason:      "insufficient seats",
	})

	assert.Equal(t, models.StateFailed, store.Booking(b.ID).State)
	assert.Empty(t, store.EntriesOfType(models.KindSeatDeltaRequested))
	failed := store.EntriesOfType(models.KindBookingFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "insufficient seats", payloadOf[models.BookingFailed](t, failed[0]).Reason)
}

func TestUpsertSucceededConfirms(t *testing.T) {
	store := dbtest.New()
	c := NewCoordinator(topology, discard)
	b := seedBooking(t, store, models.StateERPPending, 2)

	run(t, store, c.OnExternalUpsertSucceeded, models.ExternalUpsertSucceeded{
		MessageMeta: models.NewMeta(b.ID, b.ID),
		DocName:     "BK-0001",
		DocStatus:   1,
	})

	got := store.Booking(b.ID)
	assert.Equal(t, models.StateConfirmed, got.State)
	assert.Equal(t, "BK-0001", got.DocName)
	assert.Equal(t, 1, got.DocStatus)
	assert.Equal(t, models.StatoConfirmed, got.Stato)
	assert.NotNil(t, got.LastSyncedAt)
	assert.Len(t, store.EntriesOfType(models.KindBookingConfirmed), 1)
}

func TestUpsertFailedCompensatesReservedSeats(t *testing.T) {
	store := dbtest.New()
	c := NewCoordinator(topology, discard)
	b := seedBooking(t, store, models.StateERPPending, 2)

	run(t, store, c.OnExternalUpsertFailed, models.ExternalUpsertFailed{
		MessageMeta: models.NewMeta(b.ID, b.ID),
		Reason:      "erp responded 422",
		Attempt:     1,
	})

	assert.Equal(t, models.StateFailed, store.Booking(b.ID).State)
	releases := store.EntriesOfType(models.KindSeatDeltaRequested)
	require.Len(t, releases, 1)
	rel := payloadOf[models.SeatDeltaRequested](t, releases[0])
	assert.Equal(t, -2, rel.Delta)
	assert.Equal(t, ReasonCompensation, rel.Reason)
	assert.Len(t, store.EntriesOfType(models.KindBookingFailed), 1)
}

func TestUpsertFailedWithoutReservationDoesNotCompensate(t *testing.T) {
	store := dbtest.New()
	c := NewCoordinator(topology, discard)
	b := seedBooking(t, store, models.StateInventoryPending, 2)

	run(t, store, c.OnExternalUpsertFailed, models.ExternalUpsertFailed{
		MessageMeta: models.NewMeta(b.ID, b.ID),
		Reason:      "erp responded 400",
	})

	assert.Equal(t, models.StateFailed, store.Booking(b.ID).State)
	assert.Empty(t, store.EntriesOfType(models.KindSeatDeltaRequested))
	assert.Len(t, store.EntriesOfType(models.KindBookingFailed), 1)
}

func TestStaleEventIsAbsorbed(t *testing.T) {
	store := dbtest.New()
	c := NewCoordinator(topology, discard)
	b := seedBooking(t, store, models.StateConfirmed, 2)

	run(t, store, c.OnExternalUpsertFailed, models.ExternalUpsertFailed{
		MessageMeta: models.NewMeta(b.ID, b.ID),
		Reason:      "late",
	})

	assert.Equal(t, models.StateConfirmed, store.Booking(b.ID).State)
	assert.Empty(t, store.Entries())
}

func TestEnqueueFailureRollsBackTransition(t *testing.T) {
	store := dbtest.New()
	store.FailEnqueue = assert.AnError
	c := NewCoordinator(topology, discard)
	b := seedBooking(t, store, models.StateReceived, 1)

	step, err := c.OnBookingRequested(context.Background(), envelope(t, models.BookingRequested{
		MessageMeta: models.NewMeta(b.ID, b.ID),
		FlightID:    b.FlightID,
		Seats:       1,
	}))
	require.NoError(t, err)
	err = store.WithinTx(context.Background(), func(ctx context.Context, s db.Session) error {
		return step(ctx, s)
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, models.StateReceived, store.Booking(b.ID).State)
}

func transitionCount(from, to models.BookingState) float64 {
	return testutil.ToFloat64(metrics.SagaTransitions.WithLabelValues(string(from), string(to)))
}

func TestRejectionGoesStraightToFailed(t *testing.T) {
	store := dbtest.New()
	c := NewCoordinator(topology, discard)
	b := seedBooking(t, store, models.StateInventoryPending, 2)
	viaRejected := transitionCount(models.StateInventoryPending, models.StateInventoryRejected)

	run(t, store, c.OnSeatDeltaRejected, models.SeatDeltaRejected{
		MessageMeta: models.NewMeta(b.ID, b.ID),
		FlightID:    b.FlightID,
		Delta:       2,
		Reason:      "insufficient seats",
	})

	assert.Equal(t, models.StateFailed, store.Booking(b.ID).State)
	assert.Equal(t, viaRejected, transitionCount(models.StateInventoryPending, models.StateInventoryRejected))
}

func TestTransitionsCountedOnlyOnCommit(t *testing.T) {
	store := dbtest.New()
	c := NewCoordinator(topology, discard)
	guard := inbox.NewGuard(broker.QueueInventoryEvents, store, discard).
		Register(models.KindSeatDeltaRejected, c.OnSeatDeltaRejected)
	b := seedBooking(t, store, models.StateInventoryPending, 2)
	before := transitionCount(models.StateInventoryPending, models.StateFailed)

	deliver := func(ack *brokertest.Acknowledger) {
		env := envelope(t, models.SeatDeltaRejected{
			MessageMeta: models.NewMeta(b.ID, b.ID),
			FlightID:    b.FlightID,
			Delta:       2,
			Reason:      "insufficient seats",
		})
		guard.HandleDelivery(context.Background(), amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  1,
			MessageId:    env.MessageID,
			Type:         env.Kind.String(),
			Body:         env.Body,
		})
	}

	store.FailEnqueue = assert.AnError
	ack := &brokertest.Acknowledger{}
	deliver(ack)
	assert.Equal(t, []bool{false}, ack.Requeue)
	assert.Equal(t, models.StateInventoryPending, store.Booking(b.ID).State)
	assert.Equal(t, before, transitionCount(models.StateInventoryPending, models.StateFailed), "rolled back transition must not be counted")

	store.FailEnqueue = nil
	deliver(&brokertest.Acknowledger{})
	assert.Equal(t, models.StateFailed, store.Booking(b.ID).State)
	assert.Equal(t, before+1, transitionCount(models.StateInventoryPending, models.StateFailed))
}
