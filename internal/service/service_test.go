package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Guizzs26/flight-booking-saga/internal/broker"
	"github.com/Guizzs26/flight-booking-saga/internal/broker/brokertest"
	"github.com/Guizzs26/flight-booking-saga/internal/config"
	"github.com/Guizzs26/flight-booking-saga/internal/db"
	"github.com/Guizzs26/flight-booking-saga/internal/db/dbtest"
	"github.com/Guizzs26/flight-booking-saga/internal/models"

	"github.com/google/uuid"
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

type fakePublisher struct {
	mu      sync.Mutex
	err     error
	batches [][]models.OutboxEntry
}

func (f *fakePublisher) PublishBatch(ctx context.Context, entries []models.OutboxEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, entries)
	return f.err
}

func seedOutbox(t *testing.T, store *dbtest.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := uuid.New()
		evt := models.BookingFailed{MessageMeta: models.NewMeta(id, id), Reason: "seed"}
		d, err := models.NewDraft(topology.Route(evt.Kind()), evt, models.IdempotencyKey(id, "booking.failed"), 0, 0)
		require.NoError(t, err)
		require.NoError(t, store.WithinTx(context.Background(), func(ctx context.Context, s db.Session) error {
			return s.Outbox().Enqueue(ctx, d)
		}))
	}
}

func TestRelayMarksConfirmedBatch(t *testing.T) {
	store := dbtest.New()
	seedOutbox(t, store, 3)
	pub := &fakePublisher{}
	r := NewRelay(store, pub, 2, discard)

	n, err := r.ProcessNextBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.ProcessNextBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = r.ProcessNextBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	backlog, err := store.CountBacklog(context.Background())
	require.NoError(t, err)
	assert.Zero(t, backlog)
	assert.Len(t, pub.batches, 2)
}

func TestRelayDoesNotMarkUnconfirmedBatch(t *testing.T) {
	store := dbtest.New()
	seedOutbox(t, store, 2)
	pub := &fakePublisher{err: errors.New("confirm timeout")}
	r := NewRelay(store, pub, 10, discard)

	_, err := r.ProcessNextBatch(context.Background())
	require.Error(t, err)

	for _, e := range store.Entries() {
		assert.Nil(t, e.PublishedAt)
		assert.Equal(t, 1, e.RetryCount)
		assert.Contains(t, e.LastError, "confirm timeout")
	}

	// The same rows are retried once the broker recovers
	pub.err = nil
	n, err := r.ProcessNextBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, pub.batches[0][0].ID, pub.batches[1][0].ID)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	store := dbtest.New()
	seedOutbox(t, store, 1)
	pub := &fakePublisher{}
	r := NewRelay(store, pub, 10, discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 10*time.Millisecond, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		n, _ := store.CountBacklog(context.Background())
		return n == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestJanitorPurgesOnlyWithRetention(t *testing.T) {
	store := dbtest.New()
	seedOutbox(t, store, 2)
	_, err := NewRelay(store, &fakePublisher{}, 1, discard).ProcessNextBatch(context.Background())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	NewJanitor(store, 0, discard).RunOnce(context.Background())
	assert.Len(t, store.Entries(), 2)

	NewJanitor(store, time.Millisecond, discard).RunOnce(context.Background())
	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].PublishedAt, "unpublished rows are never purged")
}

type fakeSeats struct {
	inv models.SeatInventory
	err error
}

func (f fakeSeats) Availability(ctx context.Context, id uuid.UUID) (models.SeatInventory, error) {
	return f.inv, f.err
}

func bookingRequest() models.BookingRequest {
	flight := uuid.New()
	seats := 2
	amount := decimal.RequireFromString("150.00")
	return models.BookingRequest{
		ID:       uuid.New(),
		FlightID: &flight,
		Channel:  "online",
		Seats:    &seats,
		Amount:   &amount,
	}
}

func TestAcceptStoresBookingAndStagesRequest(t *testing.T) {
	store := dbtest.New()
	svc := NewBookingService(store, topology, nil, discard)
	req := bookingRequest()

	b, err := svc.Accept(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.StateReceived, b.State)

	stored := store.Booking(req.ID)
	assert.Equal(t, models.StateReceived, stored.State)
	assert.Equal(t, 2, stored.Seats)
	assert.Equal(t, models.ChannelOnline, stored.Channel)

	entries := store.EntriesOfType(models.KindBookingRequested)
	require.Len(t, entries, 1)
	assert.Equal(t, "booking.events", entries[0].Exchange)
	assert.Equal(t, req.ID, entries[0].AggregateID)

	got, err := svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)
}

func TestAcceptRejectsDuplicate(t *testing.T) {
	store := dbtest.New()
	svc := NewBookingService(store, topology, nil, discard)
	req := bookingRequest()

	_, err := svc.Accept(context.Background(), req)
	require.NoError(t, err)
	_, err = svc.Accept(context.Background(), req)
	require.ErrorIs(t, err, db.ErrBookingExists)
	assert.Len(t, store.EntriesOfType(models.KindBookingRequested), 1)
}

func TestAcceptValidation(t *testing.T) {
	store := dbtest.New()
	svc := NewBookingService(store, topology, nil, discard)
	req := bookingRequest()
	req.Channel = "fax"

	_, err := svc.Accept(context.Background(), req)
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, store.Entries())
}

func TestAcceptPrecheck(t *testing.T) {
	store := dbtest.New()
	req := bookingRequest()

	svc := NewBookingService(store, topology, fakeSeats{inv: models.SeatInventory{SeatsAvailable: 1, IsOpen: true}}, discard)
	_, err := svc.Accept(context.Background(), req)
	require.ErrorIs(t, err, ErrSeatsUnavailable)

	svc = NewBookingService(store, topology, fakeSeats{err: db.ErrFlightNotFound}, discard)
	_, err = svc.Accept(context.Background(), req)
	require.ErrorIs(t, err, ErrDepartureNotFound)

	svc = NewBookingService(store, topology, fakeSeats{inv: models.SeatInventory{SeatsAvailable: 5, IsOpen: true}}, discard)
	_, err = svc.Accept(context.Background(), req)
	require.NoError(t, err)
}

func TestDeadLetterIsLoggedAndAcked(t *testing.T) {
	ack := &brokertest.Acknowledger{}
	d := amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  9,
		MessageId:    "m-1",
		Type:         models.KindBookingRequested.String(),
		Headers: amqp.Table{"x-death": []any{amqp.Table{
			"queue":  "booking.saga",
			"reason": "rejected",
			"count":  int64(1),
		}}},
	}

	NewDeadLetterService(discard).HandleDelivery(context.Background(), d)

	acks, nacks := ack.Counts()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)

	q, reason, count := deathInfo(d.Headers)
	assert.Equal(t, "booking.saga", q)
	assert.Equal(t, "rejected", reason)
	assert.Equal(t, int64(1), count)
}
