package erp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Guizzs26/flight-booking-saga/internal/config"
	"github.com/Guizzs26/flight-booking-saga/internal/models"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(url string) config.ERP {
	return config.ERP{
		BaseURL:            url,
		APIKey:             "secret",
		Endpoint:           "/api/method/tour_operator.api.booking_webhook.receive_booking",
		Timeout:            2 * time.Second,
		HTTPRetries:        3,
		HTTPRetryBaseDelay: time.Millisecond,
		BreakerFailures:    5,
		BreakerCooldown:    time.Minute,
	}
}

func TestParseResultEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Result
	}{
		{"data", `{"data":{"name":"BK-1","uuid":"u-1","docstatus":1}}`, Result{Name: "BK-1", UUID: "u-1", DocStatus: 1}},
		{"message upper case", `{"Message":{"Name":"BK-2","DocStatus":"2","Status":"ok"}}`, Result{Name: "BK-2", DocStatus: 2, Status: "ok"}},
		{"doc with uuid object", `{"doc":{"name":"BK-3","uuid":{"name":"u-3"},"docstatus":0}}`, Result{Name: "BK-3", UUID: "u-3"}},
		{"root", `{"name":"BK-4","docstatus":1}`, Result{Name: "BK-4", DocStatus: 1}},
		{"string message falls back to root", `{"message":"ok","name":"BK-5"}`, Result{Name: "BK-5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResult([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseResultInvalid(t *testing.T) {
	_, err := ParseResult([]byte(`{"data":{"docstatus":1}}`))
	require.ErrorIs(t, err, ErrInvalidResponse)

	_, err = ParseResult([]byte(`not json`))
	require.ErrorIs(t, err, ErrInvalidResponse)
	assert.False(t, IsTransient(err))
}

func TestUpsertBookingSendsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/method/tour_operator.api.booking_webhook.receive_booking", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		w.Write([]byte(`{"message":{"name":"BK-9","docstatus":1}}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), discard)
	res, err := c.UpsertBooking(context.Background(), models.BookingPayload{ID: uuid.New(), Seats: 2})
	require.NoError(t, err)
	assert.Equal(t, "BK-9", res.Name)
	assert.Equal(t, 1, res.DocStatus)
}

func TestUpsertBookingRetriesTransientInProcess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":{"name":"BK-1","docstatus":1}}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), discard)
	res, err := c.UpsertBooking(context.Background(), models.BookingPayload{})
	require.NoError(t, err)
	assert.Equal(t, "BK-1", res.Name)
	assert.Equal(t, int32(3), calls.Load())
}

func TestUpsertBookingGivesUpAfterFastRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), discard)
	_, err := c.UpsertBooking(context.Background(), models.BookingPayload{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	assert.Equal(t, int32(4), calls.Load())
}

func TestUpsertBookingPermanentIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), discard)
	_, err := c.UpsertBooking(context.Background(), models.BookingPayload{})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTooManyRequestsIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&StatusError{StatusCode: http.StatusTooManyRequests}))
	assert.True(t, IsTransient(&StatusError{StatusCode: http.StatusBadGateway}))
	assert.False(t, IsTransient(&StatusError{StatusCode: http.StatusBadRequest}))
	assert.False(t, IsTransient(&StatusError{StatusCode: http.StatusRequestTimeout}))
	assert.False(t, IsTransient(&StatusError{StatusCode: http.StatusConflict}))
	assert.True(t, IsTransient(ErrCircuitOpen))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.HTTPRetries = 0
	c := NewClient(cfg, discard)

	for range 5 {
		_, err := c.UpsertBooking(context.Background(), models.BookingPayload{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, c.BreakerState())

	_, err := c.UpsertBooking(context.Background(), models.BookingPayload{})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(5), calls.Load(), "open breaker must not reach the ERP")
}

func TestPermanentFailuresDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), discard)
	for range 8 {
		_, _ = c.UpsertBooking(context.Background(), models.BookingPayload{})
	}
	assert.Equal(t, gobreaker.StateClosed, c.BreakerState())
}
