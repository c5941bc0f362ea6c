package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Guizzs26/flight-booking-saga/internal/broker"
	"github.com/Guizzs26/flight-booking-saga/internal/config"
	"github.com/Guizzs26/flight-booking-saga/internal/db/dbtest"
	"github.com/Guizzs26/flight-booking-saga/internal/models"
	"github.com/Guizzs26/flight-booking-saga/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newRouter(t *testing.T) (*gin.Engine, *dbtest.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := dbtest.New()
	routes := broker.NewTopology(config.Exchanges{BookingEvents: "booking.events"})
	svc := service.NewBookingService(store, routes, nil, discard)

	r := gin.New()
	NewHandler(svc, discard).Register(r)
	return r, store
}

func bookingBody(id uuid.UUID) string {
	return `{
		"Id": "` + id.String() + `",
		"Partenza_Sync_Id": "` + uuid.NewString() + `",
		"Canale": "Online",
		"Posti": 2,
		"Importo_Totale": "150.00",
		"Passeggeri": [{"Nome": "Ada", "Cognome": "Rossi"}, {"Nome": "Leo", "Cognome": "Rossi"}]
	}`
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateBookingAccepted(t *testing.T) {
	r, store := newRouter(t)
	id := uuid.New()

	w := do(r, http.MethodPost, "/v1/bookings", bookingBody(id))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "/v1/bookings/"+id.String(), w.Header().Get("Location"))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, id.String(), resp["bookingId"])
	assert.Equal(t, "RECEIVED", resp["status"])

	assert.Len(t, store.EntriesOfType(models.KindBookingRequested), 1)
}

func TestCreateBookingConflict(t *testing.T) {
	r, _ := newRouter(t)
	id := uuid.New()

	require.Equal(t, http.StatusAccepted, do(r, http.MethodPost, "/v1/bookings", bookingBody(id)).Code)
	assert.Equal(t, http.StatusConflict, do(r, http.MethodPost, "/v1/bookings", bookingBody(id)).Code)
}

func TestCreateBookingBadRequest(t *testing.T) {
	r, store := newRouter(t)

	tests := map[string]string{
		"malformed json":   `{"Id":`,
		"missing channel":  `{"Id":"` + uuid.NewString() + `","Importo_Totale":"10"}`,
		"unknown channel":  `{"Id":"` + uuid.NewString() + `","Partenza_Sync_Id":"` + uuid.NewString() + `","Canale":"fax","Posti":1,"Importo_Totale":"10"}`,
		"non-positive amt": `{"Id":"` + uuid.NewString() + `","Partenza_Sync_Id":"` + uuid.NewString() + `","Canale":"Online","Posti":1,"Importo_Totale":"0"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/v1/bookings", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	assert.Empty(t, store.Entries())
}

func TestGetBooking(t *testing.T) {
	r, _ := newRouter(t)
	id := uuid.New()
	require.Equal(t, http.StatusAccepted, do(r, http.MethodPost, "/v1/bookings", bookingBody(id)).Code)

	w := do(r, http.MethodGet, "/v1/bookings/"+id.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var v bookingView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Equal(t, id, v.ID)
	assert.Equal(t, models.StateReceived, v.State)
	assert.Equal(t, "150.00", v.Amount)
	assert.Equal(t, "EUR", v.Currency)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/v1/bookings/"+uuid.NewString(), "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/v1/bookings/nope", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/healthz", "").Code)
}
