// Package api exposes booking ingestion over HTTP
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Guizzs26/flight-booking-saga/internal/db"
	"github.com/Guizzs26/flight-booking-saga/internal/models"
	"github.com/Guizzs26/flight-booking-saga/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Bookings is the ingestion service as seen by the handler
type Bookings interface {
	Accept(ctx context.Context, req models.BookingRequest) (*models.Booking, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Booking, error)
}

type Handler struct {
	bookings Bookings
	logger   *slog.Logger
}

func NewHandler(b Bookings, logger *slog.Logger) *Handler {
	return &Handler{bookings: b, logger: logger.With("component", "api")}
}

// Register mounts the public routes on r
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	v1 := r.Group("/v1")
	v1.POST("/bookings", h.Create)
	v1.GET("/bookings/:id", h.Get)
}

type bookingView struct {
	ID           uuid.UUID           `json:"bookingId"`
	FlightID     uuid.UUID           `json:"flightId"`
	DepartureRef string              `json:"departureRef,omitempty"`
	Seats        int                 `json:"seats"`
	Amount       string              `json:"amount"`
	Currency     string              `json:"currency"`
	Channel      models.Channel      `json:"channel"`
	State        models.BookingState `json:"status"`
	DocName      string              `json:"docName,omitempty"`
	DocStatus    int                 `json:"docStatus"`
	Stato        string              `json:"stato"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
	LastSyncedAt *time.Time          `json:"lastSyncedAt,omitempty"`
}

func view(b *models.Booking) bookingView {
	return bookingView{
		ID:           b.ID,
		FlightID:     b.FlightID,
		DepartureRef: b.DepartureRef,
		Seats:        b.Seats,
		Amount:       b.Amount.StringFixed(2),
		Currency:     b.Currency,
		Channel:      b.Channel,
		State:        b.State,
		DocName:      b.DocName,
		DocStatus:    b.DocStatus,
		Stato:        b.Stato,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
		LastSyncedAt: b.LastSyncedAt,
	}
}

// POST /v1/bookings
func (h *Handler) Create(c *gin.Context) {
	var req models.BookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	b, err := h.bookings.Accept(c.Request.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Failed to accept booking", "booking_id", req.ID, "error", err)
			c.JSON(status, gin.H{"error": "internal error"})
			return
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.Header("Location", "/v1/bookings/"+b.ID.String())
	c.JSON(http.StatusAccepted, gin.H{"bookingId": b.ID, "status": b.State})
}

// GET /v1/bookings/:id
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid booking id"})
		return
	}

	b, err := h.bookings.Get(c.Request.Context(), id)
	if errors.Is(err, db.ErrBookingNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "booking not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load booking", "booking_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, view(b))
}

func statusFor(err error) int {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrBookingExists), errors.Is(err, service.ErrSeatsUnavailable):
		return http.StatusConflict
	case errors.Is(err, service.ErrDepartureNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAvailabilityFailed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
