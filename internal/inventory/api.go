package inventory

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Guizzs26/flight-booking-saga/internal/db"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const HeaderAPIKey = "X-API-Key"

type API struct {
	store  db.Session
	apiKey string
	logger *slog.Logger
}

func NewAPI(store db.Session, apiKey string, logger *slog.Logger) *API {
	return &API{store: store, apiKey: apiKey, logger: logger.With("component", "seat-api")}
}

type seatDeltaRequest struct {
	Delta *int `json:"delta" binding:"required"`
}

// Register mounts the internal seat routes on r
func (a *API) Register(r gin.IRouter) {
	g := r.Group("/internal/flights", RequireAPIKey(a.apiKey))
	g.GET("/:id", a.availability)
	g.POST("/:id/seat-delta", a.seatDelta)
}

// RequireAPIKey rejects requests whose shared-secret header does not match
func RequireAPIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderAPIKey)
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

func (a *API) availability(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flight id"})
		return
	}

	inv, err := a.store.Seats().GetSeats(c.Request.Context(), id)
	if errors.Is(err, db.ErrFlightNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "flight not found"})
		return
	}
	if err != nil {
		a.logger.Error("Failed to read seats", "flight_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"posti_disponibili": inv.SeatsAvailable,
		"is_open":           inv.IsOpen,
	})
}

func (a *API) seatDelta(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flight id"})
		return
	}

	var req seatDeltaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := a.store.Seats().ApplySeatDelta(c.Request.Context(), id, *req.Delta)
	if err != nil {
		a.logger.Error("Failed to apply seat delta", "flight_id", id, "delta", *req.Delta, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	switch {
	case res.Noop:
		c.JSON(http.StatusOK, gin.H{"status": "noop"})
	case res.Applied:
		a.logger.Info("Seat delta applied via API", "flight_id", id, "delta", *req.Delta, "seats_remaining", res.SeatsRemaining)
		c.JSON(http.StatusOK, gin.H{"status": "applied", "posti_disponibili": res.SeatsRemaining})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient seats or unknown flight"})
	}
}
