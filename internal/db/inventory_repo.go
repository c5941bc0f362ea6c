package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/Guizzs26/flight-booking-saga/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type InventoryRepository struct {
	q Querier
}

func NewInventoryRepository(q Querier) *InventoryRepository {
	return &InventoryRepository{q: q}
}

func (r *InventoryRepository) GetSeats(ctx context.Context, flightID uuid.UUID) (*models.SeatInventory, error) {
	var s models.SeatInventory
	err := r.q.QueryRow(ctx,
		`SELECT id, posti_disponibili, is_open, updated_at FROM search_flight WHERE id = $1`,
		flightID,
	).Scan(&s.FlightID, &s.SeatsAvailable, &s.IsOpen, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFlightNotFound
		}
		return nil, fmt.Errorf("failed to load seats for flight %s: %w", flightID, err)
	}
	return &s, nil
}

// ApplySeatDelta subtracts delta in a single guarded UPDATE. Releases
// (delta < 0) always match; reservations match only while the result stays
// non-negative. No matching row means nothing was written.
func (r *InventoryRepository) ApplySeatDelta(ctx context.Context, flightID uuid.UUID, delta int) (models.SeatDeltaResult, error) {
	if delta == 0 {
		return models.SeatDeltaResult{Noop: true}, nil
	}

	query := `
		UPDATE search_flight
		SET posti_disponibili = posti_disponibili - $2,
		    is_open = CASE WHEN posti_disponibili - $2 <= 0 THEN FALSE ELSE TRUE END,
		    updated_at = now()
		WHERE id = $1
		  AND ($2 <= 0 OR posti_disponibili - $2 >= 0)
		RETURNING posti_disponibili
	`
	var remaining int
	err := r.q.QueryRow(ctx, query, flightID, delta).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SeatDeltaResult{Applied: false}, nil
		}
		return models.SeatDeltaResult{}, fmt.Errorf("failed to apply seat delta: %w", err)
	}
	return models.SeatDeltaResult{Applied: true, SeatsRemaining: remaining}, nil
}
