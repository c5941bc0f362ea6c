package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/Guizzs26/flight-booking-saga/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const bookingColumns = `
	id, flight_id, departure_ref, seats, amount::text, currency, channel,
	doc_status, stato, doc_name, note, group_name, state, raw_payload,
	created_at, updated_at, last_synced_at`

type BookingRepository struct {
	q Querier
}

func NewBookingRepository(q Querier) *BookingRepository {
	return &BookingRepository{q: q}
}

func (r *BookingRepository) Insert(ctx context.Context, b *models.Booking) error {
	query := `
		INSERT INTO bookings (
			id, flight_id, departure_ref, seats, amount, currency, channel,
			doc_status, stato, doc_name, note, group_name, state, raw_payload
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`
	err := r.q.QueryRow(ctx, query,
		b.ID, b.FlightID, b.DepartureRef, b.Seats, b.Amount.String(), b.Currency, string(b.Channel),
		b.DocStatus, b.Stato, b.DocName, b.Note, b.Group, string(b.State), []byte(b.Payload),
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrBookingExists
		}
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (r *BookingRepository) Get(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return r.get(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
}

// GetForUpdate locks the booking row until the surrounding transaction ends
func (r *BookingRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return r.get(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
}

func (r *BookingRepository) get(ctx context.Context, query string, id uuid.UUID) (*models.Booking, error) {
	var (
		b       models.Booking
		amount  string
		channel string
		state   string
		payload []byte
	)
	err := r.q.QueryRow(ctx, query, id).Scan(
		&b.ID, &b.FlightID, &b.DepartureRef, &b.Seats, &amount, &b.Currency, &channel,
		&b.DocStatus, &b.Stato, &b.DocName, &b.Note, &b.Group, &state, &payload,
		&b.CreatedAt, &b.UpdatedAt, &b.LastSyncedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, fmt.Errorf("failed to load booking %s: %w", id, err)
	}

	b.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("booking %s has invalid amount %q: %w", id, amount, err)
	}
	b.Channel = models.Channel(channel)
	b.State = models.BookingState(state)
	b.Payload = payload
	return &b, nil
}

func (r *BookingRepository) UpdateState(ctx context.Context, id uuid.UUID, state models.BookingState) error {
	query := `UPDATE bookings SET state = $2, updated_at = now() WHERE id = $1`
	tag, err := r.q.Exec(ctx, query, id, string(state))
	if err != nil {
		return fmt.Errorf("failed to update booking state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookingNotFound
	}
	return nil
}

// MarkSynced stores the ERP document reference and the Stato derived from its docstatus
func (r *BookingRepository) MarkSynced(ctx context.Context, id uuid.UUID, docName string, docStatus int) error {
	query := `
		UPDATE bookings
		SET doc_name = $2,
		    doc_status = $3,
		    stato = $4,
		    last_synced_at = now(),
		    updated_at = now()
		WHERE id = $1
	`
	tag, err := r.q.Exec(ctx, query, id, docName, docStatus, models.StatoForDocStatus(docStatus))
	if err != nil {
		return fmt.Errorf("failed to mark booking synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookingNotFound
	}
	return nil
}
