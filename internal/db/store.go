package db

import (
	"context"
	"errors"
	"time"

	"github.com/Guizzs26/flight-booking-saga/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrBookingNotFound = errors.New("booking not found")
	ErrBookingExists   = errors.New("booking already exists")
	ErrFlightNotFound  = errors.New("flight not found")
	// ErrDuplicateMessage means another consumer already stored the marker
	ErrDuplicateMessage = errors.New("message already processed")
)

const (
	pgUniqueViolation       = "23505"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	maxTxAttempts           = 3
	txRetryBaseDelay        = 200 * time.Millisecond
	defaultStatementTimeout = 5 * time.Second
)

// Querier is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type BookingStore interface {
	Insert(ctx context.Context, b *models.Booking) error
	Get(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	UpdateState(ctx context.Context, id uuid.UUID, state models.BookingState) error
	MarkSynced(ctx context.Context, id uuid.UUID, docName string, docStatus int) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, drafts ...models.OutboxDraft) error
}

type MarkerStore interface {
	Exists(ctx context.Context, messageID string) (bool, error)
	// Insert returns ErrDuplicateMessage on a unique violation
	Insert(ctx context.Context, m models.ProcessedMessage) error
}

type SeatLedger interface {
	GetSeats(ctx context.Context, flightID uuid.UUID) (*models.SeatInventory, error)
	ApplySeatDelta(ctx context.Context, flightID uuid.UUID, delta int) (models.SeatDeltaResult, error)
}

// Session groups the repositories bound to one connection or transaction
type Session interface {
	Bookings() BookingStore
	Outbox() OutboxWriter
	Markers() MarkerStore
	Seats() SeatLedger
}

// Transactor runs fn as one atomic unit. When fn returns an error nothing is committed.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, s Session) error) error
}

type Store interface {
	Session
	Transactor
}

// RelaySource is the outbox surface used by the relay and its janitor
type RelaySource interface {
	FetchUnpublished(ctx context.Context, limit int) ([]models.OutboxEntry, error)
	MarkPublished(ctx context.Context, ids []int64) (int64, error)
	RecordPublishFailure(ctx context.Context, ids []int64, reason string) error
	CountBacklog(ctx context.Context) (int64, error)
	PurgePublished(ctx context.Context, olderThan time.Duration) (int64, error)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// isRetryableTx detects serialization failures and deadlocks
func isRetryableTx(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}
