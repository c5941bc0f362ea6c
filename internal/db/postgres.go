package db

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/flight-booking-saga/pkg/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Pool is the subset of *pgxpool.Pool the repository needs
type Pool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PostgresRepository struct {
	pool   Pool
	closer func()
	logger *slog.Logger
}

var _ Store = (*PostgresRepository)(nil)
var _ RelaySource = (*PostgresRepository)(nil)

func NewPostgresRepository(ctx context.Context, connString string, logger *slog.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres pool config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres did not answer ping: %w", err)
	}

	return &PostgresRepository{pool: p, closer: p.Close, logger: logger}, nil
}

// NewRepositoryWithPool wraps an existing pool, e.g. pgxmock in tests
func NewRepositoryWithPool(p Pool, logger *slog.Logger) *PostgresRepository {
	return &PostgresRepository{pool: p, closer: func() {}, logger: logger}
}

// Migrate applies the idempotent schema
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Bookings() BookingStore { return NewBookingRepository(r.pool) }
func (r *PostgresRepository) Outbox() OutboxWriter   { return NewOutboxRepository(r.pool) }
func (r *PostgresRepository) Markers() MarkerStore   { return NewInboxRepository(r.pool) }
func (r *PostgresRepository) Seats() SeatLedger      { return NewInventoryRepository(r.pool) }

// WithinTx runs fn in a read-committed transaction, retrying the whole unit on
// deadlocks and serialization failures with a short linear backoff
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, s Session) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := r.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryableTx(err) {
			return err
		}

		lastErr = err
		metrics.TxRetries.Inc()

		// Attempt 1: 200ms, Attempt 2: 400ms, Attempt 3: 600ms
		backoff := time.Duration(attempt) * txRetryBaseDelay
		r.logger.Warn("Postgres lock contention detected, retrying unit of work",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("unit of work failed after %d attempts (last error: %w)", maxTxAttempts, lastErr)
}

func (r *PostgresRepository) runTx(ctx context.Context, fn func(ctx context.Context, s Session) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	// Rollback is a no-op once Commit succeeded
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(ctx, txSession{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close() {
	r.closer()
}

type txSession struct {
	q Querier
}

func (s txSession) Bookings() BookingStore { return NewBookingRepository(s.q) }
func (s txSession) Outbox() OutboxWriter   { return NewOutboxRepository(s.q) }
func (s txSession) Markers() MarkerStore   { return NewInboxRepository(s.q) }
func (s txSession) Seats() SeatLedger      { return NewInventoryRepository(s.q) }
