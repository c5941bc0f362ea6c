package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Guizzs26/flight-booking-saga/internal/models"
)

type OutboxRepository struct {
	q Querier
}

func NewOutboxRepository(q Querier) *OutboxRepository {
	return &OutboxRepository{q: q}
}

// Enqueue inserts drafts in the caller's transaction. A draft whose
// idempotency key already exists is skipped, which makes re-driven
// transitions safe.
func (r *OutboxRepository) Enqueue(ctx context.Context, drafts ...models.OutboxDraft) error {
	query := `
		INSERT INTO outbox_messages (
			aggregate_id, type, exchange, routing_key, payload, headers,
			message_id, correlation_id, idempotency_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	for _, d := range drafts {
		headers, err := json.Marshal(d.Headers)
		if err != nil {
			return fmt.Errorf("failed to serialize outbox headers: %w", err)
		}
		if _, err := r.q.Exec(ctx, query,
			d.AggregateID, d.Type, d.Exchange, d.RoutingKey, []byte(d.Payload), headers,
			d.MessageID, d.CorrelationID, d.IdempotencyKey,
		); err != nil {
			return fmt.Errorf("failed to enqueue %s: %w", d.Type, err)
		}
	}
	return nil
}

func (r *PostgresRepository) FetchUnpublished(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	query := `
		SELECT id, aggregate_id, type, exchange, routing_key, payload, headers,
		       message_id, correlation_id, idempotency_key, retry_count, last_error,
		       created_at, published_at
		FROM outbox_messages
		WHERE published_at IS NULL
		ORDER BY created_at, id
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unpublished outbox rows: %w", err)
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		var (
			e       models.OutboxEntry
			payload []byte
			headers []byte
		)
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.Type, &e.Exchange, &e.RoutingKey, &payload, &headers,
			&e.MessageID, &e.CorrelationID, &e.IdempotencyKey, &e.RetryCount, &e.LastError,
			&e.CreatedAt, &e.PublishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		e.Payload = payload
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &e.Headers); err != nil {
				return nil, fmt.Errorf("outbox row %d has invalid headers: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox iteration failed: %w", err)
	}
	return entries, nil
}

// MarkPublished stamps published_at once. Rows already published by another
// relay instance are left untouched.
func (r *PostgresRepository) MarkPublished(ctx context.Context, ids []int64) (int64, error) {
	query := `
		UPDATE outbox_messages
		SET published_at = now()
		WHERE id = ANY($1) AND published_at IS NULL
	`
	tag, err := r.pool.Exec(ctx, query, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to mark outbox rows published: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) RecordPublishFailure(ctx context.Context, ids []int64, reason string) error {
	query := `
		UPDATE outbox_messages
		SET retry_count = retry_count + 1,
		    last_error = $2
		WHERE id = ANY($1) AND published_at IS NULL
	`
	if _, err := r.pool.Exec(ctx, query, ids, reason); err != nil {
		return fmt.Errorf("failed to record publish failure: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CountBacklog(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM outbox_messages WHERE published_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox backlog: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) PurgePublished(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM outbox_messages
		WHERE published_at IS NOT NULL
		  AND published_at < now() - make_interval(secs => $1)
	`
	tag, err := r.pool.Exec(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to purge published outbox rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
