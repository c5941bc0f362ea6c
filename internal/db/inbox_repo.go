package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/Guizzs26/flight-booking-saga/internal/models"

	"github.com/jackc/pgx/v5"
)

type InboxRepository struct {
	q Querier
}

func NewInboxRepository(q Querier) *InboxRepository {
	return &InboxRepository{q: q}
}

// Exists checks whether a message id has already been processed
func (r *InboxRepository) Exists(ctx context.Context, messageID string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, defaultStatementTimeout)
	defer cancel()

	var one int
	err := r.q.QueryRow(opCtx, `SELECT 1 FROM processed_messages WHERE message_id = $1`, messageID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check processed message: %w", err)
	}
	return true, nil
}

// Insert stores the marker. The unique constraint on message_id is the
// dedup linearization point; losing the race surfaces as ErrDuplicateMessage.
func (r *InboxRepository) Insert(ctx context.Context, m models.ProcessedMessage) error {
	query := `
		INSERT INTO processed_messages (message_id, consumer, received_at, metadata)
		VALUES ($1, $2, $3, $4)
	`
	var metadata []byte
	if len(m.Metadata) > 0 {
		metadata = m.Metadata
	}
	if _, err := r.q.Exec(ctx, query, m.MessageID, m.Consumer, m.ReceivedAt, metadata); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("failed to mark message as processed: %w", err)
	}
	return nil
}
