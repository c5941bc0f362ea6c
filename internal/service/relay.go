package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/flight-booking-saga/internal/db"
	"github.com/Guizzs26/flight-booking-saga/internal/models"
	"github.com/Guizzs26/flight-booking-saga/pkg/infra"
	"github.com/Guizzs26/flight-booking-saga/pkg/metrics"
)

const (
	MaxBatchMemoryThresholdMB = 20
	checkpointTimeout         = 5 * time.Second
)

// Publisher delivers a batch and returns only after the broker confirmed all of it
type Publisher interface {
	PublishBatch(ctx context.Context, entries []models.OutboxEntry) error
}

// Relay moves committed outbox rows to the broker
type Relay struct {
	repo      db.RelaySource
	pub       Publisher
	batchSize int
	logger    *slog.Logger
}

func NewRelay(r db.RelaySource, p Publisher, batchSize int, l *slog.Logger) *Relay {
	return &Relay{
		repo:      r,
		pub:       p,
		batchSize: batchSize,
		logger:    l.With("component", "relay"),
	}
}

// ProcessNextBatch publishes up to batchSize unpublished rows and marks them
// published once the broker confirmed the whole batch. On failure no row is
// marked, so the same rows are fetched again on the next cycle.
func (r *Relay) ProcessNextBatch(ctx context.Context) (int, error) {
	start := time.Now()

	entries, err := r.repo.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch failure: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	metrics.BatchSize.Observe(float64(len(entries)))
	defer func() {
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
		r.logger.Info("Batch cycle telemetry",
			"count", len(entries),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	var batchBytes int
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		batchBytes += len(e.Payload)
		ids = append(ids, e.ID)
	}
	if batchMB := batchBytes / (1024 * 1024); batchMB > MaxBatchMemoryThresholdMB {
		r.logger.Warn("Heavy batch detected: memory pressure risk",
			"size_mb", batchMB,
			"threshold_mb", MaxBatchMemoryThresholdMB,
			"count", len(entries),
		)
	}

	if err := r.pub.PublishBatch(ctx, entries); err != nil {
		metrics.ConfirmFailures.Inc()
		for _, e := range entries {
			metrics.MessagesPublished.WithLabelValues("failed", e.Type).Inc()
		}

		// Bookkeeping must survive a shutdown that interrupted the publish
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
		defer cancel()
		if recErr := r.repo.RecordPublishFailure(cleanupCtx, ids, err.Error()); recErr != nil {
			r.logger.Error("Failed to record publish failure", "error", recErr, "count", len(ids))
		}
		return 0, fmt.Errorf("broker failure: %w", err)
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
	defer cancel()
	marked, err := r.repo.MarkPublished(cleanupCtx, ids)
	if err != nil {
		// Rows stay unpublished and will be re-sent; consumers deduplicate
		r.logger.Error("Batch confirmed but failed to mark rows published", "error", err, "count", len(ids))
		return 0, fmt.Errorf("db checkpoint failure: %w", err)
	}
	if marked < int64(len(ids)) {
		r.logger.Warn("Some rows were already marked published by another relay", "marked", marked, "batch", len(ids))
	}

	for _, e := range entries {
		metrics.MessagesPublished.WithLabelValues("published", e.Type).Inc()
	}
	return len(entries), nil
}

// Run loops until ctx is cancelled. A full batch is followed immediately by
// the next one; otherwise the relay waits pollInterval. Errors back off.
func (r *Relay) Run(ctx context.Context, pollInterval, errorPause time.Duration) error {
	backoff := infra.NewBackoff(errorPause, 30*errorPause, 2.0)
	r.logger.Info("Outbox relay started", "batch_size", r.batchSize, "poll_interval", pollInterval)

	for {
		if ctx.Err() != nil {
			r.logger.Info("Relay stopping")
			return nil
		}

		n, err := r.ProcessNextBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			wait := backoff.Next()
			r.logger.Error("Batch processing error", "retry_in", wait, "attempt", backoff.Attempts(), "error", err)
			if infra.Sleep(ctx, wait) != nil {
				return nil
			}
			continue
		}

		backoff.Reset()
		if n == r.batchSize {
			continue
		}
		if infra.Sleep(ctx, pollInterval) != nil {
			return nil
		}
	}
}
