package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Guizzs26/flight-booking-saga/internal/db"
	"github.com/Guizzs26/flight-booking-saga/pkg/metrics"
)

// Janitor reports the outbox backlog and, when a retention window is set,
// removes published rows older than it.
type Janitor struct {
	repo      db.RelaySource
	retention time.Duration
	logger    *slog.Logger
}

func NewJanitor(r db.RelaySource, retention time.Duration, l *slog.Logger) *Janitor {
	return &Janitor{repo: r, retention: retention, logger: l.With("component", "janitor")}
}

// RunOnce performs a single maintenance pass
func (j *Janitor) RunOnce(ctx context.Context) {
	backlog, err := j.repo.CountBacklog(ctx)
	if err != nil {
		j.logger.Error("Janitor: Failed to count outbox backlog", "error", err)
	} else {
		metrics.OutboxBacklog.Set(float64(backlog))
		if backlog > 0 {
			j.logger.Info("Janitor: Outbox backlog", "unpublished", backlog)
		}
	}

	if j.retention <= 0 {
		return
	}
	purged, err := j.repo.PurgePublished(ctx, j.retention)
	if err != nil {
		j.logger.Error("Janitor: Failed to purge published rows", "error", err)
		return
	}
	if purged > 0 {
		metrics.OutboxPurged.Add(float64(purged))
		j.logger.Info("Janitor: Purged published outbox rows", "count", purged, "retention", j.retention)
	}
}

// Run ticks every interval until ctx is done
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			j.RunOnce(ctx)
		case <-ctx.Done():
			j.logger.Info("🛑 Janitor: Stopping maintenance goroutine")
			return
		}
	}
}
