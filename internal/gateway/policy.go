package gateway

import (
	"time"

	"github.com/Guizzs26/flight-booking-saga/internal/config"
)

// RetryPolicy is the slow tier: failed upserts are re-queued with a delay
// until the attempt ceiling is reached.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func NewRetryPolicy(cfg config.Saga) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: max(cfg.MaxRetryAttempts, 1),
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}
}

// Exhausted is true once attempt has reached the ceiling. Attempts are
// zero-based, so MaxAttempts deliveries run attempts 0..MaxAttempts-1.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay returns BaseDelay·2^attempt capped at MaxDelay
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for range attempt {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}
