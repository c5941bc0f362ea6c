package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Guizzs26/flight-booking-saga/internal/config"
	"github.com/Guizzs26/flight-booking-saga/internal/models"
	"github.com/Guizzs26/flight-booking-saga/pkg/metrics"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"
)

const maxErrorBody = 4 << 10

// Client posts bookings to the ERP webhook. Each call makes a few quick
// retries for blips and runs beneath a consecutive-failure circuit breaker.
type Client struct {
	http      *http.Client
	url       string
	apiKey    string
	retries   int
	retryBase time.Duration
	breaker   *gobreaker.CircuitBreaker[Result]
	logger    *slog.Logger
}

func NewClient(cfg config.ERP, logger *slog.Logger) *Client {
	c := &Client{
		http:      &http.Client{Timeout: cfg.Timeout},
		url:       strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.Endpoint, "/"),
		apiKey:    cfg.APIKey,
		retries:   cfg.HTTPRetries,
		retryBase: cfg.HTTPRetryBaseDelay,
		logger:    logger.With("component", "erp"),
	}

	threshold := uint32(max(cfg.BreakerFailures, 1))
	c.breaker = gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        "erp-upsert",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Permanent rejections say nothing about ERP health
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.ERPBreakerState.Set(float64(to))
			c.logger.Warn("ERP circuit breaker changed state", "from", from.String(), "to", to.String())
		},
	})
	return c
}

// UpsertBooking sends the payload and returns the ERP document
func (c *Client) UpsertBooking(ctx context.Context, p models.BookingPayload) (Result, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", errEncodeRequest, err)
	}

	res, err := c.breaker.Execute(func() (Result, error) {
		return c.postWithRetry(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{}, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return res, err
}

func (c *Client) postWithRetry(ctx context.Context, body []byte) (Result, error) {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     c.retryBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.retryBase * 8,
	}

	attempt := 0
	return backoff.Retry(ctx, func() (Result, error) {
		attempt++
		res, err := c.post(ctx, body)
		if err == nil {
			return res, nil
		}
		if !IsTransient(err) {
			return Result{}, backoff.Permanent(err)
		}
		c.logger.Debug("Transient ERP failure, retrying in-process", "attempt", attempt, "error", err)
		return Result{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.retries+1)),
	)
}

func (c *Client) post(ctx context.Context, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", errEncodeRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("erp request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Result{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read erp response: %w", err)
	}
	return ParseResult(raw)
}

// BreakerState exposes the breaker state for health reporting
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}
