package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Guizzs26/flight-booking-saga/internal/config"
	"github.com/Guizzs26/flight-booking-saga/internal/db"
	"github.com/Guizzs26/flight-booking-saga/internal/models"

	"github.com/google/uuid"
)

// Client calls the seat service internal API
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func NewClient(cfg config.SeatService) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
	}
}

type availabilityResponse struct {
	SeatsAvailable int  `json:"posti_disponibili"`
	IsOpen         bool `json:"is_open"`
}

type seatDeltaResponse struct {
	Status         string `json:"status"`
	SeatsAvailable int    `json:"posti_disponibili"`
}

// Availability returns the current seat counter. An unknown flight is db.ErrFlightNotFound.
func (c *Client) Availability(ctx context.Context, flightID uuid.UUID) (models.SeatInventory, error) {
	var out availabilityResponse
	status, err := c.do(ctx, http.MethodGet, "/internal/flights/"+flightID.String(), nil, &out)
	if err != nil {
		return models.SeatInventory{}, err
	}
	switch status {
	case http.StatusOK:
		return models.SeatInventory{FlightID: flightID, SeatsAvailable: out.SeatsAvailable, IsOpen: out.IsOpen}, nil
	case http.StatusNotFound:
		return models.SeatInventory{}, db.ErrFlightNotFound
	}
	return models.SeatInventory{}, fmt.Errorf("seat service returned %d for flight %s", status, flightID)
}

// ApplySeatDelta posts a delta. A 400 means the guard rejected it: Applied is false and err is nil.
func (c *Client) ApplySeatDelta(ctx context.Context, flightID uuid.UUID, delta int) (models.SeatDeltaResult, error) {
	var out seatDeltaResponse
	status, err := c.do(ctx, http.MethodPost, "/internal/flights/"+flightID.String()+"/seat-delta", map[string]int{"delta": delta}, &out)
	if err != nil {
		return models.SeatDeltaResult{}, err
	}
	switch {
	case status == http.StatusOK && out.Status == "noop":
		return models.SeatDeltaResult{Noop: true}, nil
	case status == http.StatusOK:
		return models.SeatDeltaResult{Applied: true, SeatsRemaining: out.SeatsAvailable}, nil
	case status == http.StatusBadRequest:
		return models.SeatDeltaResult{}, nil
	}
	return models.SeatDeltaResult{}, fmt.Errorf("seat service returned %d for flight %s", status, flightID)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to encode seat request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to build seat request: %w", err)
	}
	req.Header.Set(HeaderAPIKey, c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("seat service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode seat response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
