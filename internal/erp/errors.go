package erp

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects calls
	ErrCircuitOpen = errors.New("erp circuit breaker is open")
	// ErrInvalidResponse marks a 2xx body that carries no usable document
	ErrInvalidResponse = errors.New("erp returned an unusable response")
	errEncodeRequest   = errors.New("erp request could not be encoded")
)

// StatusError is a non-2xx answer from the ERP
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("erp responded %d: %s", e.StatusCode, e.Body)
}

// Transient is true for 5xx and 429. Every other 4xx is permanent.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsTransient classifies an upsert error. Errors without an HTTP status
// (transport failures, timeouts) are transient, as is an open breaker.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	if errors.Is(err, ErrInvalidResponse) || errors.Is(err, errEncodeRequest) {
		return false
	}
	return true
}

// StatusCode extracts the HTTP status from err, 0 when there is none
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
