package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kjstillabower/city-weather-service/internal/circuitbreaker"
)

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnreachable      = errors.New("upstream unreachable")
	ErrCircuitOpen      = circuitbreaker.ErrOpen
)

// UpstreamError is returned for every failed provider call. StatusCode is the
// provider's HTTP status, or 0 when the provider could not be reached.
type UpstreamError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("weather provider: %s", e.Message)
	}
	return fmt.Sprintf("weather provider: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// sentinelForStatus maps a non-2xx provider status to the sentinel it wraps.
func sentinelForStatus(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return ErrInvalidAPIKey
	case http.StatusNotFound:
		return ErrLocationNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return ErrUpstreamFailure
	}
}

func unreachable(err error) *UpstreamError {
	return &UpstreamError{
		Message: "weather provider unreachable",
		Err:     fmt.Errorf("%w: %w", ErrUnreachable, err),
	}
}
