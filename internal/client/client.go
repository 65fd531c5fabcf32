package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/city-weather-service/internal/circuitbreaker"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/requestctx"
)

// maxBodyBytes bounds how much of a provider response is read.
const maxBodyBytes = 1 << 20

// Result is a successful provider response. CityKey is the provider's own id
// for the city; Payload is the response body as received.
type Result struct {
	CityKey string
	Payload json.RawMessage
}

// WeatherClient fetches current weather from the provider by id or by name.
type WeatherClient interface {
	GetByID(ctx context.Context, cityKey string) (Result, error)
	GetByName(ctx context.Context, name string) (Result, error)
}

type OpenWeatherClient struct {
	apiKey  string
	apiURL  string
	timeout time.Duration
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

func NewOpenWeatherClient(apiKey, apiURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &OpenWeatherClient{
		apiKey:  apiKey,
		apiURL:  apiURL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// SetCircuitBreaker wraps subsequent provider calls in cb.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// GetByID fetches current weather for a numeric provider id.
func (c *OpenWeatherClient) GetByID(ctx context.Context, cityKey string) (Result, error) {
	params := url.Values{}
	params.Set("id", cityKey)
	return c.do(ctx, "by_id", params, "Weather data not found")
}

// GetByName fetches current weather by free-text name. The result carries the
// provider's canonical id for that name.
func (c *OpenWeatherClient) GetByName(ctx context.Context, name string) (Result, error) {
	params := url.Values{}
	params.Set("q", name)
	return c.do(ctx, "by_name", params, "City not found")
}

func (c *OpenWeatherClient) do(ctx context.Context, endpoint string, params url.Values, notFoundMsg string) (Result, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, endpoint, params, notFoundMsg)
	}

	var res Result
	var callErr error
	err := c.breaker.Call(ctx, func() error {
		res, callErr = c.callAPI(ctx, endpoint, params, notFoundMsg)
		if tripsBreaker(callErr) {
			return callErr
		}
		return nil
	})
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return Result{}, &UpstreamError{
			StatusCode: http.StatusServiceUnavailable,
			Message:    "weather provider temporarily unavailable",
			Err:        err,
		}
	case callErr != nil:
		return Result{}, callErr
	case err != nil:
		// The breaker refused before calling out, e.g. ctx already done.
		return Result{}, unreachable(err)
	}
	return res, nil
}

// tripsBreaker reports whether err says the provider itself is unhealthy.
// Client errors such as unknown cities do not count.
func tripsBreaker(err error) bool {
	return errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrUpstreamFailure) ||
		errors.Is(err, ErrRateLimited)
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, endpoint string, params url.Values, notFoundMsg string) (Result, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, params)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	if corrID := requestctx.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.WeatherAPIDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		return Result{}, unreachable(err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())

	if readErr != nil {
		return Result{}, unreachable(fmt.Errorf("read response body: %w", readErr))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, errorFromResponse(resp.StatusCode, body, notFoundMsg)
	}

	key, err := extractCityKey(body)
	if err != nil {
		return Result{}, &UpstreamError{
			StatusCode: http.StatusBadGateway,
			Message:    "could not parse weather provider response",
			Err:        fmt.Errorf("%w: %w", ErrUpstreamFailure, err),
		}
	}
	return Result{CityKey: key, Payload: json.RawMessage(body)}, nil
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, params url.Values) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params.Set("appid", c.apiKey)
	params.Set("units", "metric")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// errorFromResponse builds an UpstreamError carrying the provider's "message" field
// when present. fallback names a 404 without one.
func errorFromResponse(status int, body []byte, fallback string) error {
	var payload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := strings.TrimSpace(payload.Message)
	if msg == "" {
		msg = fallback
		if status != http.StatusNotFound {
			msg = http.StatusText(status)
		}
	}
	return &UpstreamError{
		StatusCode: status,
		Message:    msg,
		Err:        sentinelForStatus(status),
	}
}

// extractCityKey reads the numeric "id" every successful provider response carries.
func extractCityKey(body []byte) (string, error) {
	var payload struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	id, err := strconv.ParseInt(payload.ID.String(), 10, 64)
	if err != nil || id <= 0 {
		return "", fmt.Errorf("parse response: missing or invalid city id %q", payload.ID)
	}
	return strconv.FormatInt(id, 10), nil
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode == http.StatusNotFound:
		return "not_found"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}
