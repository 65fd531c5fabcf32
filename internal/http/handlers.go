package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/cache"
	"github.com/kjstillabower/city-weather-service/internal/catalog"
	"github.com/kjstillabower/city-weather-service/internal/circuitbreaker"
	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/requestctx"
	"github.com/kjstillabower/city-weather-service/internal/service"
	"github.com/kjstillabower/city-weather-service/internal/traffic"
)

// maxSuggestLimit caps the limit query parameter on /cities.
const maxSuggestLimit = 50

// WeatherService is the subset of *service.WeatherService the handlers call.
type WeatherService interface {
	GetWeather(ctx context.Context, cityKey string) (models.WeatherResponse, error)
	SearchWeather(ctx context.Context, name string) (models.WeatherResponse, error)
	Lookup(ctx context.Context, input string, mode service.LookupMode) (models.WeatherResponse, error)
}

// BreakerState reports the provider circuit breaker state.
type BreakerState interface {
	State() circuitbreaker.State
}

// HealthConfig holds the inputs and thresholds for GET /health. Every field is optional.
type HealthConfig struct {
	Outcomes *traffic.Tracker
	Breaker  BreakerState
	Cache    cache.Pinger

	DegradedWindow   time.Duration
	DegradedErrorPct int

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather          WeatherService
	cities           catalog.LookupTable
	healthConfig     *HealthConfig
	logger           *zap.Logger
	draining         atomic.Bool
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. cities may be nil, in which case /cities returns no suggestions.
func NewHandler(weather WeatherService, cities catalog.LookupTable, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if healthConfig == nil {
		healthConfig = &HealthConfig{}
	}
	return &Handler{
		weather:      weather,
		cities:       cities,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// SetDraining marks the service as shutting down; /health reports it from then on.
func (h *Handler) SetDraining(v bool) {
	h.draining.Store(v)
}

// GetWeather handles GET /weather/{cityKey}.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	result, err := h.weather.GetWeather(r.Context(), mux.Vars(r)["cityKey"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SearchWeather handles GET /weather/search/{cityName}.
func (h *Handler) SearchWeather(w http.ResponseWriter, r *http.Request) {
	result, err := h.weather.SearchWeather(r.Context(), mux.Vars(r)["cityName"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// LookupWeather handles GET /weather?q=...&mode=auto|id|name.
func (h *Handler) LookupWeather(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, err := service.ParseLookupMode(q.Get("mode"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	result, err := h.weather.Lookup(r.Context(), q.Get("q"), mode)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type citySuggestion struct {
	models.City
	DisplayName string `json:"displayName"`
}

// GetCities handles GET /cities?q=...&limit=N. Short or unmatched queries return an empty list.
func (h *Handler) GetCities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := catalog.DefaultSuggestLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(n, maxSuggestLimit)
	}

	out := []citySuggestion{}
	if h.cities != nil {
		for c := range catalog.Suggest(h.cities, q.Get("q"), limit) {
			out = append(out, citySuggestion{City: c, DisplayName: catalog.DisplayName(c)})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health. It never calls the weather provider.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	cacheOK := true
	if h.healthConfig.Cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		cacheOK = h.healthConfig.Cache.Ping(ctx) == nil
		cancel()
		checks["cache"] = healthyLabel(cacheOK)
	}
	if h.healthConfig.Breaker != nil {
		state := h.healthConfig.Breaker.State()
		checks["circuitBreaker"] = state.String()
		checks["weatherApi"] = healthyLabel(state != circuitbreaker.StateOpen)
	}

	result := h.computeHealthStatus(cacheOK)

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	resp := map[string]any{
		"status":    result.status,
		"service":   "city-weather-service",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > circuit open > overloaded > error rate > cache unreachable > healthy.
func (h *Handler) computeHealthStatus(cacheOK bool) healthResult {
	hc := h.healthConfig
	if h.draining.Load() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if hc.Breaker != nil && hc.Breaker.State() == circuitbreaker.StateOpen {
		return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open"}
	}
	if hc.Outcomes != nil && hc.OverloadWindow > 0 && hc.OverloadThresholdPct > 0 && hc.RateLimitRPS > 0 {
		threshold := float64(hc.RateLimitRPS) * hc.OverloadWindow.Seconds() * float64(hc.OverloadThresholdPct) / 100
		if float64(hc.Outcomes.DenialCount(hc.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if hc.Outcomes != nil && hc.DegradedWindow > 0 && hc.DegradedErrorPct > 0 {
		errCount, total := hc.Outcomes.ErrorRate(hc.DegradedWindow)
		if total > 0 && float64(errCount)*100/float64(total) >= float64(hc.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	if !cacheOK {
		return healthResult{"degraded", http.StatusServiceUnavailable, "cache_unreachable"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

func healthyLabel(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error body with the request's correlation id.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": requestctx.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError is the only place service errors become HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classifyError(err)
	logger := requestctx.Logger(r.Context())
	if status >= 500 {
		logger.Warn("weather request failed", zap.Int("status", status), zap.String("code", code), zap.Error(err))
	} else {
		logger.Debug("weather request rejected", zap.Int("status", status), zap.String("code", code), zap.Error(err))
	}
	writeError(w, r, status, code, message)
}

// classifyError maps the error taxonomy to status, code and client-facing message.
// ErrCityNotFound is checked before UpstreamError because a failed provider
// search wraps the provider's 404.
func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, service.ErrInvalidCityKey):
		return http.StatusBadRequest, "INVALID_CITY_KEY", validationMessage(err)
	case errors.Is(err, service.ErrInvalidCityName):
		return http.StatusBadRequest, "INVALID_CITY_NAME", validationMessage(err)
	case errors.Is(err, service.ErrInvalidLookupMode):
		return http.StatusBadRequest, "INVALID_LOOKUP_MODE", "mode must be one of auto, id, name"
	case errors.Is(err, service.ErrCityNotFound):
		return http.StatusNotFound, "CITY_NOT_FOUND", "City not found"
	}

	var upErr *client.UpstreamError
	if errors.As(err, &upErr) {
		status := upErr.StatusCode
		if status == 0 {
			status = http.StatusBadGateway
		}
		return status, "UPSTREAM_ERROR", upErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out"
	}
	return http.StatusInternalServerError, "INTERNAL", "Internal server error"
}

// validationMessage returns the innermost cause, which names the rule the input broke.
func validationMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}
