package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/traffic"
)

// RouterConfig carries the middleware settings for NewRouter. Nil Limiter or
// Verifier disables rate limiting or auth.
type RouterConfig struct {
	RequestTimeout time.Duration
	Limiter        *rate.Limiter
	Verifier       TokenVerifier
	Outcomes       *traffic.Tracker
}

// NewRouter registers every route. /health and /metrics are open; the weather
// and city routes sit behind auth, rate limiting and the request timeout.
func NewRouter(h *Handler, logger *zap.Logger, rc RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.NewRoute().Subrouter()
	api.Use(AuthMiddleware(rc.Verifier))
	api.Use(RateLimitMiddleware(rc.Limiter, rc.Outcomes))
	if rc.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(rc.RequestTimeout))
	}
	api.HandleFunc("/weather", h.LookupWeather).Methods(http.MethodGet)
	api.HandleFunc("/weather/search/{cityName}", h.SearchWeather).Methods(http.MethodGet)
	api.HandleFunc("/weather/{cityKey}", h.GetWeather).Methods(http.MethodGet)
	api.HandleFunc("/cities", h.GetCities).Methods(http.MethodGet)
	return router
}
