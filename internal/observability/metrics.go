package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// Weather provider call rate by endpoint (by_id, by_name) and outcome.
	WeatherAPICallsTotal *prometheus.CounterVec

	// Weather provider latency. Watch for: p95 approaching the configured timeout.
	WeatherAPIDuration *prometheus.HistogramVec

	// Cache lookups by result: fresh, stale, miss, error. Hit rate = fresh / total.
	CacheLookupsTotal *prometheus.CounterVec

	// Store operation latency by op (get, upsert) and result.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Store failures by op and category. Reads degrade to the provider; writes are warnings.
	CacheErrorsTotal *prometheus.CounterVec

	// Refreshes by coalescing role: leader (called the provider) or waiter (shared the result).
	RequestCoalescingTotal *prometheus.CounterVec

	// Refreshes that found another refresh for the same key already running.
	CacheStampedeDetectedTotal prometheus.Counter

	// Concurrent refreshers per key at the moment a stampede was seen.
	CacheStampedeConcurrency prometheus.Histogram

	// Circuit breaker state per component: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions per component and target state.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Cache warming runs and per-city failures.
	CacheWarmingTotal           *prometheus.CounterVec
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Refresh events handed to the publisher, by result.
	EventsPublishedTotal *prometheus.CounterVec

	// Total weather lookups. Watch for: traffic volume, rate() for QPS.
	WeatherQueriesTotal prometheus.Counter

	// Per-city query count (allow-list; others go to "other").
	WeatherQueriesByCityTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Requests rejected by the auth middleware.
	AuthFailuresTotal prometheus.Counter

	trackedCitiesMu sync.RWMutex
	trackedCities   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of weather provider calls",
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "Weather provider latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheLookupsTotal",
			Help: "Cache lookups by result (fresh, stale, miss, error)",
		},
		[]string{"result"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache store operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"op", "result"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache store errors by operation and category",
		},
		[]string{"op", "category"},
	)
	RequestCoalescingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requestCoalescingTotal",
			Help: "Refreshes by coalescing role (leader, waiter)",
		},
		[]string{"role"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Refreshes that overlapped another refresh of the same key",
		},
	)
	CacheStampedeConcurrency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Concurrent refreshers for one key when a stampede was detected",
			Buckets: []float64{2, 3, 5, 10, 25, 50, 100},
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "to"},
	)
	CacheWarmingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs by result (success, partial)",
		},
		[]string{"result"},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cities that failed to warm",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Duration of a cache warming run",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30},
		},
	)
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsPublishedTotal",
			Help: "Refresh events handed to the publisher by result",
		},
		[]string{"result"},
	)
	WeatherQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherQueriesTotal",
			Help: "Total number of weather lookups",
		},
	)
	WeatherQueriesByCityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesByCityTotal",
			Help: "Weather queries by city key (allow-list; others use city=other)",
		},
		[]string{"city"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	AuthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "authFailuresTotal",
			Help: "Requests rejected with 401 by the auth middleware",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration,
		CacheLookupsTotal, CacheOperationDurationSeconds, CacheErrorsTotal,
		RequestCoalescingTotal, CacheStampedeDetectedTotal, CacheStampedeConcurrency,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		EventsPublishedTotal,
		WeatherQueriesTotal, WeatherQueriesByCityTotal,
		RateLimitDeniedTotal, AuthFailuresTotal,
	)
}

// SetTrackedCities sets the allow-list of city keys for per-city metrics.
// Keys outside the list increment "other".
func SetTrackedCities(keys []string) {
	trackedCitiesMu.Lock()
	defer trackedCitiesMu.Unlock()
	trackedCities = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		trackedCities[strings.TrimSpace(k)] = struct{}{}
	}
}

// RecordWeatherQuery records a weather query for the given city key.
func RecordWeatherQuery(cityKey string) {
	WeatherQueriesTotal.Inc()
	key := strings.TrimSpace(cityKey)
	trackedCitiesMu.RLock()
	_, ok := trackedCities[key] // nil map read is safe in Go
	trackedCitiesMu.RUnlock()
	if ok {
		WeatherQueriesByCityTotal.WithLabelValues(key).Inc()
	} else {
		WeatherQueriesByCityTotal.WithLabelValues("other").Inc()
	}
}

// RecordCircuitBreakerState publishes a breaker transition. Matches the
// circuitbreaker.Config.OnStateChange shape once the states are converted to ints.
func RecordCircuitBreakerState(component string, to int, toName string) {
	CircuitBreakerState.WithLabelValues(component).Set(float64(to))
	CircuitBreakerTransitionsTotal.WithLabelValues(component, toName).Inc()
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
