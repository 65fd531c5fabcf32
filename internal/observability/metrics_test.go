package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	if m.Counter != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}

// TestMetrics_Usable verifies that label dimensions match usage across the
// client, http, service, cache and events packages.
func TestMetrics_Usable(t *testing.T) {
	// Route uses the path template to avoid cardinality (/weather/{cityKey} not /weather/1248991)
	HTTPRequestsTotal.WithLabelValues("GET", "/weather/{cityKey}", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/weather/{cityKey}").Observe(0.01)
	WeatherAPICallsTotal.WithLabelValues("by_id", "success").Inc()
	WeatherAPIDuration.WithLabelValues("by_name", "not_found").Observe(0.1)
	CacheLookupsTotal.WithLabelValues("fresh").Inc()
	CacheOperationDurationSeconds.WithLabelValues("get", "hit").Observe(0.001)
	CacheErrorsTotal.WithLabelValues("upsert", "store").Inc()
	RequestCoalescingTotal.WithLabelValues("waiter").Inc()
	CacheStampedeDetectedTotal.Inc()
	CacheStampedeConcurrency.Observe(3)
	CacheWarmingTotal.WithLabelValues("success").Inc()
	CacheWarmingErrorsTotal.Inc()
	CacheWarmingDurationSeconds.Observe(0.5)
	EventsPublishedTotal.WithLabelValues("error").Inc()
	RateLimitDeniedTotal.Inc()
	AuthFailuresTotal.Inc()
}

func TestSetTrackedCities_and_RecordWeatherQuery(t *testing.T) {
	SetTrackedCities([]string{"1248991", " 1850147 "})
	defer SetTrackedCities(nil)

	tracked := counterValue(t, WeatherQueriesByCityTotal.WithLabelValues("1850147"))
	other := counterValue(t, WeatherQueriesByCityTotal.WithLabelValues("other"))

	RecordWeatherQuery("1850147")
	RecordWeatherQuery("42")

	if got := counterValue(t, WeatherQueriesByCityTotal.WithLabelValues("1850147")); got != tracked+1 {
		t.Errorf("tracked city count = %v, want %v", got, tracked+1)
	}
	if got := counterValue(t, WeatherQueriesByCityTotal.WithLabelValues("other")); got != other+1 {
		t.Errorf("other count = %v, want %v", got, other+1)
	}
}

func TestRecordCircuitBreakerState(t *testing.T) {
	before := counterValue(t, CircuitBreakerTransitionsTotal.WithLabelValues("weather_api", "open"))
	RecordCircuitBreakerState("weather_api", 1, "open")

	if got := counterValue(t, CircuitBreakerState.WithLabelValues("weather_api")); got != 1 {
		t.Errorf("state gauge = %v, want 1", got)
	}
	if got := counterValue(t, CircuitBreakerTransitionsTotal.WithLabelValues("weather_api", "open")); got != before+1 {
		t.Errorf("transitions = %v, want %v", got, before+1)
	}
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "httpRequestsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
