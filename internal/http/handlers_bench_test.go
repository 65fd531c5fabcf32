package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather-service/internal/cache"
	"github.com/kjstillabower/city-weather-service/internal/service"
)

func newBenchRouter(rc RouterConfig) http.Handler {
	svc := service.NewWeatherService(newStubProvider(), cache.NewInMemoryStore(), testCities, service.Config{FreshnessWindow: time.Hour})
	return NewRouter(NewHandler(svc, testCities, nil, zap.NewNop()), zap.NewNop(), rc)
}

func benchmarkPath(b *testing.B, router http.Handler, path string) {
	b.Helper()
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
}

func BenchmarkHandler_GetWeather_CacheHit(b *testing.B) {
	benchmarkPath(b, newBenchRouter(RouterConfig{}), "/weather/1248991")
}

func BenchmarkHandler_LookupWeather_ByName(b *testing.B) {
	benchmarkPath(b, newBenchRouter(RouterConfig{}), "/weather?q=Liver")
}

func BenchmarkHandler_GetWeather_ValidationError(b *testing.B) {
	benchmarkPath(b, newBenchRouter(RouterConfig{}), "/weather/not-a-key")
}

func BenchmarkHandler_GetWeather_RateLimited(b *testing.B) {
	benchmarkPath(b, newBenchRouter(RouterConfig{Limiter: rate.NewLimiter(rate.Every(time.Hour), 1)}), "/weather/1248991")
}

func BenchmarkHandler_GetCities(b *testing.B) {
	benchmarkPath(b, newBenchRouter(RouterConfig{}), "/cities?q=par")
}

func BenchmarkHandler_GetHealth(b *testing.B) {
	benchmarkPath(b, newBenchRouter(RouterConfig{}), "/health")
}
