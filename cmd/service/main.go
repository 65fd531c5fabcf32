package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather-service/internal/cache"
	"github.com/kjstillabower/city-weather-service/internal/catalog"
	"github.com/kjstillabower/city-weather-service/internal/circuitbreaker"
	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/config"
	"github.com/kjstillabower/city-weather-service/internal/events"
	httphandler "github.com/kjstillabower/city-weather-service/internal/http"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/service"
	"github.com/kjstillabower/city-weather-service/internal/traffic"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:      cfg.LogLevel,
		FilePath:   cfg.LogFilePath,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	cities, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		logger.Fatal("city catalog", zap.Error(err), zap.String("path", cfg.CatalogPath))
	}
	logger.Info("city catalog loaded", zap.Int("cities", cities.Len()))

	weatherClient, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.WeatherAPITimeout)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		SuccessThreshold: cfg.CircuitSuccessThreshold,
		Timeout:          cfg.CircuitTimeout,
		Component:        "weather_api",
		OnStateChange: func(component string, from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerState(component, int(to), to.String())
			logger.Warn("circuit breaker state change",
				zap.String("component", component),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	weatherClient.SetCircuitBreaker(breaker)
	observability.CircuitBreakerState.WithLabelValues("weather_api").Set(0)

	store, storeCloser, err := openStore(cfg)
	if err != nil {
		logger.Fatal("cache store", zap.Error(err), zap.String("backend", cfg.CacheBackend))
	}
	logger.Info("cache backend ready", zap.String("backend", cfg.CacheBackend))

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		logger.Fatal("event publisher", zap.Error(err))
	}

	outcomes := traffic.NewTracker()
	weatherService := service.NewWeatherService(weatherClient, store, cities,
		service.Config{
			FreshnessWindow: cfg.FreshnessWindow,
			UpstreamTimeout: cfg.WeatherAPITimeout,
			CoalesceTimeout: cfg.CoalesceTimeout,
		},
		service.WithLogger(logger),
		service.WithPublisher(publisher),
		service.WithOutcomeTracker(outcomes),
	)

	if len(cfg.TrackedCities) > 0 {
		observability.SetTrackedCities(cfg.TrackedCities)
	}

	healthConfig := &httphandler.HealthConfig{
		Outcomes:             outcomes,
		Breaker:              breaker,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
	}
	if p, ok := store.(cache.Pinger); ok {
		healthConfig.Cache = p
	}
	handler := httphandler.NewHandler(weatherService, cities, healthConfig, logger)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	verifier := httphandler.NewStaticTokenVerifier(cfg.AuthTokens)
	if verifier == nil {
		logger.Warn("no auth tokens configured; weather routes are unauthenticated")
	}
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
		Verifier:       verifier,
		Outcomes:       outcomes,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	warmDone := make(chan struct{})
	go func() {
		defer close(warmDone)
		warmer := cache.NewCacheWarmer(weatherService, logger)
		if err := warmer.WarmPeriodic(ctx, cfg.WarmCities, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("cache warming", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	handler.SetDraining(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	if err := httphandler.WaitForInFlight(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}
	<-warmDone

	if err := observability.FlushTelemetry(logger, publisher, storeCloser); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
	logger.Info("shutdown complete")
}

// openStore builds the configured cache backend. The closer is nil for the in-memory store.
func openStore(cfg *config.Config) (cache.Store, io.Closer, error) {
	switch cfg.CacheBackend {
	case config.BackendMemcached:
		s := cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.CacheRetention)
		return s, s, nil
	case config.BackendRedis:
		s, err := cache.NewRedisStore(cfg.RedisURL, cfg.CacheRetention)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.BackendSQLite:
		s, err := cache.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.BackendInMemory, "":
		return cache.NewInMemoryStore(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
}

// newPublisher returns a Kafka publisher when brokers are configured, else a no-op.
func newPublisher(cfg *config.Config, logger *zap.Logger) (events.Publisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.NopPublisher{}, nil
	}
	p, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("refresh events enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	return p, nil
}
