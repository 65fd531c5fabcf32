package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// defaultWarmConcurrency bounds provider calls per warming run.
const defaultWarmConcurrency = 4

// WeatherFetcher is implemented by the service layer. Warming goes through it
// so the service stays the only writer of cache records.
type WeatherFetcher interface {
	GetWeather(ctx context.Context, cityKey string) (models.WeatherResponse, error)
}

// CacheWarmer prefetches weather for a fixed list of city keys.
type CacheWarmer struct {
	fetcher     WeatherFetcher
	logger      *zap.Logger
	concurrency int
}

func NewCacheWarmer(fetcher WeatherFetcher, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger, concurrency: defaultWarmConcurrency}
}

// Warm fetches every key, at most concurrency at a time. Keys still fresh in
// the cache cost nothing. Returns the joined per-key errors.
func (w *CacheWarmer) Warm(ctx context.Context, cityKeys []string) error {
	if len(cityKeys) == 0 {
		return nil
	}
	start := time.Now()
	w.logger.Info("warming cache", zap.Int("cities", len(cityKeys)))

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(w.concurrency)
	for _, key := range cityKeys {
		g.Go(func() error {
			if _, err := w.fetcher.GetWeather(ctx, key); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", key, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("cities", len(cityKeys)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.CacheWarmingTotal.WithLabelValues("partial").Inc()
		observability.CacheWarmingErrorsTotal.Add(float64(len(errs)))
		return errors.Join(errs...)
	}
	observability.CacheWarmingTotal.WithLabelValues("success").Inc()
	return nil
}

// WarmPeriodic runs an initial Warm, then repeats at interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, cityKeys []string, interval time.Duration) error {
	if err := w.Warm(ctx, cityKeys); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, cityKeys); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
