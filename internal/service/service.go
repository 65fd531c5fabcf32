package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/cache"
	"github.com/kjstillabower/city-weather-service/internal/catalog"
	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/events"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/requestctx"
	"github.com/kjstillabower/city-weather-service/internal/traffic"
	"github.com/kjstillabower/city-weather-service/internal/validation"
)

const (
	DefaultFreshnessWindow = 5 * time.Minute
	DefaultUpstreamTimeout = 10 * time.Second
	DefaultCoalesceTimeout = 15 * time.Second
)

// Config holds the service timing parameters. Zero values take the defaults.
type Config struct {
	// FreshnessWindow is how long a record is served without calling the provider.
	FreshnessWindow time.Duration
	// UpstreamTimeout bounds one shared refresh, independent of any caller.
	UpstreamTimeout time.Duration
	// CoalesceTimeout bounds how long a caller waits on a shared refresh.
	CoalesceTimeout time.Duration
}

// WeatherService is the cache-aside fetcher. It serves records younger than
// the freshness window from the store and refreshes everything else from the
// provider, one shared call per key at a time. It is the only writer of
// cache records.
type WeatherService struct {
	client    client.WeatherClient
	store     cache.Store
	catalog   catalog.LookupTable
	publisher events.Publisher
	outcomes  *traffic.Tracker
	logger    *zap.Logger
	now       func() time.Time

	window          time.Duration
	upstreamTimeout time.Duration

	refreshes *refreshGroup
	stampede  *stampedeTracker
	aliases   *aliasTable
}

// Option customizes a WeatherService.
type Option func(*WeatherService)

// WithClock replaces time.Now for freshness decisions and record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *WeatherService) { s.now = now }
}

// WithPublisher sends a refresh event after every successful upsert.
func WithPublisher(p events.Publisher) Option {
	return func(s *WeatherService) { s.publisher = p }
}

// WithOutcomeTracker records provider call outcomes for health reporting.
func WithOutcomeTracker(t *traffic.Tracker) Option {
	return func(s *WeatherService) { s.outcomes = t }
}

// WithLogger sets the logger used when the request context carries none.
func WithLogger(l *zap.Logger) Option {
	return func(s *WeatherService) { s.logger = l }
}

// NewWeatherService wires the fetcher. table may be nil, in which case every
// name goes to the provider's search.
func NewWeatherService(c client.WeatherClient, store cache.Store, table catalog.LookupTable, cfg Config, opts ...Option) *WeatherService {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if cfg.CoalesceTimeout <= 0 {
		cfg.CoalesceTimeout = DefaultCoalesceTimeout
	}
	s := &WeatherService{
		client:          c,
		store:           store,
		catalog:         table,
		publisher:       events.NopPublisher{},
		outcomes:        traffic.NewTracker(),
		logger:          zap.NewNop(),
		now:             time.Now,
		window:          cfg.FreshnessWindow,
		upstreamTimeout: cfg.UpstreamTimeout,
		refreshes:       newRefreshGroup(cfg.CoalesceTimeout),
		stampede:        newStampedeTracker(),
		aliases:         newAliasTable(defaultMaxAliases),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FreshnessWindow returns the configured window.
func (s *WeatherService) FreshnessWindow() time.Duration {
	return s.window
}

// GetWeather returns weather for a canonical city key. A record younger than
// the freshness window is returned with Cached set and no provider call.
// Otherwise the provider is called, the record replaced, and the fresh
// payload returned. On provider failure the stored record is left as it was
// and the *client.UpstreamError is returned.
func (s *WeatherService) GetWeather(ctx context.Context, cityKey string) (models.WeatherResponse, error) {
	key, err := validation.ValidateCityKey(cityKey)
	if err != nil {
		return models.WeatherResponse{}, fmt.Errorf("%w %q: %w", ErrInvalidCityKey, cityKey, err)
	}
	logger := requestctx.LoggerOr(ctx, s.logger)
	observability.RecordWeatherQuery(key)

	rec, ok, readErr := s.readCache(ctx, key)
	switch {
	case readErr != nil:
		observability.CacheLookupsTotal.WithLabelValues("error").Inc()
	case !ok:
		observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
	case rec.FreshAt(s.now(), s.window):
		observability.CacheLookupsTotal.WithLabelValues("fresh").Inc()
		logger.Debug("weather served", zap.String("city_key", key), zap.Bool("cached", true))
		return fromRecord(rec, true), nil
	default:
		observability.CacheLookupsTotal.WithLabelValues("stale").Inc()
	}

	if n := s.stampede.begin(key); n > 1 {
		observability.CacheStampedeDetectedTotal.Inc()
		observability.CacheStampedeConcurrency.Observe(float64(n))
	}
	defer s.stampede.end(key)

	logger.Debug("refreshing from provider", zap.String("city_key", key))
	resp, err := s.refreshes.do(ctx, key, func(ctx context.Context) (models.WeatherResponse, error) {
		return s.refreshByID(ctx, key)
	})
	if err != nil {
		return models.WeatherResponse{}, fmt.Errorf("fetch weather for %s: %w", key, err)
	}
	logger.Debug("weather served", zap.String("city_key", key), zap.Bool("cached", resp.Cached))
	return resp, nil
}

// refreshByID runs once per key among concurrent callers.
func (s *WeatherService) refreshByID(ctx context.Context, key string) (models.WeatherResponse, error) {
	// A previous flight may have finished between our read and joining this one.
	if rec, ok, _ := s.readCache(ctx, key); ok && rec.FreshAt(s.now(), s.window) {
		return fromRecord(rec, true), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()
	res, err := s.client.GetByID(callCtx, key)
	err = upstreamFailure(err)
	s.recordOutcome(err)
	if err != nil {
		requestctx.LoggerOr(ctx, s.logger).Warn("provider refresh failed",
			zap.String("city_key", key),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		return models.WeatherResponse{}, err
	}
	return s.persist(ctx, key, res.Payload)
}

// GetWeatherByName resolves name through the catalog and delegates to
// GetWeather. Names the catalog does not know go to the provider's search.
func (s *WeatherService) GetWeatherByName(ctx context.Context, name string) (models.WeatherResponse, error) {
	clean, err := validation.ValidateCityName(name, validation.DefaultNameMinLen, validation.DefaultNameMaxLen)
	if err != nil {
		return models.WeatherResponse{}, fmt.Errorf("%w: %w", ErrInvalidCityName, err)
	}
	if s.catalog != nil {
		key, err := s.catalog.ResolveByName(clean)
		if err == nil {
			return s.GetWeather(ctx, key)
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			return models.WeatherResponse{}, fmt.Errorf("resolve %q: %w", clean, err)
		}
		requestctx.LoggerOr(ctx, s.logger).Debug("name not in catalog, searching provider", zap.String("city_name", clean))
	}
	return s.SearchWeather(ctx, clean)
}

// SearchWeather resolves name with the provider's own search instead of the
// catalog. The provider id it returns becomes the cache key, so name and id
// lookups share one record. Resolved names are remembered; a repeated search
// is served through GetWeather and costs no provider call while fresh.
func (s *WeatherService) SearchWeather(ctx context.Context, name string) (models.WeatherResponse, error) {
	clean, err := validation.ValidateCityName(name, validation.DefaultNameMinLen, validation.DefaultNameMaxLen)
	if err != nil {
		return models.WeatherResponse{}, fmt.Errorf("%w: %w", ErrInvalidCityName, err)
	}
	norm := normalizeName(clean)
	if key, ok := s.aliases.get(norm); ok {
		return s.GetWeather(ctx, key)
	}

	resp, err := s.refreshes.do(ctx, "name:"+norm, func(ctx context.Context) (models.WeatherResponse, error) {
		return s.refreshByName(ctx, clean, norm)
	})
	if err != nil {
		return models.WeatherResponse{}, fmt.Errorf("search weather for %q: %w", clean, err)
	}
	return resp, nil
}

func (s *WeatherService) refreshByName(ctx context.Context, name, norm string) (models.WeatherResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()
	res, err := s.client.GetByName(callCtx, name)
	err = upstreamFailure(err)
	s.recordOutcome(err)
	if errors.Is(err, client.ErrLocationNotFound) {
		return models.WeatherResponse{}, &ResolutionError{Name: name, Err: err}
	}
	if err != nil {
		requestctx.LoggerOr(ctx, s.logger).Warn("provider search failed",
			zap.String("city_name", name),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		return models.WeatherResponse{}, err
	}
	s.aliases.put(norm, res.CityKey)
	// A fresh record under the resolved id wins over the search payload.
	if rec, ok, _ := s.readCache(ctx, res.CityKey); ok && rec.FreshAt(s.now(), s.window) {
		return fromRecord(rec, true), nil
	}
	return s.persist(ctx, res.CityKey, res.Payload)
}

// LookupMode selects how Lookup interprets its input.
type LookupMode string

const (
	// LookupAuto treats input that parses as an unsigned integer as a key, anything else as a name.
	LookupAuto   LookupMode = "auto"
	LookupByID   LookupMode = "id"
	LookupByName LookupMode = "name"
)

// ParseLookupMode maps a query parameter to a LookupMode; empty means auto.
func ParseLookupMode(s string) (LookupMode, error) {
	switch LookupMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", LookupAuto:
		return LookupAuto, nil
	case LookupByID:
		return LookupByID, nil
	case LookupByName:
		return LookupByName, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLookupMode, s)
}

// Lookup accepts either a key or a name. With LookupAuto a numeric input is
// always a key, so a city literally named with digits needs LookupByName.
func (s *WeatherService) Lookup(ctx context.Context, input string, mode LookupMode) (models.WeatherResponse, error) {
	switch mode {
	case LookupByID:
		return s.GetWeather(ctx, input)
	case LookupByName:
		return s.GetWeatherByName(ctx, input)
	case LookupAuto, "":
		if catalog.IsCityKey(input) {
			return s.GetWeather(ctx, input)
		}
		return s.GetWeatherByName(ctx, input)
	}
	return models.WeatherResponse{}, fmt.Errorf("%w: %q", ErrInvalidLookupMode, mode)
}

// readCache reads the record for key. Store failures are logged and counted
// and reported as a miss so the caller falls through to the provider.
func (s *WeatherService) readCache(ctx context.Context, key string) (models.CacheRecord, bool, error) {
	start := time.Now()
	rec, ok, err := s.store.Get(ctx, key)
	elapsed := time.Since(start).Seconds()
	switch {
	case err != nil:
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(elapsed)
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		requestctx.LoggerOr(ctx, s.logger).Warn("cache read failed, falling back to provider",
			zap.String("city_key", key), zap.Error(err))
		return models.CacheRecord{}, false, err
	case !ok:
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "miss").Observe(elapsed)
	default:
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "hit").Observe(elapsed)
	}
	return rec, ok, nil
}

// persist stores a fresh payload under key and returns it. A failed write is
// a warning; the caller still gets the payload. An empty payload is a
// provider failure and is never stored.
func (s *WeatherService) persist(ctx context.Context, key string, payload json.RawMessage) (models.WeatherResponse, error) {
	if len(payload) == 0 {
		return models.WeatherResponse{}, &client.UpstreamError{
			StatusCode: http.StatusBadGateway,
			Message:    "empty weather provider response",
			Err:        client.ErrUpstreamFailure,
		}
	}
	rec := models.CacheRecord{CityKey: key, Data: payload, CachedAt: s.now()}
	logger := requestctx.LoggerOr(ctx, s.logger)

	start := time.Now()
	err := s.store.Upsert(ctx, rec)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		observability.CacheOperationDurationSeconds.WithLabelValues("upsert", "error").Observe(elapsed)
		observability.CacheErrorsTotal.WithLabelValues("upsert", categorizeCacheError(err)).Inc()
		logger.Warn("cache write failed", zap.String("city_key", key), zap.Error(err))
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("upsert", "success").Observe(elapsed)
		s.publish(ctx, rec)
	}
	return fromRecord(rec, false), nil
}

func (s *WeatherService) publish(ctx context.Context, rec models.CacheRecord) {
	ev := events.RefreshEvent{CityKey: rec.CityKey, CachedAt: rec.CachedAt, Payload: rec.Data}
	if summary, err := models.ParseSummary(rec.Data); err == nil {
		ev.CityName = summary.Name
	}
	if err := s.publisher.PublishRefresh(ctx, ev); err != nil {
		requestctx.LoggerOr(ctx, s.logger).Warn("refresh event not published", zap.String("city_key", rec.CityKey), zap.Error(err))
	}
}

// upstreamFailure gives a bare timeout or cancellation from the client the
// same shape as any other unreachable provider.
func upstreamFailure(err error) error {
	var upErr *client.UpstreamError
	if err == nil || errors.As(err, &upErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &client.UpstreamError{
			Message: "weather provider timed out",
			Err:     fmt.Errorf("%w: %w", client.ErrUnreachable, err),
		}
	}
	return err
}

// recordOutcome feeds provider health. A name the provider does not know is
// the caller's problem, not the provider's.
func (s *WeatherService) recordOutcome(err error) {
	if s.outcomes == nil {
		return
	}
	if err == nil || errors.Is(err, client.ErrLocationNotFound) {
		s.outcomes.RecordSuccess()
		return
	}
	s.outcomes.RecordError()
}

func fromRecord(rec models.CacheRecord, cached bool) models.WeatherResponse {
	return models.WeatherResponse{CityKey: rec.CityKey, Data: rec.Data, Cached: cached}
}

// categorizeCacheError returns a stable label for cache error metrics.
func categorizeCacheError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, cache.ErrContention):
		return "contention"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
