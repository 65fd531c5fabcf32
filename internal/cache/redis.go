package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kjstillabower/city-weather-service/internal/models"
)

// upsertScript writes data and cached_at together unless the stored record is
// newer. cached_at is unix microseconds, which Lua numbers hold exactly.
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'cached_at')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'cached_at', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// RedisStore implements Store with one hash per city key.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore connects using a redis:// URL.
func NewRedisStore(rawURL string, retention time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opt), retention: retention}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func (s *RedisStore) Get(ctx context.Context, key string) (models.CacheRecord, bool, error) {
	vals, err := s.client.HMGet(ctx, keyPrefix+key, "data", "cached_at").Result()
	if err != nil {
		return models.CacheRecord{}, false, storeErr("get", key, err)
	}
	data, okData := vals[0].(string)
	ts, okTS := vals[1].(string)
	if !okData || !okTS {
		return models.CacheRecord{}, false, nil
	}
	micros, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return models.CacheRecord{}, false, storeErr("get", key, fmt.Errorf("decode cached_at: %w", err))
	}
	return models.CacheRecord{
		CityKey:  key,
		Data:     []byte(data),
		CachedAt: time.UnixMicro(micros).UTC(),
	}, true, nil
}

func (s *RedisStore) Upsert(ctx context.Context, rec models.CacheRecord) error {
	if rec.CityKey == "" {
		return storeErr("upsert", rec.CityKey, ErrEmptyKey)
	}
	err := upsertScript.Run(ctx, s.client,
		[]string{keyPrefix + rec.CityKey},
		string(rec.Data), rec.CachedAt.UnixMicro(), s.retention.Milliseconds(),
	).Err()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	return storeErr("upsert", rec.CityKey, err)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
