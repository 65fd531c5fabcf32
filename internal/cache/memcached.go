package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/city-weather-service/internal/models"
)

const (
	keyPrefix = "weather:"

	// maxCASAttempts bounds the optimistic retry loop in Upsert.
	maxCASAttempts = 8
)

// ErrContention means a memcached upsert lost every compare-and-swap race.
var ErrContention = errors.New("upsert contention")

// MemcachedStore implements Store on memcached. Records are JSON envelopes;
// upserts go through Add/CompareAndSwap so a newer record is never overwritten.
type MemcachedStore struct {
	client    *memcache.Client
	retention time.Duration
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). retention is the
// physical TTL given to items; freshness is decided by the caller.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int, retention time.Duration) *MemcachedStore {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client, retention: retention}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedStore) key(k string) string {
	return keyPrefix + k
}

func (c *MemcachedStore) expiration() int32 {
	const maxRelativeExp = 30 * 24 * 60 * 60 // 30 days
	sec := int32(c.retention.Seconds())
	if sec <= 0 || sec > maxRelativeExp {
		return 24 * 60 * 60
	}
	return sec
}

func (c *MemcachedStore) Get(ctx context.Context, key string) (models.CacheRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.CacheRecord{}, false, storeErr("get", key, err)
	}
	item, err := c.client.Get(c.key(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return models.CacheRecord{}, false, nil
	}
	if err != nil {
		return models.CacheRecord{}, false, storeErr("get", key, err)
	}
	var rec models.CacheRecord
	if err := json.Unmarshal(item.Value, &rec); err != nil {
		return models.CacheRecord{}, false, storeErr("get", key, fmt.Errorf("decode record: %w", err))
	}
	return rec, true, nil
}

func (c *MemcachedStore) Upsert(ctx context.Context, rec models.CacheRecord) error {
	if rec.CityKey == "" {
		return storeErr("upsert", rec.CityKey, ErrEmptyKey)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return storeErr("upsert", rec.CityKey, fmt.Errorf("encode record: %w", err))
	}
	k := c.key(rec.CityKey)

	for range maxCASAttempts {
		if err := ctx.Err(); err != nil {
			return storeErr("upsert", rec.CityKey, err)
		}

		item, err := c.client.Get(k)
		if errors.Is(err, memcache.ErrCacheMiss) {
			err = c.client.Add(&memcache.Item{Key: k, Value: raw, Expiration: c.expiration()})
			if errors.Is(err, memcache.ErrNotStored) {
				continue // someone else added it first
			}
			return storeErr("upsert", rec.CityKey, err)
		}
		if err != nil {
			return storeErr("upsert", rec.CityKey, err)
		}

		var cur models.CacheRecord
		if json.Unmarshal(item.Value, &cur) == nil && cur.CachedAt.After(rec.CachedAt) {
			return nil
		}
		item.Value = raw
		item.Expiration = c.expiration()
		err = c.client.CompareAndSwap(item)
		if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrNotStored) {
			continue
		}
		return storeErr("upsert", rec.CityKey, err)
	}
	return storeErr("upsert", rec.CityKey, ErrContention)
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedStore) Close() error {
	return c.client.Close()
}
