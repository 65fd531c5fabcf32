package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kjstillabower/city-weather-service/internal/models"
)

// ErrEmptyKey is returned by Upsert for a record without a city key.
var ErrEmptyKey = errors.New("empty city key")

// Store persists one CacheRecord per city key. Expiry is logical: the caller
// compares CachedAt against its freshness window, stores never delete.
//
// Get returns (record, true, nil) on hit and (zero, false, nil) on miss.
// Upsert replaces payload and timestamp together. A record whose CachedAt is
// older than the stored one is ignored, so CachedAt never moves backwards.
type Store interface {
	Get(ctx context.Context, key string) (models.CacheRecord, bool, error)
	Upsert(ctx context.Context, rec models.CacheRecord) error
}

// Pinger is implemented by stores backed by a network or file resource.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreError wraps any failure of the backing store.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Key: key, Err: err}
}

// InMemoryStore implements Store with a mutex-guarded map. Safe for concurrent use.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]models.CacheRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string]models.CacheRecord),
	}
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (models.CacheRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.CacheRecord{}, false, storeErr("get", key, err)
	}
	s.mu.RLock()
	rec, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return models.CacheRecord{}, false, nil
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return rec, true, nil
}

func (s *InMemoryStore) Upsert(ctx context.Context, rec models.CacheRecord) error {
	if rec.CityKey == "" {
		return storeErr("upsert", rec.CityKey, ErrEmptyKey)
	}
	if err := ctx.Err(); err != nil {
		return storeErr("upsert", rec.CityKey, err)
	}
	rec.Data = append([]byte(nil), rec.Data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.data[rec.CityKey]; ok && cur.CachedAt.After(rec.CachedAt) {
		return nil
	}
	s.data[rec.CityKey] = rec
	return nil
}

// Len returns the number of stored records.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
