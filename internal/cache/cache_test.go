package cache

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/city-weather-service/internal/models"
)

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func record(key string, payload string, at time.Time) models.CacheRecord {
	return models.CacheRecord{CityKey: key, Data: json.RawMessage(payload), CachedAt: at}
}

// storeFactories lists every backend that runs without an external server.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"in_memory": func(*testing.T) Store { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStore_UpsertThenGet(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			want := record("1248991", `{"id":1248991,"name":"Colombo"}`, baseTime)
			if err := s.Upsert(ctx, want); err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}
			got, ok, err := s.Get(ctx, "1248991")
			if err != nil || !ok {
				t.Fatalf("Get() = _, %v, %v; want hit", ok, err)
			}
			if string(got.Data) != string(want.Data) {
				t.Errorf("Data = %s, want %s", got.Data, want.Data)
			}
			if !got.CachedAt.Equal(want.CachedAt) {
				t.Errorf("CachedAt = %v, want %v", got.CachedAt, want.CachedAt)
			}
			if got.CityKey != "1248991" {
				t.Errorf("CityKey = %q", got.CityKey)
			}
		})
	}
}

func TestStore_Get_Miss(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			_, ok, err := newStore(t).Get(context.Background(), "42")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if ok {
				t.Error("Get() ok = true, want false for miss")
			}
		})
	}
}

// TestStore_Upsert_Monotonic verifies one record per key and that CachedAt never moves backwards.
func TestStore_Upsert_Monotonic(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			newer := record("1850147", `{"v":2}`, baseTime.Add(time.Minute))
			older := record("1850147", `{"v":1}`, baseTime)
			if err := s.Upsert(ctx, newer); err != nil {
				t.Fatalf("Upsert(newer) error = %v", err)
			}
			if err := s.Upsert(ctx, older); err != nil {
				t.Fatalf("Upsert(older) error = %v", err)
			}
			got, _, _ := s.Get(ctx, "1850147")
			if string(got.Data) != `{"v":2}` || !got.CachedAt.Equal(newer.CachedAt) {
				t.Errorf("record = %s @ %v, want newer record kept", got.Data, got.CachedAt)
			}

			newest := record("1850147", `{"v":3}`, baseTime.Add(2*time.Minute))
			if err := s.Upsert(ctx, newest); err != nil {
				t.Fatalf("Upsert(newest) error = %v", err)
			}
			got, _, _ = s.Get(ctx, "1850147")
			if string(got.Data) != `{"v":3}` {
				t.Errorf("Data = %s, want {\"v\":3}", got.Data)
			}
		})
	}
}

// TestStore_Upsert_Concurrent verifies payload and timestamp stay paired under concurrent writers.
func TestStore_Upsert_Concurrent(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			var wg sync.WaitGroup
			for i := range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					at := baseTime.Add(time.Duration(i) * time.Second)
					payload, _ := json.Marshal(map[string]int64{"at": at.Unix()})
					if err := s.Upsert(ctx, models.CacheRecord{CityKey: "2644210", Data: payload, CachedAt: at}); err != nil {
						t.Errorf("Upsert() error = %v", err)
					}
				}()
			}
			wg.Wait()

			got, ok, err := s.Get(ctx, "2644210")
			if err != nil || !ok {
				t.Fatalf("Get() = _, %v, %v", ok, err)
			}
			var body map[string]int64
			if err := json.Unmarshal(got.Data, &body); err != nil {
				t.Fatalf("stored payload corrupt: %v", err)
			}
			if body["at"] != got.CachedAt.Unix() {
				t.Errorf("payload at=%d does not match CachedAt %v", body["at"], got.CachedAt)
			}
			if want := baseTime.Add(19 * time.Second); !got.CachedAt.Equal(want) {
				t.Errorf("CachedAt = %v, want latest %v", got.CachedAt, want)
			}
		})
	}
}

func TestStore_Upsert_EmptyKey(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			err := newStore(t).Upsert(context.Background(), record("", `{}`, baseTime))
			var storeErr *StoreError
			if !errors.As(err, &storeErr) || !errors.Is(err, ErrEmptyKey) {
				t.Errorf("Upsert(empty key) error = %v, want StoreError wrapping ErrEmptyKey", err)
			}
		})
	}
}

func TestInMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewInMemoryStore()

	_, _, err := s.Get(ctx, "1")
	var storeErr *StoreError
	if !errors.As(err, &storeErr) || storeErr.Op != "get" {
		t.Errorf("Get() error = %v, want StoreError op=get", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Get() error = %v, want context.Canceled", err)
	}
}

func TestInMemoryStore_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	_ = s.Upsert(ctx, record("1", `{"a":1}`, baseTime))

	got, _, _ := s.Get(ctx, "1")
	got.Data[0] = 'X'

	again, _, _ := s.Get(ctx, "1")
	if string(again.Data) != `{"a":1}` {
		t.Errorf("stored data mutated through returned slice: %s", again.Data)
	}
}

func TestStoreError_Message(t *testing.T) {
	err := &StoreError{Op: "get", Key: "1248991", Err: errors.New("connection refused")}
	if got, want := err.Error(), "cache get 1248991: connection refused"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
