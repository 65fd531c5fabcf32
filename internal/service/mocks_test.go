package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kjstillabower/city-weather-service/internal/cache"
	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/events"
	"github.com/kjstillabower/city-weather-service/internal/models"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func payloadFor(key, name string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%s,"name":%q,"main":{"temp":21.5}}`, key, name))
}

// mockWeatherClient serves known cities by id and by lowercased name.
type mockWeatherClient struct {
	names map[string]string // lowercased name -> key
	err   error
	gate  chan struct{} // when set, GetByID blocks until closed

	idCalls   atomic.Int32
	nameCalls atomic.Int32
}

func newMockClient() *mockWeatherClient {
	return &mockWeatherClient{names: map[string]string{
		"colombo": "1248991",
		"tokyo":   "1850147",
		"paris":   "2988507",
	}}
}

func (m *mockWeatherClient) nameFor(key string) string {
	for n, k := range m.names {
		if k == key {
			return strings.ToUpper(n[:1]) + n[1:]
		}
	}
	return "Somewhere"
}

func (m *mockWeatherClient) GetByID(ctx context.Context, cityKey string) (client.Result, error) {
	m.idCalls.Add(1)
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return client.Result{}, ctx.Err()
		}
	}
	if m.err != nil {
		return client.Result{}, m.err
	}
	return client.Result{CityKey: cityKey, Payload: payloadFor(cityKey, m.nameFor(cityKey))}, nil
}

func (m *mockWeatherClient) GetByName(ctx context.Context, name string) (client.Result, error) {
	m.nameCalls.Add(1)
	if m.err != nil {
		return client.Result{}, m.err
	}
	key, ok := m.names[strings.ToLower(name)]
	if !ok {
		return client.Result{}, &client.UpstreamError{StatusCode: 404, Message: "city not found", Err: client.ErrLocationNotFound}
	}
	return client.Result{CityKey: key, Payload: payloadFor(key, m.nameFor(key))}, nil
}

// faultyStore wraps an in-memory store with injectable failures.
type faultyStore struct {
	*cache.InMemoryStore
	getErr    error
	upsertErr error
	upserts   atomic.Int32
}

func newFaultyStore() *faultyStore {
	return &faultyStore{InMemoryStore: cache.NewInMemoryStore()}
}

func (f *faultyStore) Get(ctx context.Context, key string) (models.CacheRecord, bool, error) {
	if f.getErr != nil {
		return models.CacheRecord{}, false, &cache.StoreError{Op: "get", Key: key, Err: f.getErr}
	}
	return f.InMemoryStore.Get(ctx, key)
}

func (f *faultyStore) Upsert(ctx context.Context, rec models.CacheRecord) error {
	f.upserts.Add(1)
	if f.upsertErr != nil {
		return &cache.StoreError{Op: "upsert", Key: rec.CityKey, Err: f.upsertErr}
	}
	return f.InMemoryStore.Upsert(ctx, rec)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.RefreshEvent
}

func (p *recordingPublisher) PublishRefresh(_ context.Context, ev events.RefreshEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }
