package events

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultTopic receives one record per successful cache refresh.
const DefaultTopic = "weather-updates"

// RefreshEvent announces that a city's cache record was replaced with fresh
// provider data.
type RefreshEvent struct {
	CityKey  string          `json:"cityKey"`
	CityName string          `json:"cityName,omitempty"`
	CachedAt time.Time       `json:"cachedAt"`
	Payload  json.RawMessage `json:"payload"`
}

// Publisher delivers refresh events. PublishRefresh must not block on the
// broker; delivery failures are reported asynchronously.
type Publisher interface {
	PublishRefresh(ctx context.Context, ev RefreshEvent) error
	Close() error
}

// NopPublisher drops every event. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishRefresh(context.Context, RefreshEvent) error { return nil }

func (NopPublisher) Close() error { return nil }
