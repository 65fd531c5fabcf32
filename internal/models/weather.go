package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// CacheRecord is the single persisted entry per city. Data holds the provider
// response exactly as returned; CachedAt is the time of the last successful refresh.
type CacheRecord struct {
	CityKey  string          `json:"cityKey"`
	Data     json.RawMessage `json:"data"`
	CachedAt time.Time       `json:"cachedAt"`
}

// Age returns how long ago the record was refreshed, relative to now.
func (r CacheRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CachedAt)
}

// FreshAt reports whether the record is still inside the freshness window at now.
func (r CacheRecord) FreshAt(now time.Time, window time.Duration) bool {
	return now.Sub(r.CachedAt) < window
}

// WeatherResponse is what callers receive: the provider payload plus whether
// it was served from cache.
type WeatherResponse struct {
	CityKey string
	Data    json.RawMessage
	Cached  bool
}

// MarshalJSON emits the provider object with a top-level "cached" field added.
func (w WeatherResponse) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if len(w.Data) > 0 {
		if err := json.Unmarshal(w.Data, &fields); err != nil {
			return nil, fmt.Errorf("payload is not a JSON object: %w", err)
		}
	}
	cached, _ := json.Marshal(w.Cached)
	fields["cached"] = cached
	return json.Marshal(fields)
}

// City is one entry of the static city catalog.
type City struct {
	CityCode    int64  `json:"CityCode"`
	CityName    string `json:"CityName"`
	CountryCode string `json:"CountryCode,omitempty"`
}

// Key returns the canonical cache key for the city.
func (c City) Key() string {
	return fmt.Sprintf("%d", c.CityCode)
}

// WeatherSummary is a typed view over the provider fields this service relies on.
type WeatherSummary struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Sys  struct {
		Country string `json:"country"`
		Sunrise int64  `json:"sunrise"`
		Sunset  int64  `json:"sunset"`
	} `json:"sys"`
	Main struct {
		Temp     float64 `json:"temp"`
		TempMin  float64 `json:"temp_min"`
		TempMax  float64 `json:"temp_max"`
		Pressure int     `json:"pressure"`
		Humidity int     `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Main string `json:"main"`
		Icon string `json:"icon"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
		Deg   int     `json:"deg"`
	} `json:"wind"`
	Visibility int `json:"visibility"`
}

// ParseSummary decodes the fields of interest from a provider payload.
func ParseSummary(data json.RawMessage) (WeatherSummary, error) {
	var s WeatherSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return WeatherSummary{}, fmt.Errorf("parse weather payload: %w", err)
	}
	return s, nil
}
