package client

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"
)

func BenchmarkClient_BuildRequest(b *testing.B) {
	c, _ := NewOpenWeatherClient(testAPIKey, "https://api.openweathermap.org/data/2.5/weather", 2*time.Second)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		params := url.Values{}
		params.Set("id", "1248991")
		_, _ = c.buildRequest(ctx, params)
	}
}

func BenchmarkClient_ExtractCityKey(b *testing.B) {
	body := []byte(colomboBody)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = extractCityKey(body)
	}
}

func BenchmarkCategorizeError(b *testing.B) {
	err := unreachable(errors.New("dial tcp 10.0.0.1:443: i/o timeout"))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = CategorizeError(err)
	}
}
