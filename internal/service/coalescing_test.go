package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/models"
)

func TestRefreshGroup_ConcurrentCallersShareOneCall(t *testing.T) {
	g := newRefreshGroup(5 * time.Second)
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(context.Context) (models.WeatherResponse, error) {
		calls.Add(1)
		<-release
		return models.WeatherResponse{CityKey: "1248991"}, nil
	}

	var wg sync.WaitGroup
	results := make([]models.WeatherResponse, 10)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = g.do(context.Background(), "1248991", fn)
		}()
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("fn calls = %d, want 1", n)
	}
	for i, r := range results {
		if r.CityKey != "1248991" {
			t.Errorf("caller %d got %q", i, r.CityKey)
		}
	}
}

func TestRefreshGroup_ErrorPropagation(t *testing.T) {
	g := newRefreshGroup(time.Second)
	wantErr := errors.New("api failure")
	_, err := g.do(context.Background(), "k", func(context.Context) (models.WeatherResponse, error) {
		return models.WeatherResponse{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("do() error = %v, want %v", err, wantErr)
	}
}

// TestRefreshGroup_WaitTimeout: a caller stops waiting after waitTimeout and
// gets an upstream error with no status.
func TestRefreshGroup_WaitTimeout(t *testing.T) {
	g := newRefreshGroup(20 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	_, err := g.do(context.Background(), "k", func(context.Context) (models.WeatherResponse, error) {
		<-release
		return models.WeatherResponse{}, nil
	})
	var upErr *client.UpstreamError
	if !errors.As(err, &upErr) || upErr.StatusCode != 0 {
		t.Fatalf("do() error = %v, want UpstreamError with status 0", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error should wrap context.DeadlineExceeded, got %v", err)
	}
}

// TestRefreshGroup_SharedCallIgnoresCallerCancel: fn's context is not canceled with the caller's.
func TestRefreshGroup_SharedCallIgnoresCallerCancel(t *testing.T) {
	g := newRefreshGroup(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	fnCtxErr := make(chan error, 1)

	done := make(chan error, 1)
	go func() {
		_, err := g.do(ctx, "k", func(fnCtx context.Context) (models.WeatherResponse, error) {
			time.Sleep(30 * time.Millisecond)
			fnCtxErr <- fnCtx.Err()
			return models.WeatherResponse{}, nil
		})
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("do() error = %v, want context.Canceled", err)
	}
	if err := <-fnCtxErr; err != nil {
		t.Errorf("shared call context error = %v, want nil", err)
	}
}
