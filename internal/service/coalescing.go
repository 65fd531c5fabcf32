package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// refreshGroup coalesces concurrent refreshes of one key into a single call.
// The shared call runs on a context detached from whichever caller started
// it, so one caller giving up does not fail the others. Each caller still
// stops waiting on its own context or after waitTimeout.
type refreshGroup struct {
	group       singleflight.Group
	waitTimeout time.Duration
}

func newRefreshGroup(waitTimeout time.Duration) *refreshGroup {
	return &refreshGroup{waitTimeout: waitTimeout}
}

// do returns fn's result for key, running fn at most once among concurrent callers.
func (g *refreshGroup) do(ctx context.Context, key string, fn func(context.Context) (models.WeatherResponse, error)) (models.WeatherResponse, error) {
	detached := context.WithoutCancel(ctx)
	leader := false
	ch := g.group.DoChan(key, func() (any, error) {
		leader = true
		return fn(detached)
	})

	var timeout <-chan time.Time
	if g.waitTimeout > 0 {
		timer := time.NewTimer(g.waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		// leader was written before the result was sent on ch.
		if leader {
			observability.RequestCoalescingTotal.WithLabelValues("leader").Inc()
		} else {
			observability.RequestCoalescingTotal.WithLabelValues("waiter").Inc()
		}
		if res.Err != nil {
			return models.WeatherResponse{}, res.Err
		}
		return res.Val.(models.WeatherResponse), nil
	case <-ctx.Done():
		return models.WeatherResponse{}, ctx.Err()
	case <-timeout:
		return models.WeatherResponse{}, &client.UpstreamError{
			Message: "timed out waiting for weather provider",
			Err:     context.DeadlineExceeded,
		}
	}
}
