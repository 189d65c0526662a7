package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle spaces out operations against a single upstream, such as
// script downloads, so that consecutive calls are at least interval apart
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle creates a throttle allowing one operation per interval.
// A zero interval disables throttling.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next operation is allowed or ctx is done
func (t *Throttle) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Allow reports whether an operation may proceed now, consuming a token if so
func (t *Throttle) Allow() bool {
	return t.limiter.Allow()
}
