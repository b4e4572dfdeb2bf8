package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket whose rate drops when the downstream service
// reports throttling and climbs back to the configured rate as calls succeed.
type RateLimiter struct {
	mu      sync.Mutex // serializes rate adjustments
	limiter *rate.Limiter
	base    rate.Limit
	floor   rate.Limit
}

// NewRateLimiter creates a RateLimiter allowing rps requests per second with
// bursts of up to burst requests. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	base := rate.Limit(rps)
	if rps <= 0 {
		base = rate.Inf
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(base, burst),
		base:    base,
		floor:   base / 16,
	}
}

// Wait blocks until the rate limiter allows an event or the context is canceled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// Throttle halves the current rate, never going below a sixteenth of the
// configured one.
func (rl *RateLimiter) Throttle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.base == rate.Inf {
		return
	}
	rl.limiter.SetLimit(max(rl.limiter.Limit()/2, rl.floor))
}

// Recover raises the current rate by a tenth of the configured rate, up to
// the configured rate.
func (rl *RateLimiter) Recover() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cur := rl.limiter.Limit()
	if cur >= rl.base {
		return
	}
	rl.limiter.SetLimit(min(cur+rl.base/10, rl.base))
}

// Limit reports the current rate in requests per second.
func (rl *RateLimiter) Limit() float64 {
	return float64(rl.limiter.Limit())
}
