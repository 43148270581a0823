// Package ratelimit throttles a connection's command rate (spec §4.6,
// "one token bucket per connection, blocking rather than rejecting").
// Only the blocking Wait path has a caller in this tree; the rest of the
// surface this was adapted from (non-blocking Allow, a per-minute
// secondary bucket, an HTTP client wrapper) never got a second caller
// here and was trimmed rather than carried as dead weight.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 100, Burst: 200}
}

// RateLimiter blocks a connection's command loop to its configured rate
// rather than rejecting bursts outright.
type RateLimiter struct {
	limiter *rate.Limiter
}

func New(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
}

// Wait blocks until the limiter has a token to spend, or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
