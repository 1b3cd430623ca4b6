package invoker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxWait bounds how long Wait queues for a token.
const DefaultMaxWait = 5 * time.Second

// RateLimiter is a token bucket shared by every run of one remote API.
type RateLimiter struct {
	limiter *rate.Limiter
	maxWait time.Duration
}

// NewRateLimiter allows rps requests per second with bursts of up to burst.
func NewRateLimiter(rps, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = rps
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		maxWait: DefaultMaxWait,
	}
}

// Wait takes a token, giving up when ctx ends or no token frees up within
// the limiter's max wait.
func (r *RateLimiter) Wait(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, r.maxWait)
	defer cancel()
	if err := r.limiter.Wait(wctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("rate limit: no token within %s: %w", r.maxWait, err)
	}
	return nil
}
