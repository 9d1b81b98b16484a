// Package ratelimit throttles message handling.
//
// A subscription given a limiter with eventbus.WithLimiter waits on it before
// every delivery. While it waits the message stays unacknowledged, so with a
// prefetch of one the broker holds the rest of the queue back.
//
// Two kinds of limiter are provided:
//   - TokenBucket: in-process, golang.org/x/time/rate
//   - RedisLimiter: shared by every process consuming a queue, fixed or
//     sliding window kept in Redis
//
// Example:
//
//	// at most 50 confirmation emails per second from this process
//	limiter := ratelimit.NewTokenBucket(50, 5)
//	sub, err := eventbus.Subscribe[OrderCreated](ctx, bus, "SendConfirmationHandler",
//	    eventbus.WithLimiter(limiter))
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter is the interface for rate limiters.
//
// All implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether an event may happen now, consuming a permit if so.
	Allow(ctx context.Context) bool

	// Wait blocks until an event is allowed or ctx is done.
	Wait(ctx context.Context) error
}

// TokenBucket implements a local token bucket rate limiter.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a token bucket adding rps tokens per second and
// holding at most burst.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Allow consumes a token if one is available.
func (t *TokenBucket) Allow(ctx context.Context) bool {
	return t.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Compile-time check
var _ Limiter = (*TokenBucket)(nil)
