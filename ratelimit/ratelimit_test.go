package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()

	t.Run("burst then exhausted", func(t *testing.T) {
		limiter := NewTokenBucket(1, 3)
		for i := 0; i < 3; i++ {
			if !limiter.Allow(ctx) {
				t.Errorf("expected Allow at iteration %d", i)
			}
		}
		if limiter.Allow(ctx) {
			t.Error("expected bucket to be exhausted")
		}
	})

	t.Run("wait for refill", func(t *testing.T) {
		limiter := NewTokenBucket(100, 1)
		limiter.Allow(ctx)

		wctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		if err := limiter.Wait(wctx); err != nil {
			t.Errorf("Wait failed: %v", err)
		}
	})

	t.Run("wait respects cancellation", func(t *testing.T) {
		limiter := NewTokenBucket(0.1, 1)
		limiter.Allow(ctx)

		wctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if err := limiter.Wait(wctx); err == nil {
			t.Error("expected error when the wait outlasts the context")
		}
	})
}

func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("keys", func(t *testing.T) {
		rdb := unreachableRedis(t)
		if got := NewRedisLimiter(rdb, "Orders_Audit", 10, time.Second).Key(); got != DefaultRedisPrefix+"Orders_Audit" {
			t.Errorf("unexpected fixed key %q", got)
		}
		if got := NewSlidingWindowLimiter(rdb, "Orders_Audit", 10, time.Second).Key(); got != DefaultRedisPrefix+"sliding:Orders_Audit" {
			t.Errorf("unexpected sliding key %q", got)
		}
	})

	t.Run("fails open when redis is down", func(t *testing.T) {
		rdb := unreachableRedis(t)
		for _, l := range []*RedisLimiter{
			NewRedisLimiter(rdb, "q", 1, time.Second),
			NewSlidingWindowLimiter(rdb, "q", 1, time.Second),
		} {
			if !l.Allow(ctx) {
				t.Error("expected Allow when redis is unreachable")
			}
			if err := l.Wait(ctx); err != nil {
				t.Errorf("expected Wait to pass, got %v", err)
			}
			if _, err := l.Remaining(ctx); err == nil {
				t.Error("expected Remaining to report the redis error")
			}
		}
	})

	t.Run("wait respects cancellation", func(t *testing.T) {
		l := NewRedisLimiter(unreachableRedis(t), "q", 1, time.Second)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if err := l.Wait(cctx); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}
