package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window selects how RedisLimiter counts events.
type Window int

const (
	// FixedWindow counts events with INCR on a key expiring every window.
	// Cheap, but allows up to twice the limit across a window boundary.
	FixedWindow Window = iota
	// SlidingWindow keeps one sorted-set member per event and counts the
	// members younger than the window.
	SlidingWindow
)

// DefaultRedisPrefix is prepended to limiter keys.
const DefaultRedisPrefix = "eventbus:ratelimit:"

var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	return 0
end
return 1
`)

var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// RedisLimiter allows limit events per window across every process sharing
// the key. Typical keys are queue names, so competing consumers of one
// queue share one budget.
//
// When Redis cannot be reached the limiter lets events through.
type RedisLimiter struct {
	client redis.Cmdable
	key    string
	limit  int
	window time.Duration
	kind   Window
	logger *slog.Logger
}

// NewRedisLimiter creates a fixed-window limiter of limit events per window.
func NewRedisLimiter(client redis.Cmdable, key string, limit int, window time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{
		client: client,
		key:    DefaultRedisPrefix + key,
		limit:  limit,
		window: window,
		kind:   FixedWindow,
		logger: slog.Default().With("component", "ratelimit>redis"),
	}
}

// NewSlidingWindowLimiter creates a sliding-window limiter.
func NewSlidingWindowLimiter(client redis.Cmdable, key string, limit int, window time.Duration) *RedisLimiter {
	l := NewRedisLimiter(client, key, limit, window)
	l.kind = SlidingWindow
	l.key = DefaultRedisPrefix + "sliding:" + key
	return l
}

// Key returns the Redis key holding the limiter state.
func (r *RedisLimiter) Key() string { return r.key }

// Allow reports whether an event may happen now.
func (r *RedisLimiter) Allow(ctx context.Context) bool {
	ok, err := r.try(ctx)
	if err != nil {
		r.logger.Warn("rate limiter unavailable, allowing", "key", r.key, "error", err)
		return true
	}
	return ok
}

func (r *RedisLimiter) try(ctx context.Context) (bool, error) {
	var res int
	var err error
	switch r.kind {
	case SlidingWindow:
		now := time.Now()
		member := strconv.FormatInt(now.UnixNano(), 10)
		res, err = slidingWindowScript.Run(ctx, r.client, []string{r.key},
			now.Add(-r.window).UnixMicro(),
			r.limit,
			now.UnixMicro(),
			member,
			r.window.Milliseconds(),
		).Int()
	default:
		res, err = fixedWindowScript.Run(ctx, r.client, []string{r.key},
			r.limit, r.window.Milliseconds()).Int()
	}
	if err != nil {
		return false, fmt.Errorf("redis script: %w", err)
	}
	return res == 1, nil
}

// Wait polls until an event is allowed or ctx is done. The poll interval is
// the average spacing of events, window/limit.
func (r *RedisLimiter) Wait(ctx context.Context) error {
	interval := r.window / time.Duration(r.limit)
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.Allow(ctx) {
			return nil
		}
		timer.Reset(interval)
	}
}

// Remaining returns how many events the current window still allows.
func (r *RedisLimiter) Remaining(ctx context.Context) (int, error) {
	var used int64
	var err error
	switch r.kind {
	case SlidingWindow:
		from := strconv.FormatInt(time.Now().Add(-r.window).UnixMicro(), 10)
		used, err = r.client.ZCount(ctx, r.key, from, "+inf").Result()
	default:
		used, err = r.client.Get(ctx, r.key).Int64()
		if errors.Is(err, redis.Nil) {
			return r.limit, nil
		}
	}
	if err != nil {
		return 0, fmt.Errorf("redis: %w", err)
	}
	return max(r.limit-int(used), 0), nil
}

// Reset clears the limiter state.
func (r *RedisLimiter) Reset(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

// Compile-time check
var _ Limiter = (*RedisLimiter)(nil)
