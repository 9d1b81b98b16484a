package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is prepended to every key written by RedisStore.
const DefaultRedisPrefix = "eventbus:processed:"

// RedisStore is a Store shared by every process consuming a queue, so a
// message handled by one replica is skipped when redelivered to another.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := idempotency.NewRedisStore(rdb, 24*time.Hour)
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedisStore creates a Redis-backed store remembering keys for ttl
// (DefaultTTL when ttl <= 0).
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		prefix: DefaultRedisPrefix,
	}
}

// WithPrefix sets the key prefix, for sharing a Redis database between services.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// IsDuplicate reports whether key exists.
func (s *RedisStore) IsDuplicate(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records key for the default TTL.
func (s *RedisStore) MarkProcessed(ctx context.Context, key string) error {
	return s.MarkProcessedWithTTL(ctx, key, s.ttl)
}

// MarkProcessedWithTTL records key for ttl.
func (s *RedisStore) MarkProcessedWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Compile-time check
var _ Store = (*RedisStore)(nil)
