package dlq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

/*
Redis Schema:

- Sorted set: {prefix}index - message IDs scored by parked time (unix ms)
- String: {prefix}msg:{id} - msgpack-encoded Message
- Set: {prefix}by_queue:{queue} - message IDs by original queue
- Set: {prefix}retried - IDs of replayed messages
*/

// DefaultRedisPrefix is prepended to every DLQ key.
const DefaultRedisPrefix = "eventbus:dlq:"

// RedisStore is a Redis-based DLQ store shared by every process of a
// deployment.
type RedisStore struct {
	client      redis.Cmdable
	indexKey    string
	msgPrefix   string
	queuePrefix string
	retriedKey  string
}

// NewRedisStore creates a new Redis DLQ store
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return (&RedisStore{client: client}).WithKeyPrefix(DefaultRedisPrefix)
}

// WithKeyPrefix sets a custom key prefix
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.indexKey = prefix + "index"
	s.msgPrefix = prefix + "msg:"
	s.queuePrefix = prefix + "by_queue:"
	s.retriedKey = prefix + "retried"
	return s
}

func (s *RedisStore) Store(ctx context.Context, msg *Message) error {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.msgPrefix+msg.ID, data, 0)
		p.ZAdd(ctx, s.indexKey, redis.Z{Score: float64(msg.CreatedAt.UnixMilli()), Member: msg.ID})
		p.SAdd(ctx, s.queuePrefix+msg.Queue, msg.ID)
		if msg.RetriedAt != nil {
			p.SAdd(ctx, s.retriedKey, msg.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Message, error) {
	data, err := s.client.Get(ctx, s.msgPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return decodeMessage(data)
}

func decodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &msg, nil
}

// scan loads the messages parked within the filter's time range, oldest
// first, and applies the remaining criteria.
func (s *RedisStore) scan(ctx context.Context, filter Filter) ([]*Message, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !filter.StartTime.IsZero() {
		by.Min = strconv.FormatInt(filter.StartTime.UnixMilli(), 10)
	}
	if !filter.EndTime.IsZero() {
		by.Max = strconv.FormatInt(filter.EndTime.UnixMilli(), 10)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey, by).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.msgPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}

	var out []*Message
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// removed between the two reads
			continue
		}
		msg, err := decodeMessage([]byte(str))
		if err != nil {
			return nil, err
		}
		if filter.Match(msg) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	msgs, err := s.scan(ctx, filter)
	if err != nil {
		return nil, err
	}
	return filter.page(msgs), nil
}

func (s *RedisStore) Count(ctx context.Context, filter Filter) (int64, error) {
	switch {
	case filter == Filter{}:
		return s.client.ZCard(ctx, s.indexKey).Result()
	case filter == Filter{Queue: filter.Queue}:
		return s.client.SCard(ctx, s.queuePrefix+filter.Queue).Result()
	}
	msgs, err := s.scan(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(msgs)), nil
}

func (s *RedisStore) MarkRetried(ctx context.Context, id string) error {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	msg.RetriedAt = &now
	return s.Store(ctx, msg)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.remove(ctx, msg)
}

func (s *RedisStore) remove(ctx context.Context, msg *Message) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.msgPrefix+msg.ID)
		p.ZRem(ctx, s.indexKey, msg.ID)
		p.SRem(ctx, s.queuePrefix+msg.Queue, msg.ID)
		p.SRem(ctx, s.retriedKey, msg.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return s.DeleteByFilter(ctx, Filter{EndTime: time.Now().Add(-age)})
}

func (s *RedisStore) DeleteByFilter(ctx context.Context, filter Filter) (int64, error) {
	msgs, err := s.List(ctx, filter)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, msg := range msgs {
		if err := s.remove(ctx, msg); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	msgs, err := s.scan(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	return computeStats(msgs), nil
}

// Compile-time checks
var _ Store = (*RedisStore)(nil)
var _ StatsProvider = (*RedisStore)(nil)
