// Package idempotency tracks which deliveries a queue has already handled.
//
// Brokers deliver at least once: a message is redelivered when a consumer
// disconnects before acknowledging, and a producer may publish the same event
// twice. Every event carries a stable id, so a consumer can recognise a
// repeat by the pair (queue, message id).
//
// The bus uses a Store through the WithIdempotency subscribe option:
//
//	store := idempotency.NewRedisStore(rdb, 24*time.Hour)
//	sub, err := eventbus.Subscribe[OrderCreated](ctx, bus, "SendConfirmationHandler",
//	    eventbus.WithIdempotency(store))
//
// The check is read-only. A key is recorded only after the handler
// succeeded, so a message whose consumer died mid-handling is handled again
// when the broker redelivers it, and a failed message replayed from the
// dead-letter queue is handled again too.
//
// Keys are scoped to a queue: two handlers of the same event each see the
// message once.
package idempotency

import (
	"context"
	"time"
)

// DefaultTTL is how long processed keys are remembered when no TTL is given.
const DefaultTTL = 24 * time.Hour

// Store records processed message keys.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Store interface {
	// IsDuplicate reports whether key was recorded as processed and has not
	// expired. It never records key.
	IsDuplicate(ctx context.Context, key string) (bool, error)

	// MarkProcessed records key as handled for the store's TTL.
	MarkProcessed(ctx context.Context, key string) error

	// MarkProcessedWithTTL records key as handled for ttl.
	MarkProcessedWithTTL(ctx context.Context, key string, ttl time.Duration) error
}

// Key builds the store key of a message consumed from queue.
func Key(queue, messageID string) string {
	return queue + ":" + messageID
}
