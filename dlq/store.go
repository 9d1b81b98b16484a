// Package dlq keeps and replays dead-lettered messages.
//
// A message whose handler fails, whose body cannot be decoded, or which
// outlives the queue TTL is dead-lettered by the broker into the parking
// queue "{queue}.dlq". The Manager drains parking queues into a Store, where
// messages can be inspected, counted, deleted, and replayed to the queue they
// came from once the cause is fixed.
//
// # Usage
//
//	store := dlq.NewRedisStore(rdb)
//	manager := dlq.NewManager(store, t)
//
//	// park everything the bus dead-letters
//	go manager.Watch(ctx, bus.Topology().DeadLetterQueues()...)
//
//	// later, after fixing the mail server
//	n, err := manager.Replay(ctx, dlq.Filter{
//	    Queue:          "OrderCreatedEvent_SendConfirmationHandler",
//	    ExcludeRetried: true,
//	})
//
// Replay publishes to the broker's default exchange with the original queue
// name as routing key, so only the handler that failed sees the message
// again. The message keeps its id.
package dlq

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a stored message does not exist.
var ErrNotFound = errors.New("dlq message not found")

// Message is a dead-lettered message with the context of its failure.
type Message struct {
	ID          string            `msgpack:"id"`           // DLQ record id (generated)
	Queue       string            `msgpack:"queue"`        // queue the message was dead-lettered from
	Exchange    string            `msgpack:"exchange"`     // exchange it was originally published to
	EventName   string            `msgpack:"event"`        // event name (message type / routing key)
	MessageID   string            `msgpack:"message_id"`   // original message id, the event id
	ContentType string            `msgpack:"content_type"` // body encoding
	Body        []byte            `msgpack:"body"`
	Headers     map[string]string `msgpack:"headers"`
	Reason      string            `msgpack:"reason"` // "rejected" or "expired"
	PublishedAt time.Time         `msgpack:"published_at"`
	CreatedAt   time.Time         `msgpack:"created_at"` // when the message was parked
	RetriedAt   *time.Time        `msgpack:"retried_at"` // last replay, nil if never
}

// Filter specifies criteria for listing DLQ messages.
//
// All fields are optional. Empty filter matches all messages.
type Filter struct {
	Queue          string    // original queue (empty = all)
	EventName      string    // event name (empty = all)
	Reason         string    // dead-letter reason (empty = all)
	StartTime      time.Time // parked at or after (zero = no minimum)
	EndTime        time.Time // parked at or before (zero = no maximum)
	ExcludeRetried bool      // exclude already replayed messages
	Limit          int       // maximum results (0 = no limit)
	Offset         int       // offset for pagination
}

// Match reports whether msg satisfies every criterion except Limit and Offset.
func (f Filter) Match(msg *Message) bool {
	switch {
	case f.Queue != "" && msg.Queue != f.Queue:
		return false
	case f.EventName != "" && msg.EventName != f.EventName:
		return false
	case f.Reason != "" && msg.Reason != f.Reason:
		return false
	case !f.StartTime.IsZero() && msg.CreatedAt.Before(f.StartTime):
		return false
	case !f.EndTime.IsZero() && msg.CreatedAt.After(f.EndTime):
		return false
	case f.ExcludeRetried && msg.RetriedAt != nil:
		return false
	}
	return true
}

// page applies Offset and Limit to an ordered result.
func (f Filter) page(msgs []*Message) []*Message {
	if f.Offset >= len(msgs) {
		return nil
	}
	msgs = msgs[f.Offset:]
	if f.Limit > 0 && len(msgs) > f.Limit {
		msgs = msgs[:f.Limit]
	}
	return msgs
}

// Store persists dead-lettered messages.
//
// Implementations must be safe for concurrent use. List returns messages in
// the order they were parked.
type Store interface {
	Store(ctx context.Context, msg *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	List(ctx context.Context, filter Filter) ([]*Message, error)
	Count(ctx context.Context, filter Filter) (int64, error)
	MarkRetried(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
	DeleteByFilter(ctx context.Context, filter Filter) (int64, error)
}

// Stats provides DLQ statistics.
type Stats struct {
	TotalMessages    int64
	MessagesByQueue  map[string]int64
	MessagesByReason map[string]int64
	OldestMessage    *time.Time
	NewestMessage    *time.Time
	RetriedMessages  int64
	PendingMessages  int64
}

// StatsProvider is an optional interface for stores that compute statistics.
type StatsProvider interface {
	Stats(ctx context.Context) (*Stats, error)
}

func computeStats(msgs []*Message) *Stats {
	stats := &Stats{
		MessagesByQueue:  make(map[string]int64),
		MessagesByReason: make(map[string]int64),
	}
	for _, msg := range msgs {
		stats.TotalMessages++
		if msg.RetriedAt != nil {
			stats.RetriedMessages++
		} else {
			stats.PendingMessages++
		}
		stats.MessagesByQueue[msg.Queue]++
		stats.MessagesByReason[msg.Reason]++

		if stats.OldestMessage == nil || msg.CreatedAt.Before(*stats.OldestMessage) {
			t := msg.CreatedAt
			stats.OldestMessage = &t
		}
		if stats.NewestMessage == nil || msg.CreatedAt.After(*stats.NewestMessage) {
			t := msg.CreatedAt
			stats.NewestMessage = &t
		}
	}
	return stats
}
