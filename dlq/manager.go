package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/eventbus/topology"
	"github.com/rbaliyan/eventbus/transport"
)

// Headers added to replayed messages.
const (
	HeaderReplay       = "x-dlq-replay"        // DLQ record id
	HeaderReplayReason = "x-dlq-replay-reason" // reason of the dead-lettering being replayed
)

// Manager moves messages between parking queues, the Store, and the queues
// they were dead-lettered from.
//
// Example:
//
//	manager := dlq.NewManager(dlq.NewMemoryStore(), t).WithLogger(logger)
//	go manager.Watch(ctx, "OrderCreatedEvent_SendConfirmationHandler.dlq")
//
//	stats, _ := manager.Stats(ctx)
//	fmt.Printf("Pending: %d\n", stats.PendingMessages)
type Manager struct {
	store     Store
	transport transport.Transport
	logger    *slog.Logger
	suffix    string
	prefetch  int
}

// NewManager creates a new DLQ manager. The transport is used to drain
// parking queues and to replay messages.
func NewManager(store Store, t transport.Transport) *Manager {
	return &Manager{
		store:     store,
		transport: t,
		logger:    slog.Default().With("component", "dlq>manager"),
		suffix:    topology.DefaultDeadLetterSuffix,
		prefetch:  10,
	}
}

// WithLogger sets a custom logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	if l != nil {
		m.logger = l.With("component", "dlq>manager")
	}
	return m
}

// WithSuffix sets the parking queue suffix used to recover the original
// queue name when a message carries no death headers.
func (m *Manager) WithSuffix(suffix string) *Manager {
	m.suffix = suffix
	return m
}

// WithPrefetch sets how many parked messages each watcher holds unsettled.
func (m *Manager) WithPrefetch(n int) *Manager {
	if n > 0 {
		m.prefetch = n
	}
	return m
}

// Watch drains the given parking queues into the store until ctx is done.
// A message is acknowledged only after it is stored; when the store fails
// the message is returned to its parking queue.
//
// Watch returns an error if a consumer cannot be started. Consumers already
// started are stopped before it returns.
func (m *Manager) Watch(ctx context.Context, queues ...string) error {
	if len(queues) == 0 {
		return errors.New("dlq: no queues to watch")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	for _, q := range queues {
		sub, err := m.transport.Consume(ctx, q,
			transport.WithPrefetch(m.prefetch),
			transport.WithConsumerTag("dlq-"+transport.NewID()))
		if err != nil {
			cancel()
			return fmt.Errorf("watch %q: %w", q, err)
		}
		m.logger.Info("watching parking queue", "queue", q)

		wg.Add(1)
		go func() {
			defer wg.Done()
			m.drain(ctx, q, sub)
		}()
	}

	<-ctx.Done()
	return nil
}

func (m *Manager) drain(ctx context.Context, queue string, sub transport.Subscription) {
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := sub.Close(cctx); err != nil {
			m.logger.Warn("closing parking queue consumer", "queue", queue, "error", err)
		}
	}()

	var backoff transport.Backoff
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.Deliveries():
			if !ok {
				return
			}
			if err := m.park(ctx, d); err != nil {
				m.logger.Error("failed to store DLQ message",
					"queue", queue,
					"msg_id", d.Message().ID,
					"error", err)
				if err := d.Nack(true); err != nil {
					m.logger.Warn("requeue failed", "queue", queue, "error", err)
				}
				if !transport.Sleep(ctx, backoff.Next()) {
					return
				}
				continue
			}
			backoff.Reset()
			if err := d.Ack(); err != nil {
				m.logger.Warn("ack failed", "queue", queue, "error", err)
			}
		}
	}
}

// park stores one delivery from a parking queue.
func (m *Manager) park(ctx context.Context, d transport.Delivery) error {
	msg := fromDelivery(d, m.suffix)
	if err := m.store.Store(ctx, msg); err != nil {
		return err
	}
	m.logger.Info("stored message in DLQ",
		"id", msg.ID,
		"queue", msg.Queue,
		"event", msg.EventName,
		"msg_id", msg.MessageID,
		"reason", msg.Reason)
	return nil
}

func fromDelivery(d transport.Delivery, suffix string) *Message {
	tm := d.Message()
	headers := maps.Clone(tm.Headers)
	if headers == nil {
		headers = make(map[string]string)
	}

	queue := headers[transport.HeaderFirstDeathQueue]
	if queue == "" {
		queue = strings.TrimSuffix(d.Queue(), suffix)
	}
	exchange, ok := headers[transport.HeaderFirstDeathExchange]
	if !ok {
		exchange = tm.Exchange
	}
	reason := headers[transport.HeaderFirstDeathReason]
	for _, h := range []string{
		transport.HeaderFirstDeathQueue,
		transport.HeaderFirstDeathReason,
		transport.HeaderFirstDeathExchange,
	} {
		delete(headers, h)
	}

	event := tm.Type
	if event == "" {
		event = tm.RoutingKey
	}

	return &Message{
		ID:          uuid.New().String(),
		Queue:       queue,
		Exchange:    exchange,
		EventName:   event,
		MessageID:   tm.ID,
		ContentType: tm.ContentType,
		Body:        tm.Body,
		Headers:     headers,
		Reason:      reason,
		PublishedAt: tm.Timestamp,
		CreatedAt:   time.Now(),
	}
}

// Get retrieves a single DLQ message
func (m *Manager) Get(ctx context.Context, id string) (*Message, error) {
	return m.store.Get(ctx, id)
}

// List returns DLQ messages matching the filter
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Message, error) {
	return m.store.List(ctx, filter)
}

// Count returns the number of messages matching the filter
func (m *Manager) Count(ctx context.Context, filter Filter) (int64, error) {
	return m.store.Count(ctx, filter)
}

// Replay republishes every stored message matching the filter to the queue
// it was dead-lettered from and marks it retried. A message that fails to
// publish is logged and skipped.
//
// Returns the number of replayed messages.
func (m *Manager) Replay(ctx context.Context, filter Filter) (int, error) {
	messages, err := m.store.List(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("list messages: %w", err)
	}

	replayed := 0
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := m.replayMessage(ctx, msg); err != nil {
			m.logger.Error("failed to replay message",
				"id", msg.ID,
				"queue", msg.Queue,
				"error", err)
			continue
		}

		if err := m.store.MarkRetried(ctx, msg.ID); err != nil {
			m.logger.Error("failed to mark message as retried",
				"id", msg.ID,
				"error", err)
		}

		replayed++
	}

	m.logger.Info("replayed DLQ messages",
		"total", len(messages),
		"replayed", replayed)

	return replayed, nil
}

// ReplaySingle replays a single DLQ message by ID
func (m *Manager) ReplaySingle(ctx context.Context, id string) error {
	msg, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}

	if err := m.replayMessage(ctx, msg); err != nil {
		return fmt.Errorf("replay message: %w", err)
	}

	if err := m.store.MarkRetried(ctx, id); err != nil {
		return fmt.Errorf("mark retried: %w", err)
	}

	m.logger.Info("replayed single DLQ message",
		"id", id,
		"queue", msg.Queue,
		"msg_id", msg.MessageID)

	return nil
}

// replayMessage publishes through the default exchange, which routes by
// queue name, so no other subscriber of the event sees it again.
func (m *Manager) replayMessage(ctx context.Context, msg *Message) error {
	if msg.Queue == "" {
		return fmt.Errorf("message %s has no origin queue", msg.ID)
	}

	headers := maps.Clone(msg.Headers)
	if headers == nil {
		headers = make(map[string]string)
	}
	headers[HeaderReplay] = msg.ID
	headers[HeaderReplayReason] = msg.Reason

	return m.transport.Publish(ctx, transport.DefaultExchange, transport.Message{
		ID:          msg.MessageID,
		RoutingKey:  msg.Queue,
		ContentType: msg.ContentType,
		Type:        msg.EventName,
		Persistent:  true,
		Timestamp:   msg.PublishedAt,
		Headers:     headers,
		Body:        msg.Body,
	})
}

// Delete removes a message from the DLQ
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// DeleteByFilter removes messages matching the filter
func (m *Manager) DeleteByFilter(ctx context.Context, filter Filter) (int64, error) {
	return m.store.DeleteByFilter(ctx, filter)
}

// Cleanup removes messages older than the specified age
func (m *Manager) Cleanup(ctx context.Context, age time.Duration) (int64, error) {
	deleted, err := m.store.DeleteOlderThan(ctx, age)
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		m.logger.Info("cleaned up old DLQ messages",
			"deleted", deleted,
			"older_than", age)
	}

	return deleted, nil
}

// Stats returns DLQ statistics if the store supports it
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	if sp, ok := m.store.(StatsProvider); ok {
		return sp.Stats(ctx)
	}

	// Fallback: compute basic stats
	total, err := m.store.Count(ctx, Filter{})
	if err != nil {
		return nil, err
	}

	pending, err := m.store.Count(ctx, Filter{ExcludeRetried: true})
	if err != nil {
		return nil, err
	}

	return &Stats{
		TotalMessages:   total,
		PendingMessages: pending,
		RetriedMessages: total - pending,
	}, nil
}
