// Package channel provides an in-process broker implementing transport.Transport.
//
// It reproduces the AMQP 0-9-1 semantics the event bus relies on:
//
//   - direct, fanout and topic exchanges plus the nameless default exchange
//   - durable queue declaration with argument checking (406 on mismatch)
//   - x-dead-letter-exchange, x-dead-letter-routing-key and x-message-ttl
//   - manual acknowledgment with per-consumer prefetch
//   - competing consumers on one queue, served round-robin
//
// Nothing is persisted: messages are lost when the process exits. Use it for
// tests and single-process development, and the amqp transport in production.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/eventbus/transport"
	"github.com/rbaliyan/eventbus/transport/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Transport is an in-memory broker
type Transport struct {
	status    int32
	available atomic.Bool
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	tag       uint64
	logger    *slog.Logger
	closedCh  chan struct{}
	wg        sync.WaitGroup

	unroutable metric.Int64Counter
}

type exchange struct {
	spec     transport.ExchangeSpec
	bindings []transport.Binding
}

type queue struct {
	spec      transport.QueueSpec
	ttl       time.Duration
	dlx       string
	dlxKey    string
	hasDLKey  bool
	ready     []*entry
	consumers []*consumer
	next      int
}

type entry struct {
	msg         transport.Message
	enqueuedAt  time.Time
	redelivered bool
}

type consumer struct {
	tag      string
	q        *queue
	prefetch int
	ch       chan transport.Delivery
	unacked  map[uint64]*entry
	closed   bool
	closedCh chan struct{}
	t        *Transport
}

// New creates a new in-memory broker.
func New(opts ...Option) *Transport {
	o := newOptions(opts...)

	meter := otel.Meter("eventbus.transport.channel")
	unroutable, _ := meter.Int64Counter("eventbus.transport.channel.unroutable",
		metric.WithDescription("Messages published with no matching queue"),
		metric.WithUnit("{message}"),
	)

	t := &Transport{
		status:     1,
		exchanges:  make(map[string]*exchange),
		queues:     make(map[string]*queue),
		logger:     o.logger,
		closedCh:   make(chan struct{}),
		unroutable: unroutable,
	}
	t.available.Store(true)

	if o.expiryInterval > 0 {
		t.wg.Add(1)
		go t.expireLoop(o.expiryInterval)
	}
	return t
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// SetAvailable simulates losing (false) or regaining (true) the broker.
// While unavailable, declarations, publishes and new consumers fail with
// transport.ErrUnavailable. Existing consumers keep their deliveries.
func (t *Transport) SetAvailable(ok bool) {
	t.available.Store(ok)
}

func (t *Transport) check() error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if !t.available.Load() {
		return transport.ErrUnavailable
	}
	return nil
}

// DeclareExchange creates or verifies an exchange
func (t *Transport) DeclareExchange(ctx context.Context, spec transport.ExchangeSpec) error {
	if err := t.check(); err != nil {
		return err
	}
	if spec.Name == "" {
		return fmt.Errorf("%w: cannot redeclare the default exchange", transport.ErrPreconditionFailed)
	}
	switch spec.Kind {
	case transport.ExchangeTopic, transport.ExchangeDirect, transport.ExchangeFanout:
	default:
		return fmt.Errorf("unsupported exchange kind %q", spec.Kind)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if ex, ok := t.exchanges[spec.Name]; ok {
		if ex.spec != spec {
			return fmt.Errorf("%w: exchange %q declared as %+v, requested %+v",
				transport.ErrPreconditionFailed, spec.Name, ex.spec, spec)
		}
		return nil
	}
	t.exchanges[spec.Name] = &exchange{spec: spec}
	t.logger.Debug("declared exchange", "exchange", spec.Name, "kind", spec.Kind)
	return nil
}

// DeclareQueue creates or verifies a queue
func (t *Transport) DeclareQueue(ctx context.Context, spec transport.QueueSpec) error {
	if err := t.check(); err != nil {
		return err
	}
	if spec.Name == "" {
		return fmt.Errorf("queue name is required")
	}

	args := normalizeArgs(spec.Args)
	spec.Args = args

	t.mu.Lock()
	defer t.mu.Unlock()

	if q, ok := t.queues[spec.Name]; ok {
		if !sameQueueSpec(q.spec, spec) {
			return fmt.Errorf("%w: queue %q declared with %+v, requested %+v",
				transport.ErrPreconditionFailed, spec.Name, q.spec, spec)
		}
		return nil
	}

	q := &queue{spec: spec}
	if v, ok := args[transport.ArgMessageTTL].(int64); ok && v > 0 {
		q.ttl = time.Duration(v) * time.Millisecond
	}
	if v, ok := args[transport.ArgDeadLetterExchange].(string); ok {
		q.dlx = v
	}
	if v, ok := args[transport.ArgDeadLetterRoutingKey].(string); ok {
		q.dlxKey = v
		q.hasDLKey = true
	}
	t.queues[spec.Name] = q
	t.logger.Debug("declared queue", "queue", spec.Name, "ttl", q.ttl, "dlx", q.dlx)
	return nil
}

// BindQueue binds a queue to an exchange
func (t *Transport) BindQueue(ctx context.Context, b transport.Binding) error {
	if err := t.check(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ex, ok := t.exchanges[b.Exchange]
	if !ok {
		return fmt.Errorf("%w: exchange %q", transport.ErrNotFound, b.Exchange)
	}
	if _, ok := t.queues[b.Queue]; !ok {
		return fmt.Errorf("%w: queue %q", transport.ErrNotFound, b.Queue)
	}
	for _, existing := range ex.bindings {
		if existing == b {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, b)
	return nil
}

// Publish routes a message through an exchange
func (t *Transport) Publish(ctx context.Context, exchangeName string, msg transport.Message) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if exchangeName != transport.DefaultExchange {
		if _, ok := t.exchanges[exchangeName]; !ok {
			return fmt.Errorf("%w: exchange %q", transport.ErrNotFound, exchangeName)
		}
	}

	msg = msg.Clone()
	msg.Exchange = exchangeName
	if n := t.routeLocked(exchangeName, msg); n == 0 {
		t.unroutable.Add(ctx, 1, metric.WithAttributes(attribute.String("exchange", exchangeName)))
		t.logger.Debug("message unroutable", "exchange", exchangeName, "routing_key", msg.RoutingKey, "msg_id", msg.ID)
	}
	return nil
}

// routeLocked enqueues msg on every matching queue and returns the number of queues.
func (t *Transport) routeLocked(exchangeName string, msg transport.Message) int {
	var targets []*queue
	if exchangeName == transport.DefaultExchange {
		if q, ok := t.queues[msg.RoutingKey]; ok {
			targets = append(targets, q)
		}
	} else if ex, ok := t.exchanges[exchangeName]; ok {
		seen := make(map[string]bool)
		for _, b := range ex.bindings {
			if seen[b.Queue] || !bindingMatches(ex.spec.Kind, b.RoutingKey, msg.RoutingKey) {
				continue
			}
			if q, ok := t.queues[b.Queue]; ok {
				seen[b.Queue] = true
				targets = append(targets, q)
			}
		}
	}

	now := time.Now()
	for _, q := range targets {
		q.ready = append(q.ready, &entry{msg: msg.Clone(), enqueuedAt: now})
		t.dispatchLocked(q)
	}
	return len(targets)
}

// deadLetterLocked republishes an entry to the queue's dead-letter exchange, if any.
func (t *Transport) deadLetterLocked(q *queue, e *entry, reason string) {
	if q.dlx == "" {
		t.logger.Debug("message dropped", "queue", q.spec.Name, "reason", reason, "msg_id", e.msg.ID)
		return
	}
	msg := e.msg.Clone()
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	if _, ok := msg.Headers[transport.HeaderFirstDeathQueue]; !ok {
		msg.Headers[transport.HeaderFirstDeathQueue] = q.spec.Name
		msg.Headers[transport.HeaderFirstDeathReason] = reason
		msg.Headers[transport.HeaderFirstDeathExchange] = msg.Exchange
	}
	if q.hasDLKey {
		msg.RoutingKey = q.dlxKey
	}
	msg.Exchange = q.dlx
	if t.routeLocked(q.dlx, msg) == 0 {
		t.logger.Warn("dead-lettered message unroutable", "queue", q.spec.Name, "dlx", q.dlx, "msg_id", msg.ID)
	}
}

// expireLocked dead-letters ready messages older than the queue TTL.
func (t *Transport) expireLocked(q *queue, now time.Time) {
	if q.ttl <= 0 || len(q.ready) == 0 {
		return
	}
	kept := q.ready[:0]
	var expired []*entry
	for _, e := range q.ready {
		if now.Sub(e.enqueuedAt) >= q.ttl {
			expired = append(expired, e)
			continue
		}
		kept = append(kept, e)
	}
	q.ready = kept
	for _, e := range expired {
		t.deadLetterLocked(q, e, transport.DeathReasonExpired)
	}
}

// dispatchLocked hands ready messages to consumers with spare prefetch capacity.
// Sends never block: a consumer channel has capacity for its whole prefetch window.
func (t *Transport) dispatchLocked(q *queue) {
	t.expireLocked(q, time.Now())
	for len(q.ready) > 0 {
		c := q.nextConsumer()
		if c == nil {
			return
		}
		e := q.ready[0]
		q.ready = q.ready[1:]

		t.tag++
		tag := t.tag
		c.unacked[tag] = e
		c.ch <- message.NewDelivery(e.msg.Clone(), q.spec.Name, e.redelivered, func(ack, requeue bool) error {
			return t.settle(c, tag, ack, requeue)
		})
	}
}

func (q *queue) nextConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if len(c.unacked) < c.prefetch {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

func (t *Transport) settle(c *consumer, tag uint64, ack, requeue bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if c.closed {
		return transport.ErrSubscriptionClosed
	}
	e, ok := c.unacked[tag]
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(c.unacked, tag)

	switch {
	case ack:
	case requeue:
		e.redelivered = true
		q := c.q
		q.ready = append([]*entry{e}, q.ready...)
	default:
		t.deadLetterLocked(c.q, e, transport.DeathReasonRejected)
	}
	t.dispatchLocked(c.q)
	return nil
}

// Consume starts a consumer on a queue
func (t *Transport) Consume(ctx context.Context, queueName string, opts ...transport.ConsumeOption) (transport.Subscription, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	o := transport.ApplyConsumeOptions(opts...)

	t.mu.Lock()
	q, ok := t.queues[queueName]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: queue %q", transport.ErrNotFound, queueName)
	}
	c := &consumer{
		tag:      o.ConsumerTag,
		q:        q,
		prefetch: o.Prefetch,
		ch:       make(chan transport.Delivery, o.Prefetch),
		unacked:  make(map[uint64]*entry),
		closedCh: make(chan struct{}),
		t:        t,
	}
	q.consumers = append(q.consumers, c)
	t.dispatchLocked(q)
	t.mu.Unlock()

	t.logger.Debug("consumer started", "queue", queueName, "consumer", c.tag)

	go func() {
		select {
		case <-ctx.Done():
			c.Close(context.Background())
		case <-c.closedCh:
		}
	}()

	return c, nil
}

func (c *consumer) ID() string {
	return c.tag
}

func (c *consumer) Deliveries() <-chan transport.Delivery {
	return c.ch
}

// Close cancels the consumer and requeues its unsettled deliveries.
func (c *consumer) Close(ctx context.Context) error {
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeConsumerLocked(c)
	return nil
}

func (t *Transport) closeConsumerLocked(c *consumer) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.closedCh)
	close(c.ch)

	q := c.q
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}

	if len(c.unacked) > 0 {
		tags := slices.Sorted(maps.Keys(c.unacked))
		returned := make([]*entry, 0, len(tags))
		for _, tag := range tags {
			e := c.unacked[tag]
			e.redelivered = true
			returned = append(returned, e)
		}
		q.ready = append(returned, q.ready...)
		c.unacked = nil
	}
	if t.isOpen() {
		t.dispatchLocked(q)
	}
}

// QueueDepth returns the number of ready messages in a queue.
func (t *Transport) QueueDepth(ctx context.Context, queueName string) (int, error) {
	if !t.isOpen() {
		return 0, transport.ErrTransportClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[queueName]
	if !ok {
		return 0, fmt.Errorf("%w: queue %q", transport.ErrNotFound, queueName)
	}
	t.expireLocked(q, time.Now())
	return len(q.ready), nil
}

// Unacknowledged returns the number of delivered but unsettled messages in a queue.
func (t *Transport) Unacknowledged(queueName string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[queueName]
	if !ok {
		return 0
	}
	n := 0
	for _, c := range q.consumers {
		n += len(c.unacked)
	}
	return n
}

// Consumers returns the number of active consumers on a queue.
func (t *Transport) Consumers(queueName string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if q, ok := t.queues[queueName]; ok {
		return len(q.consumers)
	}
	return 0
}

// Queues returns the names of all declared queues.
func (t *Transport) Queues() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.queues))
	for name := range t.queues {
		names = append(names, name)
	}
	return names
}

// Health reports the broker state
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "channel"},
	}

	switch {
	case !t.isOpen():
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
	case !t.available.Load():
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "broker unavailable"
	default:
		t.mu.Lock()
		result.Details["exchanges"] = len(t.exchanges)
		result.Details["queues"] = len(t.queues)
		t.mu.Unlock()
		result.Status = transport.HealthStatusHealthy
		result.Message = "channel transport is healthy"
	}
	result.Latency = time.Since(start)
	return result
}

// Close shuts down the broker and all consumers
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	close(t.closedCh)

	t.mu.Lock()
	for _, q := range t.queues {
		for _, c := range append([]*consumer(nil), q.consumers...) {
			t.closeConsumerLocked(c)
		}
	}
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Debug("transport closed")
	return nil
}

func (t *Transport) expireLoop(interval time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closedCh:
			return
		case now := <-ticker.C:
			t.mu.Lock()
			for _, q := range t.queues {
				t.expireLocked(q, now)
			}
			t.mu.Unlock()
		}
	}
}

func bindingMatches(kind, pattern, key string) bool {
	switch kind {
	case transport.ExchangeFanout:
		return true
	case transport.ExchangeDirect:
		return pattern == key
	default:
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	}
}

// topicMatch implements AMQP topic matching: "*" is exactly one word, "#" zero or more.
func topicMatch(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if topicMatch(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && topicMatch(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && topicMatch(pattern[1:], key[1:])
	}
}

// Compile-time checks
var _ transport.Transport = (*Transport)(nil)
var _ transport.QueueInspector = (*Transport)(nil)
var _ transport.HealthChecker = (*Transport)(nil)
var _ transport.Subscription = (*consumer)(nil)
