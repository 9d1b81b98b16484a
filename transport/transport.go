// Package transport provides shared types and interfaces for broker implementations.
//
// The model is the one used by AMQP 0-9-1 brokers: messages are published to a
// named exchange with a routing key, exchanges route them to bound queues, and
// consumers receive deliveries from a queue and settle each one explicitly with
// Ack or Nack.
//
// Broker implementations (amqp, channel) import this package rather than the
// root eventbus package to avoid import cycles.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Transport errors
var (
	ErrTransportClosed     = errors.New("transport closed")
	ErrUnavailable         = errors.New("broker unavailable")
	ErrPreconditionFailed  = errors.New("precondition failed: resource exists with different properties")
	ErrNotFound            = errors.New("resource not found")
	ErrNotConfirmed        = errors.New("publish not confirmed by broker")
	ErrSubscriptionClosed  = errors.New("subscription closed")
	ErrAlreadyAcknowledged = errors.New("delivery already acknowledged")
)

// Exchange kinds
const (
	ExchangeTopic  = "topic"
	ExchangeDirect = "direct"
	ExchangeFanout = "fanout"
)

// DefaultExchange is the nameless exchange that routes a message to the queue
// whose name equals the routing key.
const DefaultExchange = ""

// Queue arguments understood by the brokers.
const (
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
	ArgMessageTTL           = "x-message-ttl"
)

// Headers a broker adds to a message when it dead-letters it.
const (
	HeaderFirstDeathQueue    = "x-first-death-queue"
	HeaderFirstDeathReason   = "x-first-death-reason"
	HeaderFirstDeathExchange = "x-first-death-exchange"
)

// Dead-letter reasons
const (
	DeathReasonRejected = "rejected"
	DeathReasonExpired  = "expired"
)

// ExchangeSpec describes an exchange to declare.
type ExchangeSpec struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
}

// QueueSpec describes a queue to declare.
type QueueSpec struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Args       map[string]any
}

// Binding routes messages published to Exchange with a matching RoutingKey into Queue.
// For topic exchanges RoutingKey is a pattern where "*" matches one word and
// "#" matches zero or more words.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Message is the broker-level envelope.
type Message struct {
	ID          string
	Exchange    string // set on delivery
	RoutingKey  string
	ContentType string
	Type        string
	Persistent  bool
	Timestamp   time.Time
	Headers     map[string]string
	Body        []byte
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	c := m
	if m.Headers != nil {
		c.Headers = maps.Clone(m.Headers)
	}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return c
}

// Delivery is a message handed to a consumer. It must be settled exactly once,
// by the goroutine that received it.
type Delivery interface {
	// Message returns the delivered envelope.
	Message() Message
	// Queue returns the queue the delivery came from.
	Queue() string
	// Redelivered reports whether the broker delivered this message before.
	Redelivered() bool
	// Ack removes the message from the queue.
	Ack() error
	// Nack settles the message negatively. With requeue false the broker
	// dead-letters the message if the queue has a dead-letter exchange,
	// otherwise drops it.
	Nack(requeue bool) error
}

// ConsumeOptions configures a consumer
type ConsumeOptions struct {
	// Prefetch bounds the number of unacknowledged deliveries held by the consumer.
	// Default: 1
	Prefetch int

	// ConsumerTag identifies the consumer on the broker. Generated when empty.
	ConsumerTag string

	// BufferSize overrides the deliveries channel buffer size.
	BufferSize int
}

// ConsumeOption is a functional option for configuring consumers
type ConsumeOption func(*ConsumeOptions)

// WithPrefetch sets the number of unacknowledged deliveries a consumer may hold.
func WithPrefetch(n int) ConsumeOption {
	return func(o *ConsumeOptions) {
		if n > 0 {
			o.Prefetch = n
		}
	}
}

// WithConsumerTag sets the consumer tag.
func WithConsumerTag(tag string) ConsumeOption {
	return func(o *ConsumeOptions) {
		o.ConsumerTag = tag
	}
}

// WithBufferSize sets the deliveries channel buffer size.
func WithBufferSize(size int) ConsumeOption {
	return func(o *ConsumeOptions) {
		if size >= 0 {
			o.BufferSize = size
		}
	}
}

// ApplyConsumeOptions applies functional options over the defaults.
func ApplyConsumeOptions(opts ...ConsumeOption) *ConsumeOptions {
	o := &ConsumeOptions{Prefetch: 1}
	for _, opt := range opts {
		opt(o)
	}
	if o.ConsumerTag == "" {
		o.ConsumerTag = "ctag-" + NewID()
	}
	return o
}

// Transport is a connection to a topic-routing broker.
type Transport interface {
	// DeclareExchange creates an exchange, or verifies that an existing one
	// has the same kind and durability. Returns ErrPreconditionFailed otherwise.
	DeclareExchange(ctx context.Context, spec ExchangeSpec) error

	// DeclareQueue creates a queue, or verifies that an existing one has the
	// same properties and arguments. Returns ErrPreconditionFailed otherwise.
	DeclareQueue(ctx context.Context, spec QueueSpec) error

	// BindQueue binds a queue to an exchange. Binding twice is a no-op.
	BindQueue(ctx context.Context, b Binding) error

	// Publish sends a message to an exchange using msg.RoutingKey.
	// It returns once the broker has accepted the message.
	// Returns ErrUnavailable when the broker cannot be reached.
	Publish(ctx context.Context, exchange string, msg Message) error

	// Consume starts a consumer on a queue with manual acknowledgment.
	Consume(ctx context.Context, queue string, opts ...ConsumeOption) (Subscription, error)

	// Close shuts down the transport and all consumers
	Close(ctx context.Context) error
}

// Subscription represents one consumer on one queue
type Subscription interface {
	// ID returns the consumer tag
	ID() string

	// Deliveries returns the channel to receive deliveries. It is closed when
	// the subscription ends.
	Deliveries() <-chan Delivery

	// Close cancels the consumer. Unsettled deliveries are returned to the queue.
	Close(ctx context.Context) error
}

// QueueInspector is an optional interface for transports that can report queue depth.
type QueueInspector interface {
	// QueueDepth returns the number of messages ready for delivery in a queue.
	QueueDepth(ctx context.Context, queue string) (int, error)
}

// HealthStatus represents the health state of a component
type HealthStatus string

const (
	// HealthStatusHealthy indicates the component is functioning normally
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded indicates the component is functioning but with issues
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy indicates the component is not functioning
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult contains detailed health information
type HealthCheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Latency   time.Duration  `json:"latency,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// IsHealthy returns true if the status is healthy
func (h *HealthCheckResult) IsHealthy() bool {
	return h.Status == HealthStatusHealthy
}

// HealthChecker is an optional interface that transports can implement
// for readiness probes.
type HealthChecker interface {
	Health(ctx context.Context) *HealthCheckResult
}

var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter adds randomness to a duration to prevent thundering herd.
// Returns a duration between d*(1-factor) and d*(1+factor).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}

// Backoff is a capped exponential backoff with jitter.
// The zero value starts at 100ms and caps at 30s.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	current time.Duration
}

// Next returns the jittered delay for the next attempt and doubles the base delay.
func (b *Backoff) Next() time.Duration {
	if b.Initial <= 0 {
		b.Initial = 100 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.current == 0 {
		b.current = b.Initial
	}
	d := Jitter(b.current, 0.3)
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return d
}

// Reset restarts the sequence at the initial delay.
func (b *Backoff) Reset() {
	b.current = 0
}

// Sleep waits for d or until ctx is done. Returns false if ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
