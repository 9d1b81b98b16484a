package eventbus

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/eventbus/idempotency"
	"github.com/rbaliyan/eventbus/payload"
	"github.com/rbaliyan/eventbus/ratelimit"
	"github.com/rbaliyan/eventbus/topology"
	"github.com/rbaliyan/eventbus/transport"
)

// DefaultPrefetch is the number of unacknowledged messages a subscription
// holds at a time. One message in flight per consumer keeps handling
// sequential within a process.
const DefaultPrefetch = 1

// busConfig bus configuration
type busConfig struct {
	transport       transport.Transport
	logger          *slog.Logger
	codec           payload.Codec
	topology        []topology.Option
	tracingEnabled  bool
	metricsEnabled  bool
	recoveryEnabled bool
}

func newBusConfig() *busConfig {
	return &busConfig{
		codec:           payload.Default(),
		tracingEnabled:  true,
		metricsEnabled:  true,
		recoveryEnabled: true,
	}
}

// BusOption configures a Bus.
type BusOption func(*busConfig)

// WithTransport sets the broker transport. Required.
func WithTransport(t transport.Transport) BusOption {
	return func(c *busConfig) {
		if t != nil {
			c.transport = t
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) BusOption {
	return func(c *busConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCodec sets the codec used to encode published events. Consumers always
// decode by the content type on the message.
func WithCodec(codec payload.Codec) BusOption {
	return func(c *busConfig) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithTopology configures exchange names, message TTL and dead-lettering.
func WithTopology(opts ...topology.Option) BusOption {
	return func(c *busConfig) {
		c.topology = append(c.topology, opts...)
	}
}

// WithTracing enable/disable tracing
func WithTracing(v bool) BusOption {
	return func(c *busConfig) {
		c.tracingEnabled = v
	}
}

// WithMetrics enable/disable metrics
func WithMetrics(v bool) BusOption {
	return func(c *busConfig) {
		c.metricsEnabled = v
	}
}

// WithRecovery enable/disable handler panic recovery.
// Recovery should always be enabled, can be disabled for testing.
func WithRecovery(v bool) BusOption {
	return func(c *busConfig) {
		c.recoveryEnabled = v
	}
}

// subscribeConfig per-subscription configuration
type subscribeConfig struct {
	prefetch    int
	timeout     time.Duration
	limiter     ratelimit.Limiter
	idempotency idempotency.Store
}

func newSubscribeConfig() *subscribeConfig {
	return &subscribeConfig{prefetch: DefaultPrefetch}
}

// SubscribeOption configures a Subscription.
type SubscribeOption func(*subscribeConfig)

// WithHandlerTimeout bounds each handler invocation. A handler that does not
// return before the deadline fails and its message is dead-lettered.
// Zero disables the timeout.
func WithHandlerTimeout(d time.Duration) SubscribeOption {
	return func(c *subscribeConfig) {
		if d >= 0 {
			c.timeout = d
		}
	}
}

// WithLimiter throttles handler invocations. The limiter is waited on before
// each message is handled.
func WithLimiter(l ratelimit.Limiter) SubscribeOption {
	return func(c *subscribeConfig) {
		c.limiter = l
	}
}

// WithIdempotency skips messages whose id was already handled successfully
// on this queue. Duplicates are acknowledged without invoking the handler.
func WithIdempotency(s idempotency.Store) SubscribeOption {
	return func(c *subscribeConfig) {
		c.idempotency = s
	}
}

// WithPrefetch sets how many unacknowledged messages the broker may push to
// this subscription.
func WithPrefetch(n int) SubscribeOption {
	return func(c *subscribeConfig) {
		if n > 0 {
			c.prefetch = n
		}
	}
}
