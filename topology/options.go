package topology

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/eventbus/transport"
)

type options struct {
	exchange   string
	dlx        string
	ttl        time.Duration
	dlqSuffix  string
	deadLetter bool
	logger     *slog.Logger
}

// Option configures a Manager
type Option func(*options)

// WithExchange sets the event exchange name. Default: "event_bus".
func WithExchange(name string) Option {
	return func(o *options) {
		if name != "" {
			o.exchange = name
		}
	}
}

// WithDeadLetterExchange sets the dead-letter exchange name. Default: "event_bus_dlx".
func WithDeadLetterExchange(name string) Option {
	return func(o *options) {
		if name != "" {
			o.dlx = name
		}
	}
}

// WithMessageTTL sets the queue message TTL. Zero disables expiry.
func WithMessageTTL(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.ttl = d
		}
	}
}

// WithDeadLetterSuffix sets the suffix appended to a queue name for its parking queue.
func WithDeadLetterSuffix(s string) Option {
	return func(o *options) {
		if s != "" {
			o.dlqSuffix = s
		}
	}
}

// WithDeadLettering enables or disables dead-letter routing. Enabled by default.
func WithDeadLettering(enabled bool) Option {
	return func(o *options) {
		o.deadLetter = enabled
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		exchange:   DefaultExchange,
		dlx:        DefaultDeadLetterExchange,
		ttl:        DefaultMessageTTL,
		dlqSuffix:  DefaultDeadLetterSuffix,
		deadLetter: true,
		logger:     transport.Logger("topology"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
