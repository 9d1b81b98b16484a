package amqp

import (
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Default configuration
var (
	DefaultHeartbeat      = 10 * time.Second
	DefaultDialTimeout    = 5 * time.Second
	DefaultConfirmTimeout = 5 * time.Second
	DefaultReconnectMin   = 500 * time.Millisecond
	DefaultReconnectMax   = 30 * time.Second
)

// Option configures the AMQP transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l.With("component", "transport>amqp")
		}
	}
}

// WithConnectionName sets the connection name shown in the broker UI.
func WithConnectionName(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.config.Properties.SetClientConnectionName(name)
		}
	}
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker.
func WithHeartbeat(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.config.Heartbeat = d
		}
	}
}

// WithDialTimeout bounds the TCP connect and handshake of every dial.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.config.Dial = amqp.DefaultDial(d)
		}
	}
}

// WithConfirmTimeout sets how long Publish waits for the broker to confirm
// a message before returning ErrNotConfirmed.
func WithConfirmTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.confirmTimeout = d
		}
	}
}

// WithReconnectBackoff sets the delay bounds between reconnect attempts.
// Delays double from lo up to hi, with jitter.
func WithReconnectBackoff(lo, hi time.Duration) Option {
	return func(t *Transport) {
		if lo > 0 {
			t.reconnectMin = lo
		}
		if hi >= t.reconnectMin {
			t.reconnectMax = hi
		}
	}
}

func defaultConfig() amqp.Config {
	return amqp.Config{
		Heartbeat:  DefaultHeartbeat,
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(DefaultDialTimeout),
		Properties: amqp.NewConnectionProperties(),
	}
}
