package channel

import (
	"log/slog"
	"maps"
	"reflect"
	"time"

	"github.com/rbaliyan/eventbus/transport"
)

// DefaultExpiryInterval is how often queues are swept for messages past their TTL.
var DefaultExpiryInterval = 50 * time.Millisecond

type options struct {
	expiryInterval time.Duration
	logger         *slog.Logger
}

// Option configures the channel transport
type Option func(*options)

// WithExpiryInterval sets how often queues are swept for expired messages.
// Zero disables the sweeper; expiry then only happens on dispatch.
func WithExpiryInterval(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.expiryInterval = d
		}
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
		expiryInterval: DefaultExpiryInterval,
		logger:         transport.Logger("transport>channel"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// normalizeArgs converts numeric queue arguments to int64 so that
// declarations using different integer types compare equal.
func normalizeArgs(args map[string]any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := maps.Clone(args)
	for k, v := range out {
		switch n := v.(type) {
		case int:
			out[k] = int64(n)
		case int8:
			out[k] = int64(n)
		case int16:
			out[k] = int64(n)
		case int32:
			out[k] = int64(n)
		case uint16:
			out[k] = int64(n)
		case uint32:
			out[k] = int64(n)
		case time.Duration:
			out[k] = n.Milliseconds()
		}
	}
	return out
}

func sameQueueSpec(a, b transport.QueueSpec) bool {
	if a.Durable != b.Durable || a.Exclusive != b.Exclusive || a.AutoDelete != b.AutoDelete {
		return false
	}
	if len(a.Args) == 0 && len(b.Args) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Args, b.Args)
}
