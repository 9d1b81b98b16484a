// Package topology owns the broker-side layout used by the event bus.
//
// Every integration event is published to one durable topic exchange with the
// event type name as routing key. Each (event, handler) pair gets its own
// durable queue named "{Event}_{Handler}", bound to the exchange by the event
// type name, so two handlers of the same event each receive every message while
// several processes running the same handler share one queue.
//
// Failed messages are dead-lettered to a direct exchange and parked in a
// "{queue}.dlq" queue, bound with the source queue name as routing key.
//
// All declarations are idempotent: declaring the same layout again is a no-op,
// and declaring it with different properties fails with ErrConflict.
package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rbaliyan/eventbus/transport"
)

// Defaults
const (
	DefaultExchange           = "event_bus"
	DefaultDeadLetterExchange = "event_bus_dlx"
	DefaultMessageTTL         = 30 * time.Second
	DefaultDeadLetterSuffix   = ".dlq"
)

// Errors
var (
	// ErrConflict indicates that an exchange or queue exists with properties
	// incompatible with the requested declaration.
	ErrConflict = errors.New("topology conflict")

	ErrInvalidBinding = errors.New("invalid binding: event and handler names are required")
)

// QueueSeparator joins the event and handler names of a queue. Event names
// must not contain it, so every queue name maps back to one binding.
const QueueSeparator = "_"

// Binding identifies one durable queue: one event type consumed by one handler type.
type Binding struct {
	Event   string
	Handler string
}

// QueueName returns "{Event}_{Handler}".
func (b Binding) QueueName() string {
	return b.Event + QueueSeparator + b.Handler
}

func (b Binding) String() string {
	return b.QueueName()
}

func (b Binding) validate() error {
	if strings.TrimSpace(b.Event) == "" || strings.TrimSpace(b.Handler) == "" {
		return fmt.Errorf("%w: %+v", ErrInvalidBinding, b)
	}
	if strings.Contains(b.Event, QueueSeparator) {
		return fmt.Errorf("%w: event %q contains %q", ErrInvalidBinding, b.Event, QueueSeparator)
	}
	return nil
}

// Manager declares exchanges, queues and bindings on a transport.
type Manager struct {
	transport  transport.Transport
	exchange   string
	dlx        string
	ttl        time.Duration
	dlqSuffix  string
	deadLetter bool
	logger     *slog.Logger

	mu       sync.Mutex
	exReady  bool
	declared map[string]bool
}

// New creates a topology manager.
func New(t transport.Transport, opts ...Option) *Manager {
	o := newOptions(opts...)
	return &Manager{
		transport:  t,
		exchange:   o.exchange,
		dlx:        o.dlx,
		ttl:        o.ttl,
		dlqSuffix:  o.dlqSuffix,
		deadLetter: o.deadLetter,
		logger:     o.logger,
		declared:   make(map[string]bool),
	}
}

// Exchange returns the name of the event exchange.
func (m *Manager) Exchange() string { return m.exchange }

// DeadLetterExchange returns the name of the dead-letter exchange, or "" when
// dead-lettering is disabled.
func (m *Manager) DeadLetterExchange() string {
	if !m.deadLetter {
		return ""
	}
	return m.dlx
}

// MessageTTL returns the queue message TTL.
func (m *Manager) MessageTTL() time.Duration { return m.ttl }

// QueueName returns the queue name for a binding.
func (m *Manager) QueueName(b Binding) string {
	return b.QueueName()
}

// DeadLetterQueueName returns the parking queue name for a binding's queue.
func (m *Manager) DeadLetterQueueName(b Binding) string {
	return b.QueueName() + m.dlqSuffix
}

// QueueSpec returns the declaration used for a binding's queue.
func (m *Manager) QueueSpec(b Binding) transport.QueueSpec {
	args := map[string]any{}
	if m.deadLetter {
		args[transport.ArgDeadLetterExchange] = m.dlx
		args[transport.ArgDeadLetterRoutingKey] = b.QueueName()
	}
	if m.ttl > 0 {
		args[transport.ArgMessageTTL] = m.ttl.Milliseconds()
	}
	return transport.QueueSpec{
		Name:       b.QueueName(),
		Durable:    true,
		Exclusive:  false,
		AutoDelete: false,
		Args:       args,
	}
}

// EnsureExchange declares the event exchange and, when enabled, the dead-letter exchange.
func (m *Manager) EnsureExchange(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureExchangeLocked(ctx)
}

func (m *Manager) ensureExchangeLocked(ctx context.Context) error {
	if m.exReady {
		return nil
	}
	err := m.transport.DeclareExchange(ctx, transport.ExchangeSpec{
		Name:    m.exchange,
		Kind:    transport.ExchangeTopic,
		Durable: true,
	})
	if err != nil {
		return wrap(err, "declare exchange %q", m.exchange)
	}
	if m.deadLetter {
		err = m.transport.DeclareExchange(ctx, transport.ExchangeSpec{
			Name:    m.dlx,
			Kind:    transport.ExchangeDirect,
			Durable: true,
		})
		if err != nil {
			return wrap(err, "declare dead-letter exchange %q", m.dlx)
		}
	}
	m.exReady = true
	m.logger.Debug("exchanges ready", "exchange", m.exchange, "dlx", m.DeadLetterExchange())
	return nil
}

// EnsureQueue declares the binding's queue and its bindings, plus the
// dead-letter parking queue. It returns the queue name.
func (m *Manager) EnsureQueue(ctx context.Context, b Binding) (string, error) {
	if err := b.validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureExchangeLocked(ctx); err != nil {
		return "", err
	}

	name := b.QueueName()
	if m.declared[name] {
		return name, nil
	}

	if m.deadLetter {
		dlq := m.DeadLetterQueueName(b)
		if err := m.transport.DeclareQueue(ctx, transport.QueueSpec{Name: dlq, Durable: true}); err != nil {
			return "", wrap(err, "declare dead-letter queue %q", dlq)
		}
		if err := m.transport.BindQueue(ctx, transport.Binding{Queue: dlq, Exchange: m.dlx, RoutingKey: name}); err != nil {
			return "", wrap(err, "bind dead-letter queue %q", dlq)
		}
	}

	if err := m.transport.DeclareQueue(ctx, m.QueueSpec(b)); err != nil {
		return "", wrap(err, "declare queue %q", name)
	}
	if err := m.transport.BindQueue(ctx, transport.Binding{Queue: name, Exchange: m.exchange, RoutingKey: b.Event}); err != nil {
		return "", wrap(err, "bind queue %q", name)
	}

	m.declared[name] = true
	m.logger.Info("queue ready", "queue", name, "routing_key", b.Event, "ttl", m.ttl)
	return name, nil
}

// DeadLetterQueues returns the parking queues of all bindings declared so far.
func (m *Manager) DeadLetterQueues() []string {
	if !m.deadLetter {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.declared))
	for name := range m.declared {
		out = append(out, name+m.dlqSuffix)
	}
	return out
}

func wrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, transport.ErrPreconditionFailed) {
		return fmt.Errorf("%w: %s: %w", ErrConflict, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
