package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rbaliyan/eventbus/transport"
)

// TestBus creates a new bus configured for testing.
// The transport parameter is required - use channel.New() for in-memory testing.
// Has recovery/tracing/metrics disabled for simpler testing.
// Panics if transport is nil (test setup error).
//
// Example:
//
//	import "github.com/rbaliyan/eventbus/transport/channel"
//	bus := eventbus.TestBus(channel.New())
func TestBus(t transport.Transport, opts ...BusOption) *Bus {
	opts = append([]BusOption{
		WithTransport(t),
		WithRecovery(false),
		WithTracing(false),
		WithMetrics(false),
	}, opts...)
	bus, err := NewBus("test-bus", opts...)
	if err != nil {
		panic("eventbus.TestBus: " + err.Error())
	}
	return bus
}

// RecordedMessage represents a message that was published during a test
type RecordedMessage struct {
	Exchange  string
	Message   transport.Message
	Timestamp time.Time
}

// RecordingTransport wraps a transport and records all published messages.
// Useful for testing that events are published correctly.
type RecordingTransport struct {
	transport.Transport
	mu       sync.Mutex
	messages []RecordedMessage
}

// NewRecordingTransport creates a transport that records all published messages.
// It wraps the provided transport (which is required).
func NewRecordingTransport(t transport.Transport) *RecordingTransport {
	if t == nil {
		panic("eventbus: transport is required for NewRecordingTransport")
	}
	return &RecordingTransport{Transport: t}
}

// Publish records the message and delegates to the underlying transport
func (t *RecordingTransport) Publish(ctx context.Context, exchange string, msg transport.Message) error {
	t.mu.Lock()
	t.messages = append(t.messages, RecordedMessage{
		Exchange:  exchange,
		Message:   msg.Clone(),
		Timestamp: time.Now(),
	})
	t.mu.Unlock()

	return t.Transport.Publish(ctx, exchange, msg)
}

// QueueDepth delegates to the wrapped transport when it is a QueueInspector.
func (t *RecordingTransport) QueueDepth(ctx context.Context, queue string) (int, error) {
	qi, ok := t.Transport.(transport.QueueInspector)
	if !ok {
		return 0, errors.New("wrapped transport does not report queue depth")
	}
	return qi.QueueDepth(ctx, queue)
}

// Messages returns a copy of all recorded messages
func (t *RecordingTransport) Messages() []RecordedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]RecordedMessage, len(t.messages))
	copy(result, t.messages)
	return result
}

// MessagesFor returns recorded messages with the given routing key
func (t *RecordingTransport) MessagesFor(routingKey string) []RecordedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []RecordedMessage
	for _, m := range t.messages {
		if m.Message.RoutingKey == routingKey {
			result = append(result, m)
		}
	}
	return result
}

// Reset clears all recorded messages
func (t *RecordingTransport) Reset() {
	t.mu.Lock()
	t.messages = nil
	t.mu.Unlock()
}

// Count returns the number of recorded messages
func (t *RecordingTransport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// TestHandler is a helper for testing event handlers.
// It collects all events received by the handler for later assertions.
type TestHandler[E IntegrationEvent] struct {
	mu       sync.Mutex
	received []TestHandlerCall[E]
	handler  func(context.Context, E) error
}

// TestHandlerCall represents a single call to the test handler
type TestHandlerCall[E IntegrationEvent] struct {
	Scope *Scope
	Event E
	Err   error
	Time  time.Time
}

// NewTestHandler creates a new test handler.
// If handler is nil, every event is handled successfully.
func NewTestHandler[E IntegrationEvent](handler func(context.Context, E) error) *TestHandler[E] {
	return &TestHandler[E]{handler: handler}
}

// Factory returns the handler factory for use with RegisterHandler
func (h *TestHandler[E]) Factory() HandlerFactory[E] {
	return func(scope *Scope) (Handler[E], error) {
		return HandlerFunc[E](func(ctx context.Context, ev E) error {
			var err error
			if h.handler != nil {
				err = h.handler(ctx, ev)
			}

			h.mu.Lock()
			h.received = append(h.received, TestHandlerCall[E]{
				Scope: scope,
				Event: ev,
				Err:   err,
				Time:  time.Now(),
			})
			h.mu.Unlock()
			return err
		}), nil
	}
}

// Received returns a copy of all received calls
func (h *TestHandler[E]) Received() []TestHandlerCall[E] {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]TestHandlerCall[E], len(h.received))
	copy(result, h.received)
	return result
}

// Count returns the number of calls received
func (h *TestHandler[E]) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

// Last returns the last received call, or nil if none
func (h *TestHandler[E]) Last() *TestHandlerCall[E] {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.received) == 0 {
		return nil
	}
	call := h.received[len(h.received)-1]
	return &call
}

// Reset clears all received calls
func (h *TestHandler[E]) Reset() {
	h.mu.Lock()
	h.received = nil
	h.mu.Unlock()
}

// WaitFor waits until the handler has received at least n calls or timeout is reached.
// Returns true if the expected count was reached, false on timeout.
func (h *TestHandler[E]) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if h.Count() >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}
