package eventbus

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"
)

type contextKey int

const scopeContextKey contextKey = iota

// Scope is the per-delivery context. A new Scope is created for every message,
// handed to the handler factory, and released after the message is settled.
type Scope struct {
	MessageID   string
	EventName   string
	HandlerName string
	Queue       string
	Redelivered bool
	ReceivedAt  time.Time
	Headers     map[string]string
	Logger      *slog.Logger

	mu       sync.Mutex
	values   map[any]any
	releases []func()
}

func newScope(msgID, event, handler, queue string, redelivered bool, headers map[string]string, logger *slog.Logger) *Scope {
	return &Scope{
		MessageID:   msgID,
		EventName:   event,
		HandlerName: handler,
		Queue:       queue,
		Redelivered: redelivered,
		ReceivedAt:  time.Now(),
		Headers:     maps.Clone(headers),
		Logger:      logger.With("msg_id", msgID),
	}
}

// Set stores a value for the lifetime of the delivery.
func (s *Scope) Set(key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[any]any)
	}
	s.values[key] = value
}

// Value returns a value stored with Set.
func (s *Scope) Value(key any) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// OnRelease registers fn to run after the delivery is settled. Functions run
// in reverse registration order.
func (s *Scope) OnRelease(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases = append(s.releases, fn)
}

func (s *Scope) release() {
	s.mu.Lock()
	fns := s.releases
	s.releases = nil
	s.values = nil
	s.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// ScopeFrom returns the delivery scope stored in ctx, or nil outside a handler.
func ScopeFrom(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeContextKey).(*Scope)
	return s
}

func withScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey, s)
}

// ContextMessageID returns the message id of the delivery being handled.
func ContextMessageID(ctx context.Context) string {
	if s := ScopeFrom(ctx); s != nil {
		return s.MessageID
	}
	return ""
}

// ContextLogger returns the delivery logger, or slog.Default outside a handler.
func ContextLogger(ctx context.Context) *slog.Logger {
	if s := ScopeFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
