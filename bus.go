package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/eventbus/payload"
	"github.com/rbaliyan/eventbus/topology"
	"github.com/rbaliyan/eventbus/transport"
	"go.opentelemetry.io/otel/trace"
)

const (
	busRunning = 1
	busStopped = 0
)

// DefaultBusName is used when NewBus is given an empty name.
var DefaultBusName = "event-bus"

// StatusCode represents the health state of the bus
type StatusCode string

const (
	// StatusHealthy indicates the bus is functioning normally
	StatusHealthy StatusCode = "healthy"
	// StatusDegraded indicates the bus is functioning but with issues
	StatusDegraded StatusCode = "degraded"
	// StatusUnhealthy indicates the bus is not functioning
	StatusUnhealthy StatusCode = "unhealthy"
)

// Status contains detailed status information for the bus
type Status struct {
	Code       StatusCode         `json:"status"`
	Message    string             `json:"message,omitempty"`
	Latency    time.Duration      `json:"latency,omitempty"`
	Details    map[string]any     `json:"details,omitempty"`
	Components map[string]*Status `json:"components,omitempty"`
	CheckedAt  time.Time          `json:"checked_at"`
}

// IsHealthy returns true if the status code is healthy
func (s *Status) IsHealthy() bool {
	return s.Code == StatusHealthy
}

// Bus publishes integration events to a topic exchange and runs the
// subscriptions of this process. Each (event, handler) binding has its own
// durable queue, shared by every process that subscribes the same binding.
type Bus struct {
	status          int32
	id              string
	name            string
	transport       transport.Transport
	topology        *topology.Manager
	codec           payload.Codec
	logger          *slog.Logger
	tracer          trace.Tracer
	metrics         *busMetrics
	recoveryEnabled bool
	registry        *registry

	subMu sync.Mutex
	subs  map[topology.Binding]*Subscription
	wg    sync.WaitGroup
}

// NewBus creates a new event bus.
// Returns ErrTransportRequired if no transport is given with WithTransport.
func NewBus(name string, opts ...BusOption) (*Bus, error) {
	c := newBusConfig()
	for _, opt := range opts {
		opt(c)
	}

	if name == "" {
		name = DefaultBusName
	}
	if c.transport == nil {
		return nil, ErrTransportRequired
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	logger := c.logger.With("component", "bus>"+name)

	m, err := newBusMetrics(name, c.metricsEnabled)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	topts := append([]topology.Option{topology.WithLogger(logger)}, c.topology...)

	return &Bus{
		status:          busRunning,
		id:              NewID(),
		name:            name,
		transport:       c.transport,
		topology:        topology.New(c.transport, topts...),
		codec:           c.codec,
		logger:          logger,
		tracer:          newTracer(name, c.tracingEnabled),
		metrics:         m,
		recoveryEnabled: c.recoveryEnabled,
		registry:        newRegistry(),
		subs:            make(map[topology.Binding]*Subscription),
	}, nil
}

// ID returns the bus ID
func (b *Bus) ID() string {
	return b.id
}

// Name returns the bus name
func (b *Bus) Name() string {
	return b.name
}

// Running returns true if bus is running
func (b *Bus) Running() bool {
	return atomic.LoadInt32(&b.status) == busRunning
}

// Transport returns the bus transport
func (b *Bus) Transport() transport.Transport {
	return b.transport
}

// Topology returns the topology manager used to declare exchanges and queues.
func (b *Bus) Topology() *topology.Manager {
	return b.topology
}

// Logger returns the bus logger
func (b *Bus) Logger() *slog.Logger {
	return b.logger
}

// Subscriptions returns the active subscriptions of this bus.
func (b *Bus) Subscriptions() []*Subscription {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	return subs
}

// reserve claims a binding for a new subscription.
func (b *Bus) reserve(binding topology.Binding, s *Subscription) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if !b.Running() {
		return ErrBusClosed
	}
	if _, ok := b.subs[binding]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscription, binding)
	}
	b.subs[binding] = s
	b.wg.Add(1)
	return nil
}

// release frees a binding once its subscription has stopped.
func (b *Bus) release(binding topology.Binding, s *Subscription) {
	b.subMu.Lock()
	if b.subs[binding] == s {
		delete(b.subs, binding)
	}
	b.subMu.Unlock()
	b.wg.Done()
}

// Close stops all subscriptions, waits for in-flight handlers to settle
// their messages, and closes the transport. Unsettled messages return to
// their queues. Close blocks until done or ctx ends.
func (b *Bus) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.status, busRunning, busStopped) {
		return nil
	}

	var errs []error
	for _, s := range b.Subscriptions() {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for subscriptions: %w", ctx.Err()))
	}

	if err := b.transport.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	b.logger.Info("bus closed")
	return errors.Join(errs...)
}

// Status returns detailed status information about the bus and its transport.
// If the transport implements HealthChecker, its status is included.
func (b *Bus) Status(ctx context.Context) *Status {
	result := &Status{
		CheckedAt:  time.Now(),
		Details:    map[string]any{"bus_name": b.name},
		Components: make(map[string]*Status),
	}

	if !b.Running() {
		result.Code = StatusUnhealthy
		result.Message = "bus is closed"
		return result
	}

	b.subMu.Lock()
	result.Details["subscriptions"] = len(b.subs)
	b.subMu.Unlock()
	result.Details["events"] = len(b.Events())

	hc, ok := b.transport.(transport.HealthChecker)
	if !ok {
		result.Code = StatusHealthy
		result.Message = "bus is healthy (transport health not available)"
		return result
	}

	th := hc.Health(ctx)
	result.Components["transport"] = convertTransportStatus(th)
	switch th.Status {
	case transport.HealthStatusUnhealthy:
		result.Code = StatusUnhealthy
		result.Message = "transport is unhealthy"
	case transport.HealthStatusDegraded:
		result.Code = StatusDegraded
		result.Message = "transport is degraded"
	default:
		result.Code = StatusHealthy
		result.Message = "bus is healthy"
	}
	return result
}

// Health performs a health check suitable for health probes.
// Returns nil if the bus is healthy, or an error describing the issue.
func (b *Bus) Health(ctx context.Context) error {
	status := b.Status(ctx)
	if status.Code == StatusUnhealthy {
		return errors.New(status.Message)
	}
	return nil
}

// QueueDepth returns the number of ready messages in the queue of a binding.
// The transport must implement transport.QueueInspector.
func (b *Bus) QueueDepth(ctx context.Context, event, handler string) (int, error) {
	qi, ok := b.transport.(transport.QueueInspector)
	if !ok {
		return 0, errors.New("transport does not report queue depth")
	}
	return qi.QueueDepth(ctx, b.topology.QueueName(topology.Binding{Event: event, Handler: handler}))
}

func convertTransportStatus(th *transport.HealthCheckResult) *Status {
	if th == nil {
		return nil
	}
	return &Status{
		Code:      StatusCode(th.Status),
		Message:   th.Message,
		Latency:   th.Latency,
		Details:   th.Details,
		CheckedAt: th.CheckedAt,
	}
}
