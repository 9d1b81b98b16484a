// Package message provides the Delivery implementation shared by the broker
// transports and W3C trace-context propagation through message headers.
//
// It is imported by the transport implementations and by the eventbus package,
// and depends only on the transport package, to avoid circular imports.
package message

import (
	"context"
	"sync/atomic"

	"github.com/rbaliyan/eventbus/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// SettleFunc settles a delivery on the broker. ack reports a positive
// acknowledgment; requeue is only meaningful when ack is false.
type SettleFunc func(ack, requeue bool) error

// Delivery is the default transport.Delivery implementation. The settle
// function runs at most once; later calls return transport.ErrAlreadyAcknowledged.
type Delivery struct {
	msg         transport.Message
	queue       string
	redelivered bool
	settled     atomic.Bool
	settle      SettleFunc
}

// NewDelivery creates a delivery that settles through fn.
func NewDelivery(msg transport.Message, queue string, redelivered bool, fn SettleFunc) *Delivery {
	return &Delivery{
		msg:         msg,
		queue:       queue,
		redelivered: redelivered,
		settle:      fn,
	}
}

func (d *Delivery) Message() transport.Message { return d.msg }
func (d *Delivery) Queue() string              { return d.queue }
func (d *Delivery) Redelivered() bool          { return d.redelivered }

// Ack acknowledges the delivery.
func (d *Delivery) Ack() error {
	return d.do(true, false)
}

// Nack negatively acknowledges the delivery.
func (d *Delivery) Nack(requeue bool) error {
	return d.do(false, requeue)
}

// Settled reports whether Ack or Nack was called.
func (d *Delivery) Settled() bool {
	return d.settled.Load()
}

func (d *Delivery) do(ack, requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return transport.ErrAlreadyAcknowledged
	}
	if d.settle == nil {
		return nil
	}
	return d.settle(ack, requeue)
}

// HeaderCarrier adapts message headers to propagation.TextMapCarrier.
type HeaderCarrier map[string]string

func (c HeaderCarrier) Get(key string) string { return c[key] }

func (c HeaderCarrier) Set(key, value string) { c[key] = value }

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectTraceHeaders writes the trace context of ctx into headers using the
// global propagator and returns the (possibly allocated) header map.
func InjectTraceHeaders(ctx context.Context, headers map[string]string) map[string]string {
	if headers == nil {
		headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(headers))
	return headers
}

// ExtractTraceContext returns ctx carrying the remote span context found in headers.
func ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(headers))
}

// Compile-time checks
var _ transport.Delivery = (*Delivery)(nil)
var _ propagation.TextMapCarrier = HeaderCarrier(nil)
