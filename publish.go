package eventbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/rbaliyan/eventbus/transport"
	"github.com/rbaliyan/eventbus/transport/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Publish encodes event and publishes it to the event exchange with the
// registered event name as routing key. The message is persistent and its
// message id is the event id, so publishing the same event twice yields two
// deliveries that carry the same id.
//
// There is no retry. Publish returns after the broker confirms the message;
// when the broker does not accept it the error wraps ErrPublishUnavailable.
//
// A message routed to no queue is dropped by the broker. This is not an error.
func Publish[E IntegrationEvent](ctx context.Context, b *Bus, event E) (err error) {
	if !b.Running() {
		return ErrBusClosed
	}
	if isNil(event) {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if event.EventID() == "" {
		return fmt.Errorf("%w: empty event id", ErrInvalidEvent)
	}

	name, err := EventName[E](b)
	if err != nil {
		return err
	}
	id := event.EventID()

	ctx, span := b.tracer.Start(ctx, name+".publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String(spanKeyEventID, id),
			attribute.String(spanKeyEventName, name),
			attribute.String(spanKeyEventBus, b.name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			b.metrics.publishFailed.Add(ctx, 1, eventAttrs(name, ""))
		}
		span.End()
	}()

	body, err := b.codec.Encode(event)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrInvalidEvent, name, err)
	}

	msg := transport.Message{
		ID:          id,
		RoutingKey:  name,
		ContentType: b.codec.ContentType(),
		Type:        name,
		Persistent:  true,
		Timestamp:   event.EventCreatedAt(),
		Headers:     message.InjectTraceHeaders(ctx, nil),
		Body:        body,
	}

	if err := b.topology.EnsureExchange(ctx); err != nil {
		return publishError(name, err)
	}
	if err := b.transport.Publish(ctx, b.topology.Exchange(), msg); err != nil {
		return publishError(name, err)
	}

	b.metrics.published.Add(ctx, 1, eventAttrs(name, ""))
	b.logger.Debug("published event", "event", name, "msg_id", id)
	return nil
}

func publishError(name string, err error) error {
	switch {
	case errors.Is(err, transport.ErrUnavailable),
		errors.Is(err, transport.ErrNotConfirmed),
		errors.Is(err, transport.ErrTransportClosed):
		return fmt.Errorf("%w: %s: %w", ErrPublishUnavailable, name, err)
	}
	return fmt.Errorf("publish %s: %w", name, err)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
