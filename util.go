package eventbus

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	spanKeyEventID      = "event.id"
	spanKeyEventName    = "event.name"
	spanKeyEventBus     = "event.bus"
	spanKeyEventHandler = "event.handler"
	spanKeyQueue        = "messaging.destination.name"
	spanKeyRedelivered  = "messaging.redelivered"
)

func newTracer(name string, enabled bool) trace.Tracer {
	if enabled {
		return otel.Tracer(name)
	}
	return noop.NewTracerProvider().Tracer(name)
}
