package eventbus

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// busMetrics holds the OpenTelemetry instruments of one bus.
type busMetrics struct {
	published     metric.Int64Counter
	publishFailed metric.Int64Counter
	received      metric.Int64Counter
	acked         metric.Int64Counter
	nacked        metric.Int64Counter
	rejected      metric.Int64Counter
	duplicates    metric.Int64Counter
	duration      metric.Float64Histogram
}

func newBusMetrics(name string, enabled bool) (*busMetrics, error) {
	var meter metric.Meter
	if enabled {
		meter = otel.Meter(name)
	} else {
		meter = noop.NewMeterProvider().Meter(name)
	}

	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}

	m := &busMetrics{
		published:     counter("eventbus.published", "Total number of events published"),
		publishFailed: counter("eventbus.publish.failed", "Total number of publishes the broker did not accept"),
		received:      counter("eventbus.received", "Total number of messages delivered to handlers"),
		acked:         counter("eventbus.acked", "Total number of messages acknowledged"),
		nacked:        counter("eventbus.nacked", "Total number of messages dead-lettered after a handler failure"),
		rejected:      counter("eventbus.rejected", "Total number of messages rejected as undecodable"),
		duplicates:    counter("eventbus.duplicates", "Total number of duplicate messages skipped"),
	}

	h, err := meter.Float64Histogram("eventbus.handler.duration",
		metric.WithDescription("Handler execution time"),
		metric.WithUnit("s"))
	errs = append(errs, err)
	m.duration = h

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func eventAttrs(event, handler string) metric.MeasurementOption {
	if handler == "" {
		return metric.WithAttributes(attribute.String("event", event))
	}
	return metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("handler", handler))
}

func (m *busMetrics) observe(ctx context.Context, start time.Time, event, handler string) {
	m.duration.Record(ctx, time.Since(start).Seconds(), eventAttrs(event, handler))
}
