package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/rbaliyan/eventbus/idempotency"
	"github.com/rbaliyan/eventbus/payload"
	"github.com/rbaliyan/eventbus/topology"
	"github.com/rbaliyan/eventbus/transport"
	"github.com/rbaliyan/eventbus/transport/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type deliveryHandler interface {
	handle(ctx context.Context, d transport.Delivery)
}

// processor turns deliveries of one queue into typed handler calls and
// settles every delivery exactly once:
//
//	decode failure          -> Nack(requeue=false), dead-lettered
//	handler error/panic     -> Nack(requeue=false), dead-lettered
//	handler timeout         -> Nack(requeue=false), then wait for the handler to return
//	handler success         -> Ack
//	duplicate (idempotency) -> Ack, handler not called
//	stopped mid-delivery    -> Nack(requeue=true)
//
// handle returns only after the handler has returned, so a queue never runs
// two handler invocations at once.
type processor[E IntegrationEvent] struct {
	bus     *Bus
	binding topology.Binding
	queue   string
	factory HandlerFactory[E]
	config  *subscribeConfig
	logger  *slog.Logger
}

func (p *processor[E]) handle(ctx context.Context, d transport.Delivery) {
	msg := d.Message()
	event, handler := p.binding.Event, p.binding.Handler
	metrics := p.bus.metrics

	ctx, span := p.bus.tracer.Start(message.ExtractTraceContext(ctx, msg.Headers), event+".handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String(spanKeyEventID, msg.ID),
			attribute.String(spanKeyEventName, event),
			attribute.String(spanKeyEventHandler, handler),
			attribute.String(spanKeyEventBus, p.bus.name),
			attribute.String(spanKeyQueue, p.queue),
			attribute.Bool(spanKeyRedelivered, d.Redelivered())))
	defer span.End()

	metrics.received.Add(ctx, 1, eventAttrs(event, handler))

	scope := newScope(msg.ID, event, handler, p.queue, d.Redelivered(), msg.Headers, p.logger)
	defer scope.release()
	log := scope.Logger

	ev, err := p.decode(msg)
	if err != nil {
		derr := &DecodeError{Queue: p.queue, MessageID: msg.ID, ContentType: msg.ContentType, Err: err}
		span.RecordError(derr)
		span.SetStatus(codes.Error, "decode failed")
		log.Error("rejecting undecodable message", "content_type", msg.ContentType, "error", err)
		metrics.rejected.Add(ctx, 1, eventAttrs(event, handler))
		p.settle(log, d, false, false)
		return
	}

	if l := p.config.limiter; l != nil {
		if err := l.Wait(ctx); err != nil {
			log.Debug("rate limiter wait aborted, requeueing", "error", err)
			p.settle(log, d, false, true)
			return
		}
	}

	// Settlement and store bookkeeping must outlive a cancelled loop.
	bg := context.WithoutCancel(ctx)
	key := idempotency.Key(p.queue, msg.ID)
	store := p.config.idempotency
	if store != nil {
		dup, err := store.IsDuplicate(ctx, key)
		if err != nil {
			log.Warn("idempotency check failed, processing anyway", "error", err)
		} else if dup {
			log.Info("skipping duplicate message")
			metrics.duplicates.Add(ctx, 1, eventAttrs(event, handler))
			p.settle(log, d, true, false)
			return
		}
	}

	start := time.Now()
	running, err := p.invoke(ctx, scope, ev)
	metrics.observe(ctx, start, event, handler)
	if running != nil {
		// Runs before scope.release.
		defer func() {
			rerr := <-running
			log.Warn("timed out handler returned", "after", time.Since(start), "error", rerr)
		}()
	}

	if err == nil {
		// Recorded before the ack so the next delivery already sees it.
		if store != nil {
			if err := store.MarkProcessed(bg, key); err != nil {
				log.Warn("mark processed failed", "error", err)
			}
		}
		if p.settle(log, d, true, false) {
			metrics.acked.Add(ctx, 1, eventAttrs(event, handler))
		}
		log.Debug("handled event", "duration", time.Since(start))
		return
	}

	if ctx.Err() != nil && !errors.Is(err, ErrHandlerTimeout) {
		// Stopped while handling: give the message back to the queue.
		log.Info("subscription stopped during handling, requeueing", "error", err)
		p.settle(log, d, false, true)
		return
	}

	herr := &HandlerError{Event: event, Handler: handler, MessageID: msg.ID, Err: err}
	span.RecordError(herr)
	span.SetStatus(codes.Error, "handler failed")
	log.Error("handler failed, dead-lettering message", "error", err, "redelivered", d.Redelivered())
	if p.settle(log, d, false, false) {
		metrics.nacked.Add(ctx, 1, eventAttrs(event, handler))
	}
}

// decode maps the body to E. The body must carry a non-empty event id and,
// when the message names its type, the type must be the subscribed event.
func (p *processor[E]) decode(msg transport.Message) (E, error) {
	var ev E
	if msg.Type != "" && msg.Type != p.binding.Event {
		return ev, fmt.Errorf("message type %q, want %q", msg.Type, p.binding.Event)
	}

	target := any(&ev)
	if t := typeOf[E](); t.Kind() == reflect.Pointer {
		ev = reflect.New(t.Elem()).Interface().(E)
		target = ev
	}
	if err := payload.DecodeAs(msg.ContentType, msg.Body, target); err != nil {
		return ev, err
	}
	if isNil(ev) {
		return ev, errors.New("null event body")
	}
	if ev.EventID() == "" {
		return ev, errors.New("missing event id")
	}
	return ev, nil
}

// invoke builds the handler for this delivery and calls it, applying the
// subscription timeout and panic recovery. When the deadline passes first,
// invoke returns early together with a channel that yields the handler's
// result once it does return; the caller settles the message and then waits
// on it.
func (p *processor[E]) invoke(ctx context.Context, scope *Scope, ev E) (<-chan error, error) {
	h, err := p.factory(scope)
	if err != nil {
		return nil, fmt.Errorf("build handler: %w", err)
	}
	if h == nil {
		return nil, errors.New("build handler: factory returned nil")
	}

	hctx := withScope(ctx, scope)
	timeout := p.config.timeout
	if timeout <= 0 {
		return nil, p.call(hctx, h, ev)
	}

	hctx, cancel := context.WithTimeout(hctx, timeout)
	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- p.call(hctx, h, ev)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %w", ErrHandlerTimeout, timeout, err)
		}
		return nil, err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		return done, fmt.Errorf("%w after %s", ErrHandlerTimeout, timeout)
	}
}

func (p *processor[E]) call(ctx context.Context, h Handler[E], ev E) (err error) {
	if p.bus.recoveryEnabled {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				ScopeFrom(ctx).Logger.Error("handler panic recovered",
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
	}
	return h.Handle(ctx, ev)
}

// settle acks or nacks d and reports whether the broker accepted it.
func (p *processor[E]) settle(log *slog.Logger, d transport.Delivery, ack, requeue bool) bool {
	var err error
	if ack {
		err = d.Ack()
	} else {
		err = d.Nack(requeue)
	}
	if err != nil {
		log.Error("settle message", "ack", ack, "requeue", requeue, "error", err)
		return false
	}
	return true
}
