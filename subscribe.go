package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/eventbus/topology"
	"github.com/rbaliyan/eventbus/transport"
)

// Subscription is a running consumer of one (event, handler) queue.
type Subscription struct {
	id      string
	binding topology.Binding
	queue   string
	cancel  context.CancelFunc
	done    chan struct{}
}

// ID returns the subscription id. It is also the broker consumer tag.
func (s *Subscription) ID() string { return s.id }

// Binding returns the event and handler names of the subscription.
func (s *Subscription) Binding() topology.Binding { return s.binding }

// Queue returns the name of the consumed queue.
func (s *Subscription) Queue() string { return s.queue }

// Done is closed once the subscription has stopped and its consumer is cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close stops the subscription and waits for the in-flight message, if any,
// to be settled. Messages not yet settled are returned to the queue.
func (s *Subscription) Close(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe starts consuming the queue of the (E, handler) binding. The
// handler must have been registered with RegisterHandler.
//
// Subscribe declares the event exchange, the dead-letter exchange, the
// durable queue "{Event}_{Handler}" bound with the event name, and its
// parking queue. Declaration is idempotent: several processes subscribing the
// same binding share the queue and each message goes to exactly one of them.
//
// The subscription runs until ctx is done, Subscription.Close is called or
// the bus is closed. Subscribing the same binding twice on one bus returns
// ErrDuplicateSubscription.
func Subscribe[E IntegrationEvent](ctx context.Context, b *Bus, handler string, opts ...SubscribeOption) (*Subscription, error) {
	if !b.Running() {
		return nil, ErrBusClosed
	}

	c := newSubscribeConfig()
	for _, opt := range opts {
		opt(c)
	}

	event, err := EventName[E](b)
	if err != nil {
		return nil, err
	}
	binding := topology.Binding{Event: event, Handler: handler}
	factory, err := lookupHandler[E](b, binding)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		id:      fmt.Sprintf("%s.%s", b.name, NewID()),
		binding: binding,
		queue:   b.topology.QueueName(binding),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	if err := b.reserve(binding, s); err != nil {
		cancel()
		return nil, err
	}

	fail := func(err error) (*Subscription, error) {
		cancel()
		b.release(binding, s)
		close(s.done)
		return nil, err
	}

	if _, err := b.topology.EnsureQueue(loopCtx, binding); err != nil {
		return fail(err)
	}

	// The consumer outlives loopCtx: run closes it once the in-flight
	// delivery is settled.
	tsub, err := b.transport.Consume(context.WithoutCancel(loopCtx), s.queue,
		transport.WithPrefetch(c.prefetch),
		transport.WithConsumerTag(s.id))
	if err != nil {
		return fail(fmt.Errorf("consume %s: %w", s.queue, err))
	}

	p := &processor[E]{
		bus:     b,
		binding: binding,
		queue:   s.queue,
		factory: factory,
		config:  c,
		logger:  b.logger.With("event", event, "handler", handler, "queue", s.queue),
	}

	go s.run(loopCtx, b, tsub, p)

	p.logger.Info("subscribed", "subscription", s.id, "prefetch", c.prefetch)
	return s, nil
}

func (s *Subscription) run(ctx context.Context, b *Bus, tsub transport.Subscription, p deliveryHandler) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := tsub.Close(closeCtx); err != nil {
			b.logger.Warn("close consumer", "queue", s.queue, "error", err)
		}
		cancel()
		b.release(s.binding, s)
		close(s.done)
		b.logger.Info("unsubscribed", "queue", s.queue, "subscription", s.id)
	}()

	deliveries := tsub.Deliveries()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				// Unsettled; closing the consumer returns it to the queue.
				return
			}
			p.handle(ctx, d)
		}
	}
}
