// Package eventbus provides typed integration events over a topic-routed,
// durable message broker.
//
// Producers publish concrete Go event types; the bus serializes them, stamps the
// message with the event id and routes it through one topic exchange using the
// registered event type name as routing key. Consumers register a handler name
// per event type and get one durable queue per (event, handler) pair. Each
// queue is drained by its own dispatch loop with manual acknowledgment: a
// successful handler acks, a failing, panicking or timed-out handler nacks
// without requeue so the broker dead-letters the message, and a payload that
// cannot be decoded is rejected the same way.
//
// Architecture:
//   - Bus owns infrastructure (transport, topology, codec, tracing, metrics, recovery)
//   - Event types and handler factories are registered explicitly by name
//   - topology declares exchanges, queues and dead-letter queues idempotently
//   - Transports: amqp (RabbitMQ) for production, channel (in-process) for tests
//
// Basic example:
//
//	type OrderCreated struct {
//	    eventbus.Base
//	    OrderID string `json:"OrderId"`
//	}
//
//	bus, err := eventbus.NewBus("orders", eventbus.WithTransport(channel.New()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer bus.Close(ctx)
//
//	eventbus.RegisterEvent[OrderCreated](bus, "OrderCreatedEvent")
//	eventbus.RegisterHandler(bus, "AuditHandler", eventbus.Func(func(ctx context.Context, ev OrderCreated) error {
//	    fmt.Println("order created:", ev.OrderID)
//	    return nil
//	}))
//
//	// Declares queue OrderCreatedEvent_AuditHandler and starts its dispatch loop
//	sub, err := eventbus.Subscribe[OrderCreated](ctx, bus, "AuditHandler")
//
//	err = eventbus.Publish(ctx, bus, OrderCreated{Base: eventbus.NewBase(), OrderID: "o-1"})
//
// Bus Options:
//   - WithTransport: set transport (required)
//   - WithTopology: exchange names, message TTL and dead-lettering
//   - WithCodec: payload codec. Default is JSON.
//   - WithTracing, WithMetrics, WithRecovery: default true
//   - WithLogger: set logger for the bus
//
// Subscribe Options:
//   - WithHandlerTimeout: bound each handler invocation
//   - WithLimiter: throttle deliveries
//   - WithIdempotency: skip message ids the queue already processed
//
// Delivery is at-least-once. Handlers must tolerate redelivery of the same
// event id, and there is no ordering across queues.
package eventbus
