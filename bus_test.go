package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/eventbus/idempotency"
	"github.com/rbaliyan/eventbus/payload"
	"github.com/rbaliyan/eventbus/ratelimit"
	"github.com/rbaliyan/eventbus/topology"
	"github.com/rbaliyan/eventbus/transport"
	"github.com/rbaliyan/eventbus/transport/channel"
	"syreclabs.com/go/faker"
)

type orderPlaced struct {
	Base
	OrderID string `json:"OrderId"`
	Email   string `json:"Email"`
	Amount  int    `json:"Amount"`
}

type stockReserved struct {
	Base
	SKU string `json:"Sku"`
}

const (
	orderPlacedName = "OrderPlacedEvent"
	auditHandler    = "AuditHandler"
	auditQueue      = orderPlacedName + "_" + auditHandler
	auditDLQ        = auditQueue + ".dlq"
)

func newOrder() orderPlaced {
	return orderPlaced{
		Base:    NewBase(),
		OrderID: faker.Code().Ean8(),
		Email:   faker.Internet().Email(),
		Amount:  faker.RandomInt(1, 1000),
	}
}

func setupBus(t *testing.T, tr transport.Transport, opts ...BusOption) *Bus {
	t.Helper()
	bus := TestBus(tr, opts...)
	t.Cleanup(func() { bus.Close(context.Background()) })
	if err := RegisterEvent[orderPlaced](bus, orderPlacedName); err != nil {
		t.Fatalf("RegisterEvent failed: %v", err)
	}
	return bus
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func depth(t *testing.T, tr *channel.Transport, queue string) int {
	t.Helper()
	n, err := tr.QueueDepth(context.Background(), queue)
	if err != nil {
		t.Fatalf("QueueDepth(%s) failed: %v", queue, err)
	}
	return n
}

func TestNewBus(t *testing.T) {
	t.Run("requires transport", func(t *testing.T) {
		_, err := NewBus("orders")
		if !errors.Is(err, ErrTransportRequired) {
			t.Errorf("expected ErrTransportRequired, got %v", err)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		bus, err := NewBus("", WithTransport(channel.New()), WithMetrics(false), WithTracing(false))
		if err != nil {
			t.Fatalf("NewBus failed: %v", err)
		}
		defer bus.Close(context.Background())

		if bus.Name() != DefaultBusName {
			t.Errorf("expected name %q, got %q", DefaultBusName, bus.Name())
		}
		if bus.ID() == "" {
			t.Error("expected bus id")
		}
		if !bus.Running() {
			t.Error("expected bus to be running")
		}
		if bus.Topology().Exchange() != topology.DefaultExchange {
			t.Errorf("expected exchange %q, got %q", topology.DefaultExchange, bus.Topology().Exchange())
		}
	})

	t.Run("close is idempotent", func(t *testing.T) {
		bus := TestBus(channel.New())
		if err := bus.Close(context.Background()); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if err := bus.Close(context.Background()); err != nil {
			t.Fatalf("second Close failed: %v", err)
		}
		if bus.Running() {
			t.Error("expected bus to be stopped")
		}
	})
}

func TestRegistry(t *testing.T) {
	bus := setupBus(t, channel.New())

	t.Run("same type and name is a no-op", func(t *testing.T) {
		if err := RegisterEvent[orderPlaced](bus, orderPlacedName); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})

	t.Run("name taken by another type", func(t *testing.T) {
		err := RegisterEvent[stockReserved](bus, orderPlacedName)
		if !errors.Is(err, ErrEventTypeConflict) {
			t.Errorf("expected ErrEventTypeConflict, got %v", err)
		}
	})

	t.Run("type registered under another name", func(t *testing.T) {
		err := RegisterEvent[orderPlaced](bus, "OrderPlacedV2")
		if !errors.Is(err, ErrEventTypeConflict) {
			t.Errorf("expected ErrEventTypeConflict, got %v", err)
		}
	})

	t.Run("invalid names", func(t *testing.T) {
		for _, name := range []string{"", "order placed", "order.*", "order.#", "Order_Placed"} {
			if err := RegisterEvent[stockReserved](bus, name); !errors.Is(err, ErrInvalidName) {
				t.Errorf("RegisterEvent(%q): expected ErrInvalidName, got %v", name, err)
			}
		}
	})

	t.Run("underscore allowed in handler names only", func(t *testing.T) {
		bus := setupBus(t, channel.New())
		if err := RegisterEvent[stockReserved](bus, "StockReserved"); err != nil {
			t.Fatalf("RegisterEvent failed: %v", err)
		}
		if err := RegisterHandler(bus, "Reserve_Audit", Func(func(context.Context, stockReserved) error { return nil })); err != nil {
			t.Errorf("expected underscore in handler name to be accepted, got %v", err)
		}
	})

	t.Run("event name lookup", func(t *testing.T) {
		name, err := EventName[orderPlaced](bus)
		if err != nil {
			t.Fatalf("EventName failed: %v", err)
		}
		if name != orderPlacedName {
			t.Errorf("expected %q, got %q", orderPlacedName, name)
		}
		if _, err := EventName[stockReserved](bus); !errors.Is(err, ErrEventNotRegistered) {
			t.Errorf("expected ErrEventNotRegistered, got %v", err)
		}
	})

	t.Run("handler requires registered event", func(t *testing.T) {
		err := RegisterHandler(bus, auditHandler, Func(func(context.Context, stockReserved) error { return nil }))
		if !errors.Is(err, ErrEventNotRegistered) {
			t.Errorf("expected ErrEventNotRegistered, got %v", err)
		}
	})

	t.Run("duplicate handler", func(t *testing.T) {
		h := Func(func(context.Context, orderPlaced) error { return nil })
		if err := RegisterHandler(bus, "DupHandler", h); err != nil {
			t.Fatalf("RegisterHandler failed: %v", err)
		}
		if err := RegisterHandler(bus, "DupHandler", h); !errors.Is(err, ErrHandlerExists) {
			t.Errorf("expected ErrHandlerExists, got %v", err)
		}
	})

	t.Run("subscribe unknown handler", func(t *testing.T) {
		_, err := Subscribe[orderPlaced](context.Background(), bus, "Missing")
		if !errors.Is(err, ErrHandlerNotRegistered) {
			t.Errorf("expected ErrHandlerNotRegistered, got %v", err)
		}
	})
}

func TestPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("message properties", func(t *testing.T) {
		rec := NewRecordingTransport(channel.New())
		bus := setupBus(t, rec)

		order := newOrder()
		if err := Publish(ctx, bus, order); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		msgs := rec.MessagesFor(orderPlacedName)
		if len(msgs) != 1 {
			t.Fatalf("expected 1 recorded message, got %d", len(msgs))
		}
		got := msgs[0]
		if got.Exchange != topology.DefaultExchange {
			t.Errorf("expected exchange %q, got %q", topology.DefaultExchange, got.Exchange)
		}
		m := got.Message
		if m.ID != order.ID {
			t.Errorf("expected message id %q, got %q", order.ID, m.ID)
		}
		if !m.Persistent {
			t.Error("expected persistent message")
		}
		if m.ContentType != "application/json" {
			t.Errorf("expected application/json, got %q", m.ContentType)
		}

		var body map[string]any
		if err := json.Unmarshal(m.Body, &body); err != nil {
			t.Fatalf("body is not JSON: %v", err)
		}
		for _, field := range []string{"Id", "CreatedAt", "OrderId", "Email", "Amount"} {
			if _, ok := body[field]; !ok {
				t.Errorf("expected field %q in body %s", field, m.Body)
			}
		}

		var decoded orderPlaced
		if err := payload.DecodeAs(m.ContentType, m.Body, &decoded); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if diff := cmp.Diff(order, decoded); diff != "" {
			t.Errorf("decoded event mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("same event twice carries same id", func(t *testing.T) {
		rec := NewRecordingTransport(channel.New())
		bus := setupBus(t, rec)

		order := newOrder()
		for i := 0; i < 2; i++ {
			if err := Publish(ctx, bus, order); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
		}
		msgs := rec.Messages()
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}
		if msgs[0].Message.ID != order.ID || msgs[1].Message.ID != order.ID {
			t.Errorf("expected both ids %q, got %q and %q", order.ID, msgs[0].Message.ID, msgs[1].Message.ID)
		}
	})

	t.Run("no subscribers is not an error", func(t *testing.T) {
		bus := setupBus(t, channel.New())
		if err := Publish(ctx, bus, newOrder()); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("unregistered event", func(t *testing.T) {
		bus := setupBus(t, channel.New())
		err := Publish(ctx, bus, stockReserved{Base: NewBase(), SKU: "A-1"})
		if !errors.Is(err, ErrEventNotRegistered) {
			t.Errorf("expected ErrEventNotRegistered, got %v", err)
		}
	})

	t.Run("empty id", func(t *testing.T) {
		bus := setupBus(t, channel.New())
		err := Publish(ctx, bus, orderPlaced{OrderID: "1"})
		if !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("expected ErrInvalidEvent, got %v", err)
		}
	})

	t.Run("broker unavailable", func(t *testing.T) {
		tr := channel.New()
		bus := setupBus(t, tr)
		tr.SetAvailable(false)

		err := Publish(ctx, bus, newOrder())
		if !errors.Is(err, ErrPublishUnavailable) {
			t.Errorf("expected ErrPublishUnavailable, got %v", err)
		}
		if !errors.Is(err, transport.ErrUnavailable) {
			t.Errorf("expected wrapped transport.ErrUnavailable, got %v", err)
		}
	})

	t.Run("closed bus", func(t *testing.T) {
		bus := setupBus(t, channel.New())
		bus.Close(ctx)
		if err := Publish(ctx, bus, newOrder()); !errors.Is(err, ErrBusClosed) {
			t.Errorf("expected ErrBusClosed, got %v", err)
		}
	})
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("success acks and leaves dead-letter queue empty", func(t *testing.T) {
		tr := channel.New()
		bus := setupBus(t, tr)
		h := NewTestHandler[orderPlaced](nil)
		if err := RegisterHandler(bus, auditHandler, h.Factory()); err != nil {
			t.Fatalf("RegisterHandler failed: %v", err)
		}
		sub, err := Subscribe[orderPlaced](ctx, bus, auditHandler)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		if sub.Queue() != auditQueue {
			t.Errorf("expected queue %q, got %q", auditQueue, sub.Queue())
		}

		order := newOrder()
		if err := Publish(ctx, bus, order); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if !h.WaitFor(1, 2*time.Second) {
			t.Fatal("handler not called")
		}
		waitFor(t, "ack", func() bool { return tr.Unacknowledged(auditQueue) == 0 })

		if diff := cmp.Diff(order, h.Last().Event); diff != "" {
			t.Errorf("event mismatch (-want +got):\n%s", diff)
		}
		scope := h.Last().Scope
		if scope.MessageID != order.ID || scope.Queue != auditQueue || scope.Redelivered {
			t.Errorf("unexpected scope %+v", scope)
		}
		if n := depth(t, tr, auditQueue); n != 0 {
			t.Errorf("expected empty queue, got %d", n)
		}
		if n := depth(t, tr, auditDLQ); n != 0 {
			t.Errorf("expected empty dead-letter queue, got %d", n)
		}
	})

	t.Run("handler error dead-letters once", func(t *testing.T) {
		tr := channel.New()
		bus := setupBus(t, tr)
		h := NewTestHandler(func(context.Context, orderPlaced) error {
			return errors.New("smtp down")
		})
		RegisterHandler(bus, auditHandler, h.Factory())
		if _, err := Subscribe[orderPlaced](ctx, bus, auditHandler); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		if err := Publish(ctx, bus, newOrder()); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		waitFor(t, "dead-letter", func() bool { return depth(t, tr, auditDLQ) == 1 })

		time.Sleep(50 * time.Millisecond)
		if n := h.Count(); n != 1 {
			t.Errorf("expected exactly one handler call, got %d", n)
		}
		if n := depth(t, tr, auditQueue); n != 0 {
			t.Errorf("expected empty queue, got %d", n)
		}
	})

	t.Run("malformed body is dead-lettered without handler call", func(t *testing.T) {
		tr := channel.New()
		bus := setupBus(t, tr)
		h := NewTestHandler[orderPlaced](nil)
		RegisterHandler(bus, auditHandler, h.Factory())
		if _, err := Subscribe[orderPlaced](ctx, bus, auditHandler); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		bad := []transport.Message{
			{ID: "bad-json", RoutingKey: orderPlacedName, ContentType: "application/json", Body: []byte("{not json")},
			{ID: "no-id", RoutingKey: orderPlacedName, ContentType: "application/json", Body: []byte(`{"OrderId":"1"}`)},
			{ID: "wrong-type", RoutingKey: orderPlacedName, Type: "Other", Body: []byte(`{"Id":"x"}`)},
			{ID: "unknown-codec", RoutingKey: orderPlacedName, ContentType: "text/csv", Body: []byte("a,b")},
		}
		for _, m := range bad {
			if err := tr.Publish(ctx, topology.DefaultExchange, m); err != nil {
				t.Fatalf("raw publish failed: %v", err)
			}
		}

		waitFor(t, "dead-letters", func() bool { return depth(t, tr, auditDLQ) == len(bad) })
		if n := h.Count(); n != 0 {
			t.Errorf("expected no handler calls, got %d", n)
		}
		if n := depth(t, tr, auditQueue); n != 0 {
			t.Errorf("expected empty queue, got %d", n)
		}
	})

	t.Run("panic is recovered and dead-lettered", func(t *testing.T) {
		tr := channel.New()
		bus := setupBus(t, tr, WithRecovery(true))
		RegisterHandler(bus, auditHandler, Func(func(context.Context, orderPlaced) error {
			panic("boom")
		}))
		if _, err := Subscribe[orderPlaced](ctx, bus, auditHandler); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		if err := Publish(ctx, bus, newOrder()); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		waitFor(t, "dead-letter", func() bool { return depth(t, tr, auditDLQ) == 1 })
	})

	t.Run("handler timeout", func(t *testing.T) {
		tr := channel.New()
		bus := setupBus(t, tr)
		RegisterHandler(bus, auditHandler, Func(func(ctx context.Context, _ orderPlaced) error {
			<-ctx.Done()
			return ctx.Err()
		}))
		if _, err := Subscribe[orderPlaced](ctx, bus, auditHandler, WithHandlerTimeout(20*time.Millisecond)); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		if err := Publish(ctx, bus, newOrder()); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		waitFor(t, "dead-letter", func() bool { return depth(t, tr, auditDLQ) == 1 })
	})

	t.Run("factory is called per delivery", func(t *testing.T) {
		tr := channel.New()
		bus := setupBus(t, tr)
		var built, released atomic.Int32
		RegisterHandler[orderPlaced](bus, auditHandler, func(scope *Scope) (Handler[orderPlaced], error) {
			built.Add(1)
			scope.OnRelease(func() { released.Add(1) })
			return HandlerFunc[orderPlaced](func(ctx context.Context, ev orderPlaced) error {
				if ContextMessageID(ctx) != ev.ID {
					return errors.New("scope not in context")
				}
				return nil
			}), nil
		})
		if _, err := Subscribe[orderPlaced](ctx, bus, auditHandler); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		for i := 0; i < 3; i++ {
			if err := Publish(ctx, bus, newOrder()); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
		}
		waitFor(t, "releases", func() bool { return released.Load() == 3 })
		if built.Load() != 3 {
			t.Errorf("expected 3 handlers built, got %d", built.Load())
		}
		if n := depth(t, tr, auditDLQ); n != 0 {
			t.Errorf("expected empty dead-letter queue, got %d", n)
		}
	})

	t.Run("duplicate subscription", func(t *testing.T) {
		bus := setupBus(t, channel.New())
		RegisterHandler(bus, auditHandler, Func(func(context.Context, orderPlaced) error { return nil }))
		if _, err := Subscribe[orderPlaced](ctx, bus, auditHandler); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		_, err := Subscribe[orderPlaced](ctx, bus, auditHandler)
		if !errors.Is(err, ErrDuplicateSubscription) {
			t.Errorf("expected ErrDuplicateSubscription, got %v", err)
		}
	})

	t.Run("topology conflict", func(t *testing.T) {
		tr := channel.New()
		other := TestBus(tr, WithTopology(topology.WithMessageTTL(time.Minute)))
		RegisterEvent[orderPlaced](other, orderPlacedName)
		RegisterHandler(other, auditHandler, Func(func(context.Context, orderPlaced) error { return nil }))
		if _, err := Subscribe[orderPlaced](ctx, other, auditHandler); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		bus := setupBus(t, tr)
		RegisterHandler(bus, auditHandler, Func(func(context.Context, orderPlaced) error { return nil }))
		_, err := Subscribe[orderPlaced](ctx, bus, auditHandler)
		if !errors.Is(err, ErrTopologyConflict) {
			t.Errorf("expected ErrTopologyConflict, got %v", err)
		}
		if len(bus.Subscriptions()) != 0 {
			t.Error("failed subscription should release its binding")
		}
	})

	t.Run("idempotency skips redelivered duplicates", func(t *testing.T) {
		tr := channel.New()
		bus := setupBus(t, tr)
		h := NewTestHandler[orderPlaced](nil)
		RegisterHandler(bus, auditHandler, h.Factory())
		store := idempotency.NewMemoryStore(time.Minute)
		defer store.Close()

		if _, err := Subscribe[orderPlaced](ctx, bus, auditHandler, WithIdempotency(store)); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		order := newOrder()
		for i := 0; i < 3; i++ {
			if err := Publish(ctx, bus, order); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
		}
		waitFor(t, "drain", func() bool {
			return depth(t, tr, auditQueue) == 0 && tr.Unacknowledged(auditQueue) == 0
		})
		if n := h.Count(); n != 1 {
			t.Errorf("expected 1 handler call, got %d", n)
		}
	})

	t.Run("close stops consuming", func(t *testing.T) {
		tr := channel.New()
		bus := setupBus(t, tr)
		h := NewTestHandler[orderPlaced](nil)
		RegisterHandler(bus, auditHandler, h.Factory())
		sub, err := Subscribe[orderPlaced](ctx, bus, auditHandler)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		if err := sub.Close(ctx); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if tr.Consumers(auditQueue) != 0 {
			t.Error("expected consumer to be cancelled")
		}

		if err := Publish(ctx, bus, newOrder()); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if n := depth(t, tr, auditQueue); n != 1 {
			t.Errorf("expected message to stay queued, got depth %d", n)
		}
		if h.Count() != 0 {
			t.Error("closed subscription should not handle messages")
		}

		// The binding can be subscribed again and drains the backlog.
		if _, err := Subscribe[orderPlaced](ctx, bus, auditHandler); err != nil {
			t.Fatalf("resubscribe failed: %v", err)
		}
		if !h.WaitFor(1, 2*time.Second) {
			t.Error("expected queued message to be handled after resubscribe")
		}
	})

	t.Run("context cancel stops subscription", func(t *testing.T) {
		bus := setupBus(t, channel.New())
		RegisterHandler(bus, auditHandler, Func(func(context.Context, orderPlaced) error { return nil }))
		subCtx, cancel := context.WithCancel(ctx)
		sub, err := Subscribe[orderPlaced](subCtx, bus, auditHandler)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		cancel()
		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			t.Fatal("subscription did not stop")
		}
		if len(bus.Subscriptions()) != 0 {
			t.Error("expected binding to be released")
		}
	})

	t.Run("stop during handling requeues", func(t *testing.T) {
		tr := channel.New()
		bus := setupBus(t, tr)
		started := make(chan struct{})
		RegisterHandler(bus, auditHandler, Func(func(ctx context.Context, _ orderPlaced) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}))
		sub, err := Subscribe[orderPlaced](ctx, bus, auditHandler, WithPrefetch(1))
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		if err := Publish(ctx, bus, newOrder()); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("handler not invoked")
		}

		if err := sub.Close(ctx); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if n := depth(t, tr, auditQueue); n != 1 {
			t.Errorf("expected message back in queue, got depth %d", n)
		}
		if n := depth(t, tr, auditDLQ); n != 0 {
			t.Errorf("expected empty dead-letter queue, got %d", n)
		}
	})

	t.Run("close lets in-flight handler ack", func(t *testing.T) {
		tr := channel.New()
		bus := setupBus(t, tr)
		started := make(chan struct{})
		h := NewTestHandler(func(context.Context, orderPlaced) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return nil
		})
		if err := RegisterHandler(bus, auditHandler, h.Factory()); err != nil {
			t.Fatalf("RegisterHandler failed: %v", err)
		}
		sub, err := Subscribe[orderPlaced](ctx, bus, auditHandler)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		if err := Publish(ctx, bus, newOrder()); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("handler not invoked")
		}

		if err := sub.Close(ctx); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if n := h.Count(); n != 1 {
			t.Errorf("expected 1 handler call, got %d", n)
		}
		if n := depth(t, tr, auditQueue); n != 0 {
			t.Errorf("expected acked message to leave the queue, got depth %d", n)
		}
		if n := depth(t, tr, auditDLQ); n != 0 {
			t.Errorf("expected empty dead-letter queue, got %d", n)
		}
	})

	t.Run("timed out handler blocks the next delivery", func(t *testing.T) {
		tr := channel.New()
		bus := setupBus(t, tr)
		var active, peak atomic.Int32
		if err := RegisterHandler(bus, auditHandler, Func(func(context.Context, orderPlaced) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(60 * time.Millisecond) // ignores ctx
			active.Add(-1)
			return nil
		})); err != nil {
			t.Fatalf("RegisterHandler failed: %v", err)
		}
		if _, err := Subscribe[orderPlaced](ctx, bus, auditHandler, WithHandlerTimeout(10*time.Millisecond)); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		for i := 0; i < 3; i++ {
			if err := Publish(ctx, bus, newOrder()); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
		}

		waitFor(t, "dead-letters", func() bool { return depth(t, tr, auditDLQ) == 3 })
		if p := peak.Load(); p != 1 {
			t.Errorf("expected at most one handler running on the queue, got %d", p)
		}
	})

	t.Run("idempotency keeps redelivery after lost consumer", func(t *testing.T) {
		tr := channel.New()
		store := idempotency.NewMemoryStore(time.Minute)
		defer store.Close()

		first := setupBus(t, tr)
		started := make(chan struct{})
		if err := RegisterHandler(first, auditHandler, Func(func(ctx context.Context, _ orderPlaced) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})); err != nil {
			t.Fatalf("RegisterHandler failed: %v", err)
		}
		sub, err := Subscribe[orderPlaced](ctx, first, auditHandler, WithIdempotency(store))
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		if err := Publish(ctx, first, newOrder()); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("handler not invoked")
		}
		if err := sub.Close(ctx); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		second := setupBus(t, tr)
		h := NewTestHandler[orderPlaced](nil)
		if err := RegisterHandler(second, auditHandler, h.Factory()); err != nil {
			t.Fatalf("RegisterHandler failed: %v", err)
		}
		if _, err := Subscribe[orderPlaced](ctx, second, auditHandler, WithIdempotency(store)); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		if !h.WaitFor(1, 2*time.Second) {
			t.Fatal("redelivered message was not handled")
		}
		waitFor(t, "ack", func() bool {
			return depth(t, tr, auditQueue) == 0 && tr.Unacknowledged(auditQueue) == 0
		})
		if n := depth(t, tr, auditDLQ); n != 0 {
			t.Errorf("expected empty dead-letter queue, got %d", n)
		}
	})

	t.Run("limiter throttles deliveries", func(t *testing.T) {
		tr := channel.New()
		bus := setupBus(t, tr)
		h := NewTestHandler[orderPlaced](nil)
		if err := RegisterHandler(bus, auditHandler, h.Factory()); err != nil {
			t.Fatalf("RegisterHandler failed: %v", err)
		}
		// one token up front, then one every 50ms
		limiter := ratelimit.NewTokenBucket(20, 1)
		if _, err := Subscribe[orderPlaced](ctx, bus, auditHandler, WithLimiter(limiter)); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		start := time.Now()
		for i := 0; i < 3; i++ {
			if err := Publish(ctx, bus, newOrder()); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
		}
		if !h.WaitFor(3, 2*time.Second) {
			t.Fatalf("expected 3 handler calls, got %d", h.Count())
		}
		if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
			t.Errorf("expected throttled handling to take at least 80ms, took %s", elapsed)
		}
	})

	t.Run("stop during limiter wait requeues", func(t *testing.T) {
		tr := channel.New()
		bus := setupBus(t, tr)
		h := NewTestHandler[orderPlaced](nil)
		if err := RegisterHandler(bus, auditHandler, h.Factory()); err != nil {
			t.Fatalf("RegisterHandler failed: %v", err)
		}
		limiter := &blockingLimiter{waiting: make(chan struct{}, 1)}
		sub, err := Subscribe[orderPlaced](ctx, bus, auditHandler, WithLimiter(limiter))
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		if err := Publish(ctx, bus, newOrder()); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		select {
		case <-limiter.waiting:
		case <-time.After(time.Second):
			t.Fatal("limiter not consulted")
		}

		if err := sub.Close(ctx); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if h.Count() != 0 {
			t.Error("handler should not run while the limiter blocks")
		}
		if n := depth(t, tr, auditQueue); n != 1 {
			t.Errorf("expected message back in queue, got depth %d", n)
		}
		if n := depth(t, tr, auditDLQ); n != 0 {
			t.Errorf("expected empty dead-letter queue, got %d", n)
		}
	})
}

// blockingLimiter never grants a permit.
type blockingLimiter struct {
	waiting chan struct{}
}

func (l *blockingLimiter) Allow(context.Context) bool { return false }

func (l *blockingLimiter) Wait(ctx context.Context) error {
	select {
	case l.waiting <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestCompetingBuses(t *testing.T) {
	ctx := context.Background()
	tr := channel.New()

	var calls [2]atomic.Int32
	for i := range calls {
		bus := setupBus(t, tr)
		n := &calls[i]
		RegisterHandler(bus, auditHandler, Func(func(context.Context, orderPlaced) error {
			n.Add(1)
			time.Sleep(2 * time.Millisecond)
			return nil
		}))
		if _, err := Subscribe[orderPlaced](ctx, bus, auditHandler); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}
	if tr.Consumers(auditQueue) != 2 {
		t.Fatalf("expected 2 consumers on the shared queue, got %d", tr.Consumers(auditQueue))
	}

	publisher := setupBus(t, tr)
	const total = 20
	for i := 0; i < total; i++ {
		if err := Publish(ctx, publisher, newOrder()); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	waitFor(t, "all handled", func() bool { return calls[0].Load()+calls[1].Load() == total })
	time.Sleep(20 * time.Millisecond)
	if sum := calls[0].Load() + calls[1].Load(); sum != total {
		t.Errorf("expected each message handled once (%d), got %d", total, sum)
	}
	if calls[0].Load() == 0 || calls[1].Load() == 0 {
		t.Errorf("expected load sharing, got %d and %d", calls[0].Load(), calls[1].Load())
	}
}

func TestFanOutToHandlers(t *testing.T) {
	ctx := context.Background()
	tr := channel.New()
	bus := setupBus(t, tr)

	audit := NewTestHandler[orderPlaced](nil)
	email := NewTestHandler[orderPlaced](nil)
	RegisterHandler(bus, auditHandler, audit.Factory())
	RegisterHandler(bus, "EmailHandler", email.Factory())
	for _, name := range []string{auditHandler, "EmailHandler"} {
		if _, err := Subscribe[orderPlaced](ctx, bus, name); err != nil {
			t.Fatalf("Subscribe %s failed: %v", name, err)
		}
	}

	if err := Publish(ctx, bus, newOrder()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !audit.WaitFor(1, 2*time.Second) || !email.WaitFor(1, 2*time.Second) {
		t.Fatal("expected every handler queue to receive the event")
	}
}

func TestStatus(t *testing.T) {
	tr := channel.New()
	bus := setupBus(t, tr)

	status := bus.Status(context.Background())
	if !status.IsHealthy() {
		t.Errorf("expected healthy, got %s: %s", status.Code, status.Message)
	}
	if _, ok := status.Components["transport"]; !ok {
		t.Error("expected transport component")
	}

	tr.SetAvailable(false)
	if err := bus.Health(context.Background()); err == nil {
		t.Error("expected unhealthy bus when broker is unavailable")
	}
	tr.SetAvailable(true)

	bus.Close(context.Background())
	if status := bus.Status(context.Background()); status.Code != StatusUnhealthy {
		t.Errorf("expected unhealthy after close, got %s", status.Code)
	}
}

func TestErrors(t *testing.T) {
	cause := errors.New("bad input")

	derr := error(&DecodeError{Queue: auditQueue, MessageID: "m1", Err: cause})
	if !errors.Is(derr, ErrDeserialization) || !errors.Is(derr, cause) || !IsDecodeError(derr) {
		t.Errorf("DecodeError does not match its kinds: %v", derr)
	}

	herr := error(&HandlerError{Event: orderPlacedName, Handler: auditHandler, MessageID: "m1", Err: ErrHandlerPanic})
	if !errors.Is(herr, ErrHandlerFailure) || !errors.Is(herr, ErrHandlerPanic) || !IsHandlerError(herr) {
		t.Errorf("HandlerError does not match its kinds: %v", herr)
	}
	if IsDecodeError(herr) {
		t.Error("HandlerError reported as decode error")
	}
}
