// Package orders is the order-confirmation flow carried over the event bus:
// the order service publishes OrderCreatedEvent and the notification side
// emails the customer a confirmation.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/rbaliyan/eventbus"
)

// Event and handler names. They make up the queue name
// "OrderCreatedEvent_SendConfirmationHandler".
const (
	OrderCreated            = "OrderCreatedEvent"
	SendConfirmationHandler = "SendConfirmationHandler"
	AuditHandler            = "OrderAuditHandler"
)

// OrderCreatedEvent is published once an order is accepted.
type OrderCreatedEvent struct {
	eventbus.Base
	OrderID       string          `json:"OrderId"`
	Total         decimal.Decimal `json:"Total"`
	CustomerEmail string          `json:"CustomerEmail"`
}

// NewOrderCreated returns an event with a fresh id.
func NewOrderCreated(orderID string, total decimal.Decimal, email string) OrderCreatedEvent {
	return OrderCreatedEvent{
		Base:          eventbus.NewBase(),
		OrderID:       orderID,
		Total:         total,
		CustomerEmail: email,
	}
}

// Register registers the event and both handlers on the bus.
func Register(bus *eventbus.Bus, mailer Mailer, audit AuditLog) error {
	if mailer == nil {
		return errors.New("orders: mailer is required")
	}
	if err := eventbus.RegisterEvent[OrderCreatedEvent](bus, OrderCreated); err != nil {
		return err
	}

	err := eventbus.RegisterHandler(bus, SendConfirmationHandler,
		func(scope *eventbus.Scope) (eventbus.Handler[OrderCreatedEvent], error) {
			return &SendConfirmation{Mailer: mailer, Logger: scope.Logger}, nil
		})
	if err != nil {
		return err
	}

	if audit == nil {
		return nil
	}
	return eventbus.RegisterHandler(bus, AuditHandler,
		func(scope *eventbus.Scope) (eventbus.Handler[OrderCreatedEvent], error) {
			return &Audit{Log: audit, MessageID: scope.MessageID}, nil
		})
}

// Subscribe starts every registered handler. The audit handler is skipped
// when it was not registered. On error the subscriptions already started
// are closed.
func Subscribe(ctx context.Context, bus *eventbus.Bus, opts ...eventbus.SubscribeOption) ([]*eventbus.Subscription, error) {
	var subs []*eventbus.Subscription
	for _, h := range []string{SendConfirmationHandler, AuditHandler} {
		sub, err := eventbus.Subscribe[OrderCreatedEvent](ctx, bus, h, opts...)
		if errors.Is(err, eventbus.ErrHandlerNotRegistered) && h == AuditHandler {
			continue
		}
		if err != nil {
			for _, s := range subs {
				s.Close(context.WithoutCancel(ctx))
			}
			return nil, fmt.Errorf("subscribe %s: %w", h, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// SendConfirmation emails the customer an order confirmation.
type SendConfirmation struct {
	Mailer Mailer
	Logger *slog.Logger
}

// Handle sends the confirmation. A mailer failure dead-letters the message.
func (h *SendConfirmation) Handle(ctx context.Context, e OrderCreatedEvent) error {
	if e.CustomerEmail == "" {
		return fmt.Errorf("order %s: no customer email", e.OrderID)
	}
	mail := Email{
		To:      e.CustomerEmail,
		Subject: "Order " + e.OrderID + " confirmed",
		Body: fmt.Sprintf("Thank you for your order %s.\nTotal: %s\n",
			e.OrderID, e.Total.StringFixed(2)),
	}
	if err := h.Mailer.Send(ctx, mail); err != nil {
		return fmt.Errorf("send confirmation for order %s: %w", e.OrderID, err)
	}
	if h.Logger != nil {
		h.Logger.Info("confirmation sent", "order_id", e.OrderID)
	}
	return nil
}

// AuditLog records accepted orders.
type AuditLog interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// AuditEntry is one accepted order.
type AuditEntry struct {
	MessageID string
	OrderID   string
	Total     decimal.Decimal
}

// Audit writes every order to the audit log.
type Audit struct {
	Log       AuditLog
	MessageID string
}

func (h *Audit) Handle(ctx context.Context, e OrderCreatedEvent) error {
	return h.Log.Record(ctx, AuditEntry{MessageID: h.MessageID, OrderID: e.OrderID, Total: e.Total})
}
