package eventbus

import "context"

// Handler processes one integration event. Returning an error dead-letters the message.
type Handler[E IntegrationEvent] interface {
	Handle(ctx context.Context, event E) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[E IntegrationEvent] func(ctx context.Context, event E) error

// Handle calls f(ctx, event).
func (f HandlerFunc[E]) Handle(ctx context.Context, event E) error {
	return f(ctx, event)
}

// HandlerFactory builds the handler for one delivery. It is called once per
// message with that delivery's Scope, so handlers can hold per-message state
// and register cleanup with Scope.OnRelease.
type HandlerFactory[E IntegrationEvent] func(scope *Scope) (Handler[E], error)

// Func returns a factory for a stateless handler function.
func Func[E IntegrationEvent](fn func(ctx context.Context, event E) error) HandlerFactory[E] {
	h := HandlerFunc[E](fn)
	return func(*Scope) (Handler[E], error) {
		return h, nil
	}
}
