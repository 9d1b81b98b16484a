package eventbus

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/rbaliyan/eventbus/topology"
)

// registry is the static mapping between Go event types and their stable
// names, and between (event, handler) bindings and handler factories.
type registry struct {
	mu       sync.RWMutex
	byName   map[string]reflect.Type
	byType   map[reflect.Type]string
	handlers map[topology.Binding]any // HandlerFactory[E]
}

func newRegistry() *registry {
	return &registry{
		byName:   make(map[string]reflect.Type),
		byType:   make(map[reflect.Type]string),
		handlers: make(map[topology.Binding]any),
	}
}

// validateName rejects names that cannot serve as routing keys or queue name parts.
func validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty %s name", ErrInvalidName, kind)
	}
	if strings.ContainsAny(name, " \t\r\n*#") {
		return fmt.Errorf("%w: %s name %q contains whitespace or wildcard characters", ErrInvalidName, kind, name)
	}
	// "{Event}_{Handler}" splits at the first underscore.
	if kind == "event" && strings.Contains(name, topology.QueueSeparator) {
		return fmt.Errorf("%w: event name %q contains %q", ErrInvalidName, name, topology.QueueSeparator)
	}
	return nil
}

func typeOf[E any]() reflect.Type {
	return reflect.TypeOf((*E)(nil)).Elem()
}

// RegisterEvent associates the event type E with a stable name. The name is the
// routing key of every E published on the bus and the first half of the queue
// names of its handlers.
//
// Registering the same type under the same name again is a no-op. Registering
// a type under a second name, or a name for a second type, fails with
// ErrEventTypeConflict.
//
// Example:
//
//	eventbus.RegisterEvent[OrderCreated](bus, "OrderCreatedEvent")
func RegisterEvent[E IntegrationEvent](b *Bus, name string) error {
	if err := validateName("event", name); err != nil {
		return err
	}
	return b.registry.registerEvent(name, typeOf[E]())
}

func (r *registry) registerEvent(name string, typ reflect.Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok {
		if existing != typ {
			return fmt.Errorf("%w: %q registered as %v, requested %v", ErrEventTypeConflict, name, existing, typ)
		}
		return nil
	}
	if existing, ok := r.byType[typ]; ok {
		return fmt.Errorf("%w: %v registered as %q, requested %q", ErrEventTypeConflict, typ, existing, name)
	}
	r.byName[name] = typ
	r.byType[typ] = name
	return nil
}

// EventName returns the registered name of event type E.
func EventName[E IntegrationEvent](b *Bus) (string, error) {
	return b.registry.nameOf(typeOf[E]())
}

func (r *registry) nameOf(typ reflect.Type) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.byType[typ]
	if !ok {
		return "", fmt.Errorf("%w: %v", ErrEventNotRegistered, typ)
	}
	return name, nil
}

// Events returns the registered event names.
func (b *Bus) Events() []string {
	b.registry.mu.RLock()
	defer b.registry.mu.RUnlock()

	names := make([]string, 0, len(b.registry.byName))
	for name := range b.registry.byName {
		names = append(names, name)
	}
	return names
}

// RegisterHandler registers a handler factory under a handler name for event
// type E, which must already be registered. The pair identifies one durable
// queue, "{Event}_{Handler}".
//
// Example:
//
//	eventbus.RegisterHandler(bus, "SendConfirmationHandler",
//	    func(scope *eventbus.Scope) (eventbus.Handler[OrderCreated], error) {
//	        return &SendConfirmation{mailer: mailer, log: scope.Logger}, nil
//	    })
func RegisterHandler[E IntegrationEvent](b *Bus, handler string, factory HandlerFactory[E]) error {
	if err := validateName("handler", handler); err != nil {
		return err
	}
	if factory == nil {
		return fmt.Errorf("%w: nil factory for handler %q", ErrInvalidName, handler)
	}
	event, err := EventName[E](b)
	if err != nil {
		return err
	}

	binding := topology.Binding{Event: event, Handler: handler}

	r := b.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[binding]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, binding)
	}
	r.handlers[binding] = factory
	return nil
}

func lookupHandler[E IntegrationEvent](b *Bus, binding topology.Binding) (HandlerFactory[E], error) {
	r := b.registry
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.handlers[binding]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, binding)
	}
	factory, ok := v.(HandlerFactory[E])
	if !ok {
		return nil, fmt.Errorf("%w: %s registered for a different event type", ErrHandlerNotRegistered, binding)
	}
	return factory, nil
}
