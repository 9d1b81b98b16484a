package eventbus

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/eventbus/topology"
)

// Bus errors
var (
	ErrBusClosed         = errors.New("bus is closed")
	ErrTransportRequired = errors.New("transport is required: use WithTransport(channel.New()) or similar")
	ErrInvalidName       = errors.New("invalid name")
	ErrInvalidEvent      = errors.New("invalid event")

	// ErrPublishUnavailable is returned when the broker cannot accept a
	// message. The message is not retried; the caller decides what to do.
	ErrPublishUnavailable = errors.New("publish unavailable")

	// ErrTopologyConflict is returned when an exchange or queue already exists
	// with incompatible properties. It is a startup configuration error.
	ErrTopologyConflict = topology.ErrConflict

	// ErrDuplicateSubscription is returned when the same (event, handler)
	// binding is subscribed twice on one bus.
	ErrDuplicateSubscription = errors.New("duplicate subscription")

	ErrEventNotRegistered   = errors.New("event type not registered")
	ErrEventTypeConflict    = errors.New("event type name conflict")
	ErrHandlerNotRegistered = errors.New("handler not registered")
	ErrHandlerExists        = errors.New("handler already registered")
)

// Dispatch failure kinds
var (
	// ErrDeserialization marks a message whose body could not be mapped to the
	// subscribed event type.
	ErrDeserialization = errors.New("deserialization failure")

	// ErrHandlerFailure marks a handler that returned an error, panicked or timed out.
	ErrHandlerFailure = errors.New("handler failure")

	ErrHandlerTimeout = errors.New("handler timed out")
	ErrHandlerPanic   = errors.New("handler panicked")
)

// DecodeError describes a message that could not be decoded. The message is
// rejected without requeue.
type DecodeError struct {
	Queue       string
	MessageID   string
	ContentType string
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message %s from %s: %v", e.MessageID, e.Queue, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is reports ErrDeserialization as a match.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDeserialization
}

// HandlerError describes a failed handler invocation.
type HandlerError struct {
	Event     string
	Handler   string
	MessageID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed for %s %s: %v", e.Handler, e.Event, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Is reports ErrHandlerFailure as a match.
func (e *HandlerError) Is(target error) bool {
	return target == ErrHandlerFailure
}

// IsDecodeError checks if an error is a deserialization failure.
func IsDecodeError(err error) bool {
	var decodeErr *DecodeError
	return errors.As(err, &decodeErr)
}

// IsHandlerError checks if an error is a handler failure.
func IsHandlerError(err error) bool {
	var handlerErr *HandlerError
	return errors.As(err, &handlerErr)
}
