package eventbus

import (
	"time"

	"github.com/rbaliyan/eventbus/transport"
)

// IntegrationEvent is implemented by every event published on the bus.
// Concrete events embed Base.
type IntegrationEvent interface {
	EventID() string
	EventCreatedAt() time.Time
}

// Base carries the identity of an integration event. Both fields are set once
// by NewBase and encoded as "Id" and "CreatedAt".
type Base struct {
	ID        string    `json:"Id"`
	CreatedAt time.Time `json:"CreatedAt"`
}

// NewBase returns a Base with a random UUID and the current UTC time.
func NewBase() Base {
	return Base{
		ID:        transport.NewID(),
		CreatedAt: time.Now().UTC(),
	}
}

// EventID returns the event id
func (b Base) EventID() string { return b.ID }

// EventCreatedAt returns the creation time
func (b Base) EventCreatedAt() time.Time { return b.CreatedAt }

// NewID generates a new unique ID
func NewID() string {
	return transport.NewID()
}
