package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Event is the interface implemented by every domain event that travels
// through the bus. Concrete events embed IntegrationEvent and add their own
// payload fields.
type Event interface {
	EventID() uuid.UUID
	EventOccurredOn() time.Time
	EventType() string
}

// DirectFallback marks events that may be published directly to the broker
// when the outbox write fails. This trades durability for availability and is
// opt-in per event type, never a default.
type DirectFallback interface {
	AllowsDirectFallback() bool
}

// IntegrationEvent provides the identity and timestamp fields shared by all
// events. The ID doubles as the broker message id and as the outbox/inbox
// primary key, so it must be globally unique.
type IntegrationEvent struct {
	ID         uuid.UUID `json:"id"`
	OccurredOn time.Time `json:"occurredOn"`
}

// NewIntegrationEvent creates an IntegrationEvent with a fresh UUID and the
// current UTC time.
func NewIntegrationEvent() IntegrationEvent {
	return IntegrationEvent{
		ID:         uuid.New(),
		OccurredOn: time.Now().UTC(),
	}
}

// EventID returns the unique event identity.
func (e IntegrationEvent) EventID() uuid.UUID {
	return e.ID
}

// EventOccurredOn returns the event creation timestamp.
func (e IntegrationEvent) EventOccurredOn() time.Time {
	return e.OccurredOn
}

// AllowsDirectFallback reports whether the event opted into direct-publish
// fallback when the outbox write fails.
func AllowsDirectFallback(e Event) bool {
	df, ok := e.(DirectFallback)
	return ok && df.AllowsDirectFallback()
}
