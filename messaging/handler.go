package messaging

import (
	"context"

	"github.com/featurefusion/eventbus/contracts"
)

// EventHandler processes one event type. Implementations signal transience by
// returning a contracts.TransientError and business rejection by returning a
// contracts.BusinessError; any other error is treated as permanent.
type EventHandler interface {
	Handle(ctx context.Context, event contracts.Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event contracts.Event) error

// Handle implements EventHandler.
func (f EventHandlerFunc) Handle(ctx context.Context, event contracts.Event) error {
	return f(ctx, event)
}

// HandlerRegistration binds a named handler to an event type. The name is the
// durable identity recorded per-message in the inbox_subscribers table, so it
// must be stable across releases.
type HandlerRegistration struct {
	Name    string
	Handler EventHandler
}
