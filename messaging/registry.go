package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/featurefusion/eventbus/contracts"
	"github.com/google/uuid"
)

var (
	// ErrUnknownEventType is returned when a routing key has no registered
	// event type.
	ErrUnknownEventType = errors.New("messaging: unknown event type")
	// ErrIDMismatch is returned when a decoded payload carries an id other
	// than the broker message id, which indicates payload corruption.
	ErrIDMismatch = errors.New("messaging: payload id does not match message id")
	// ErrNilEvent is returned when a registered factory produces nil.
	ErrNilEvent = errors.New("messaging: event factory returned nil")
)

// EventFactory produces a fresh, empty event instance for deserialization.
type EventFactory func() contracts.Event

// Registry maps event-type names to factories and to the handlers subscribed
// to them. It is populated at startup and read concurrently afterwards; there
// is no runtime reflection or service location involved.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]EventFactory
	handlers  map[string][]HandlerRegistration
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]EventFactory),
		handlers:  make(map[string][]HandlerRegistration),
	}
}

// RegisterEvent registers an event type by name with its factory. The name is
// used as the broker routing key and as the stored event_type.
func (r *Registry) RegisterEvent(typeName string, factory EventFactory) error {
	if typeName == "" {
		return fmt.Errorf("messaging: event type name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("messaging: factory cannot be nil for %s", typeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typeName]; exists {
		return fmt.Errorf("messaging: event type %s already registered", typeName)
	}
	r.factories[typeName] = factory
	return nil
}

// Subscribe adds a named handler for an event type. The event type must be
// registered first. Duplicate (type, handler name) pairs are rejected because
// the handler name keys the per-subscriber status rows.
func (r *Registry) Subscribe(typeName, handlerName string, handler EventHandler) error {
	if handlerName == "" {
		return fmt.Errorf("messaging: handler name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("messaging: handler cannot be nil for %s", typeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typeName]; !exists {
		return fmt.Errorf("messaging: cannot subscribe %s: %w: %s", handlerName, ErrUnknownEventType, typeName)
	}
	for _, reg := range r.handlers[typeName] {
		if reg.Name == handlerName {
			return fmt.Errorf("messaging: handler %s already subscribed to %s", handlerName, typeName)
		}
	}
	r.handlers[typeName] = append(r.handlers[typeName], HandlerRegistration{
		Name:    handlerName,
		Handler: handler,
	})
	return nil
}

// IsRegistered reports whether an event type is known.
func (r *Registry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeName]
	return ok
}

// EventTypes returns all registered event type names, sorted for stable
// topology declaration.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handlers returns the handlers subscribed to an event type, in registration
// order. The returned slice is a copy.
func (r *Registry) Handlers(typeName string) []HandlerRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.handlers[typeName]
	out := make([]HandlerRegistration, len(regs))
	copy(out, regs)
	return out
}

// SubscriberNames returns the handler names subscribed to an event type.
func (r *Registry) SubscriberNames(typeName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.handlers[typeName]
	names := make([]string, 0, len(regs))
	for _, reg := range regs {
		names = append(names, reg.Name)
	}
	return names
}

// Decode resolves typeName, deserializes payload into a fresh instance, and
// verifies the embedded event id against expectedID. An unknown type, a
// malformed payload, or an id mismatch all indicate the message can never be
// processed.
func (r *Registry) Decode(typeName string, payload []byte, expectedID uuid.UUID) (contracts.Event, error) {
	r.mu.RLock()
	factory, ok := r.factories[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, typeName)
	}

	event := factory()
	if event == nil {
		return nil, fmt.Errorf("%w: %s", ErrNilEvent, typeName)
	}
	if err := json.Unmarshal(payload, event); err != nil {
		return nil, fmt.Errorf("messaging: decode %s: %w", typeName, err)
	}
	if event.EventID() != expectedID {
		return nil, fmt.Errorf("%w: stored %s, decoded %s", ErrIDMismatch, expectedID, event.EventID())
	}
	return event, nil
}
