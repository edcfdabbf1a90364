package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/featurefusion/eventbus/contracts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stockReservedEvent struct {
	contracts.IntegrationEvent
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func (*stockReservedEvent) EventType() string { return "StockReservedEvent" }

func newStockReserved() contracts.Event { return &stockReservedEvent{} }

func noopHandler() EventHandler {
	return EventHandlerFunc(func(ctx context.Context, event contracts.Event) error {
		return nil
	})
}

func TestRegistryRegistration(t *testing.T) {
	t.Run("registers event types once", func(t *testing.T) {
		r := NewRegistry()

		require.NoError(t, r.RegisterEvent("StockReservedEvent", newStockReserved))
		assert.True(t, r.IsRegistered("StockReservedEvent"))
		assert.False(t, r.IsRegistered("UnknownEvent"))

		err := r.RegisterEvent("StockReservedEvent", newStockReserved)
		assert.Error(t, err)
	})

	t.Run("rejects empty names and nil factories", func(t *testing.T) {
		r := NewRegistry()

		assert.Error(t, r.RegisterEvent("", newStockReserved))
		assert.Error(t, r.RegisterEvent("StockReservedEvent", nil))
	})

	t.Run("lists event types sorted", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.RegisterEvent("ZebraEvent", newStockReserved))
		require.NoError(t, r.RegisterEvent("AlphaEvent", newStockReserved))

		assert.Equal(t, []string{"AlphaEvent", "ZebraEvent"}, r.EventTypes())
	})
}

func TestRegistrySubscribe(t *testing.T) {
	t.Run("requires a registered event type", func(t *testing.T) {
		r := NewRegistry()

		err := r.Subscribe("GhostEvent", "handler", noopHandler())
		assert.ErrorIs(t, err, ErrUnknownEventType)
	})

	t.Run("rejects duplicate handler names per type", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.RegisterEvent("StockReservedEvent", newStockReserved))
		require.NoError(t, r.Subscribe("StockReservedEvent", "inventory", noopHandler()))

		err := r.Subscribe("StockReservedEvent", "inventory", noopHandler())
		assert.Error(t, err)
	})

	t.Run("preserves registration order", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.RegisterEvent("StockReservedEvent", newStockReserved))
		require.NoError(t, r.Subscribe("StockReservedEvent", "first", noopHandler()))
		require.NoError(t, r.Subscribe("StockReservedEvent", "second", noopHandler()))

		assert.Equal(t, []string{"first", "second"}, r.SubscriberNames("StockReservedEvent"))

		regs := r.Handlers("StockReservedEvent")
		require.Len(t, regs, 2)
		assert.Equal(t, "first", regs[0].Name)
		assert.Equal(t, "second", regs[1].Name)
	})

	t.Run("returned handler slice is a copy", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.RegisterEvent("StockReservedEvent", newStockReserved))
		require.NoError(t, r.Subscribe("StockReservedEvent", "only", noopHandler()))

		regs := r.Handlers("StockReservedEvent")
		regs[0].Name = "mutated"

		assert.Equal(t, "only", r.Handlers("StockReservedEvent")[0].Name)
	})
}

func TestRegistryDecode(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterEvent("StockReservedEvent", newStockReserved))

	t.Run("decodes a payload into a fresh instance", func(t *testing.T) {
		original := &stockReservedEvent{
			IntegrationEvent: contracts.NewIntegrationEvent(),
			SKU:              "SKU-42",
			Quantity:         3,
		}
		payload, err := json.Marshal(original)
		require.NoError(t, err)

		event, err := r.Decode("StockReservedEvent", payload, original.EventID())
		require.NoError(t, err)

		decoded, ok := event.(*stockReservedEvent)
		require.True(t, ok)
		assert.Equal(t, "SKU-42", decoded.SKU)
		assert.Equal(t, 3, decoded.Quantity)
		assert.Equal(t, original.EventID(), decoded.EventID())
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		_, err := r.Decode("GhostEvent", []byte("{}"), uuid.New())
		assert.ErrorIs(t, err, ErrUnknownEventType)
	})

	t.Run("rejects malformed payload", func(t *testing.T) {
		_, err := r.Decode("StockReservedEvent", []byte("not json"), uuid.New())
		assert.Error(t, err)
	})

	t.Run("rejects id mismatch", func(t *testing.T) {
		original := &stockReservedEvent{IntegrationEvent: contracts.NewIntegrationEvent()}
		payload, err := json.Marshal(original)
		require.NoError(t, err)

		_, err = r.Decode("StockReservedEvent", payload, uuid.New())
		assert.ErrorIs(t, err, ErrIDMismatch)
	})
}

func TestEventHandlerFunc(t *testing.T) {
	called := false
	h := EventHandlerFunc(func(ctx context.Context, event contracts.Event) error {
		called = true
		return nil
	})

	err := h.Handle(context.Background(), &stockReservedEvent{})
	assert.NoError(t, err)
	assert.True(t, called)
}
