package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderCreatedEvent struct {
	IntegrationEvent
	OrderID uuid.UUID `json:"orderId"`
	Total   float64   `json:"total"`
}

func (orderCreatedEvent) EventType() string { return "OrderCreatedEvent" }

type auditEvent struct {
	IntegrationEvent
}

func (auditEvent) EventType() string          { return "AuditEvent" }
func (auditEvent) AllowsDirectFallback() bool { return true }

func TestIntegrationEvent(t *testing.T) {
	t.Run("assigns identity and UTC timestamp", func(t *testing.T) {
		e := NewIntegrationEvent()

		assert.NotEqual(t, uuid.Nil, e.EventID())
		assert.Equal(t, time.UTC, e.EventOccurredOn().Location())
		assert.WithinDuration(t, time.Now().UTC(), e.EventOccurredOn(), time.Second)
	})

	t.Run("round-trips through JSON embedded in a concrete event", func(t *testing.T) {
		original := orderCreatedEvent{
			IntegrationEvent: NewIntegrationEvent(),
			OrderID:          uuid.New(),
			Total:            99.95,
		}

		data, err := json.Marshal(original)
		require.NoError(t, err)

		var decoded orderCreatedEvent
		require.NoError(t, json.Unmarshal(data, &decoded))

		assert.Equal(t, original.EventID(), decoded.EventID())
		assert.Equal(t, original.OrderID, decoded.OrderID)
		assert.Equal(t, original.Total, decoded.Total)
		assert.True(t, original.EventOccurredOn().Equal(decoded.EventOccurredOn()))
	})
}

func TestAllowsDirectFallback(t *testing.T) {
	t.Run("defaults to false", func(t *testing.T) {
		assert.False(t, AllowsDirectFallback(orderCreatedEvent{IntegrationEvent: NewIntegrationEvent()}))
	})

	t.Run("honors the opt-in", func(t *testing.T) {
		assert.True(t, AllowsDirectFallback(auditEvent{IntegrationEvent: NewIntegrationEvent()}))
	})
}

func TestResultStrings(t *testing.T) {
	assert.Equal(t, "Success", StoreSuccess.String())
	assert.Equal(t, "Duplicate", StoreDuplicate.String())
	assert.Equal(t, "StorageFailed", StoreFailed.String())
	assert.Equal(t, "NoSubscribers", StoreNoSubscribers.String())

	assert.Equal(t, "Success", ProcessingSuccess.String())
	assert.Equal(t, "RetryLater", ProcessingRetryLater.String())
	assert.Equal(t, "PermanentFailure", ProcessingPermanentFailure.String())
	assert.Equal(t, "Duplicate", ProcessingDuplicate.String())
}

func TestErrorClassification(t *testing.T) {
	t.Run("nil is success", func(t *testing.T) {
		assert.Equal(t, ProcessingSuccess, ClassifyHandlerError(nil))
	})

	t.Run("business errors are permanent", func(t *testing.T) {
		err := NewBusinessError("order already shipped", nil)
		assert.Equal(t, ProcessingPermanentFailure, ClassifyHandlerError(err))
	})

	t.Run("wrapped business errors are still permanent", func(t *testing.T) {
		err := fmt.Errorf("dispatch: %w", NewBusinessError("limit exceeded", errors.New("42 > 10")))
		assert.True(t, IsBusinessError(err))
		assert.Equal(t, ProcessingPermanentFailure, ClassifyHandlerError(err))
	})

	t.Run("transient errors are retried", func(t *testing.T) {
		err := NewTransientError(errors.New("connection reset"))
		assert.True(t, IsTransientError(err))
		assert.Equal(t, ProcessingRetryLater, ClassifyHandlerError(err))
	})

	t.Run("unknown errors are retried", func(t *testing.T) {
		assert.Equal(t, ProcessingRetryLater, ClassifyHandlerError(errors.New("who knows")))
	})

	t.Run("errors unwrap to their cause", func(t *testing.T) {
		cause := errors.New("root")
		assert.ErrorIs(t, NewBusinessError("r", cause), cause)
		assert.ErrorIs(t, NewTransientError(cause), cause)
	})
}
