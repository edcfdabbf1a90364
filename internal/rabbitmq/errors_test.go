package rabbitmq

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionError(t *testing.T) {
	t.Run("includes attempts when known", func(t *testing.T) {
		err := &ConnectionError{Op: "connect", Err: ErrBrokerUnavailable, Attempts: 5}

		assert.Contains(t, err.Error(), "after 5 attempts")
		assert.ErrorIs(t, err, ErrBrokerUnavailable)
	})

	t.Run("omits attempts when unknown", func(t *testing.T) {
		err := &ConnectionError{Op: "channel", Err: errors.New("closed")}
		assert.NotContains(t, err.Error(), "attempts")
	})
}

func TestPublishError(t *testing.T) {
	err := &PublishError{
		Exchange:   MainExchange,
		RoutingKey: "OrderCreatedEvent",
		MessageID:  "abc",
		Err:        ErrNotAcked,
	}

	assert.Contains(t, err.Error(), "domain_events/OrderCreatedEvent")
	assert.ErrorIs(t, err, ErrNotAcked)

	var pe *PublishError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &pe))
}

func TestTopologyError(t *testing.T) {
	cause := errors.New("access refused")
	err := &TopologyError{Component: "queue", Name: "orders_queue", Op: "declare", Err: cause}

	assert.Contains(t, err.Error(), `declare queue "orders_queue"`)
	assert.ErrorIs(t, err, cause)
}
