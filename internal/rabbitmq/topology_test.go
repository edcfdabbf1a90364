package rabbitmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type staticEventTypes []string

func (s staticEventTypes) EventTypes() []string { return s }

func TestTopologyManager(t *testing.T) {
	t.Run("derives queue names", func(t *testing.T) {
		tm := NewTopologyManager(nil, staticEventTypes{"OrderCreatedEvent"}, "orders_queue")

		assert.Equal(t, "orders_queue", tm.QueueName())
		assert.Equal(t, "orders_queue_dlq", tm.DeadLetterQueueName())
	})

	t.Run("main queue args carry DLX and TTL", func(t *testing.T) {
		tm := NewTopologyManager(nil, staticEventTypes{}, "orders_queue",
			WithMessageTTL(time.Hour))

		args := tm.mainQueueArgs()
		assert.Equal(t, DeadLetterExchange, args["x-dead-letter-exchange"])
		assert.Equal(t, time.Hour.Milliseconds(), args["x-message-ttl"])
	})

	t.Run("TTL defaults to 24 hours", func(t *testing.T) {
		tm := NewTopologyManager(nil, staticEventTypes{}, "orders_queue")

		args := tm.mainQueueArgs()
		assert.Equal(t, (24 * time.Hour).Milliseconds(), args["x-message-ttl"])
	})

	t.Run("DLQ is lazy", func(t *testing.T) {
		tm := NewTopologyManager(nil, staticEventTypes{}, "orders_queue")

		assert.Equal(t, "lazy", tm.dlqArgs()["x-queue-mode"])
	})
}
