package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/featurefusion/eventbus/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeAcknowledger struct {
	acked    bool
	nacked   bool
	requeue  bool
	rejected bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.rejected = true
	return nil
}

type fakeRepublisher struct {
	exchanges   []string
	routingKeys []string
	messages    []amqp.Publishing
	err         error
}

func (f *fakeRepublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.exchanges = append(f.exchanges, exchange)
	f.routingKeys = append(f.routingKeys, routingKey)
	f.messages = append(f.messages, msg)
	return nil
}

type resultHandler struct {
	result contracts.ProcessingResult
	err    error
	panics bool
}

func (h *resultHandler) ProcessDelivery(ctx context.Context, d amqp.Delivery) (contracts.ProcessingResult, error) {
	if h.panics {
		panic("handler exploded")
	}
	return h.result, h.err
}

func testDelivery(ack *fakeAcknowledger, retryCount int) amqp.Delivery {
	headers := amqp.Table{HeaderEventType: "OrderCreatedEvent"}
	if retryCount > 0 {
		headers[HeaderRetryCount] = int32(retryCount)
	}
	return amqp.Delivery{
		Acknowledger: ack,
		MessageId:    "af47ac10-58cc-4372-a567-0e02b2c3d479",
		RoutingKey:   "OrderCreatedEvent",
		ContentType:  "application/json",
		Body:         []byte(`{"id":"af47ac10-58cc-4372-a567-0e02b2c3d479"}`),
		Headers:      headers,
	}
}

func newTestConsumer(pub Republisher, handler DeliveryHandler) *Consumer {
	return NewConsumer(nil, pub, nil, "orders_queue", handler,
		WithMaxRetries(3),
		WithRetryDelayCap(time.Millisecond))
}

func TestConsumerHandleDelivery(t *testing.T) {
	t.Run("acks on success", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		pub := &fakeRepublisher{}
		c := newTestConsumer(pub, &resultHandler{result: contracts.ProcessingSuccess})

		c.handleDelivery(context.Background(), testDelivery(ack, 0))

		assert.True(t, ack.acked)
		assert.False(t, ack.nacked)
		assert.Empty(t, pub.messages)
	})

	t.Run("acks on duplicate", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		pub := &fakeRepublisher{}
		c := newTestConsumer(pub, &resultHandler{result: contracts.ProcessingDuplicate})

		c.handleDelivery(context.Background(), testDelivery(ack, 0))

		assert.True(t, ack.acked)
		assert.Empty(t, pub.messages)
	})

	t.Run("republishes with incremented retry count on retry-later", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		pub := &fakeRepublisher{}
		c := newTestConsumer(pub, &resultHandler{result: contracts.ProcessingRetryLater, err: errors.New("db blip")})

		c.handleDelivery(context.Background(), testDelivery(ack, 1))

		require.Len(t, pub.messages, 1)
		assert.Equal(t, MainExchange, pub.exchanges[0])
		assert.Equal(t, "OrderCreatedEvent", pub.routingKeys[0])
		assert.Equal(t, int32(2), pub.messages[0].Headers[HeaderRetryCount])
		assert.Contains(t, pub.messages[0].Headers, HeaderRetryDelay)
		assert.True(t, ack.acked, "original must be acked after republish")
		assert.False(t, ack.nacked)
	})

	t.Run("dead-letters once the retry budget is spent", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		pub := &fakeRepublisher{}
		cause := errors.New("db still down")
		c := newTestConsumer(pub, &resultHandler{result: contracts.ProcessingRetryLater, err: cause})

		// x-retry-count 3 means this is the fourth attempt, past maxRetries.
		c.handleDelivery(context.Background(), testDelivery(ack, 3))

		require.Len(t, pub.messages, 1)
		assert.Equal(t, DeadLetterExchange, pub.exchanges[0])
		headers := pub.messages[0].Headers
		assert.Equal(t, "RetryLater", headers[HeaderFailureReason])
		assert.Equal(t, "db still down", headers[HeaderExceptionMessage])
		assert.True(t, ack.acked)
	})

	t.Run("dead-letters permanent failures immediately", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		pub := &fakeRepublisher{}
		c := newTestConsumer(pub, &resultHandler{result: contracts.ProcessingPermanentFailure, err: errors.New("bad payload")})

		c.handleDelivery(context.Background(), testDelivery(ack, 0))

		require.Len(t, pub.messages, 1)
		assert.Equal(t, DeadLetterExchange, pub.exchanges[0])
		assert.Equal(t, "PermanentFailure", pub.messages[0].Headers[HeaderFailureReason])
		assert.True(t, ack.acked)
	})

	t.Run("recovers a handler panic into a dead-letter", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		pub := &fakeRepublisher{}
		c := newTestConsumer(pub, &resultHandler{panics: true})

		assert.NotPanics(t, func() {
			c.handleDelivery(context.Background(), testDelivery(ack, 0))
		})
		require.Len(t, pub.messages, 1)
		assert.Equal(t, DeadLetterExchange, pub.exchanges[0])
		assert.True(t, ack.acked)
	})

	t.Run("falls back to requeue nack when retry republish fails", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		pub := &fakeRepublisher{err: errors.New("broker down")}
		c := newTestConsumer(pub, &resultHandler{result: contracts.ProcessingRetryLater, err: errors.New("blip")})

		c.handleDelivery(context.Background(), testDelivery(ack, 0))

		assert.False(t, ack.acked)
		assert.True(t, ack.nacked)
		assert.True(t, ack.requeue)
	})

	t.Run("falls back to DLX nack when dead-letter republish fails", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		pub := &fakeRepublisher{err: errors.New("broker down")}
		c := newTestConsumer(pub, &resultHandler{result: contracts.ProcessingPermanentFailure, err: errors.New("bad")})

		c.handleDelivery(context.Background(), testDelivery(ack, 0))

		assert.False(t, ack.acked)
		assert.True(t, ack.nacked)
		assert.False(t, ack.requeue, "DLX binding moves the message on requeue=false")
	})
}

func TestConsumerRetryDelay(t *testing.T) {
	c := NewConsumer(nil, nil, nil, "q", nil, WithRetryDelayCap(5*time.Second))

	for attempt := 1; attempt <= 10; attempt++ {
		delay := c.retryDelay(attempt)
		assert.Greater(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, 5*time.Second)
	}
}

func TestConsumerRetryShutdown(t *testing.T) {
	t.Run("cancelled context requeues instead of republishing", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		pub := &fakeRepublisher{}
		c := NewConsumer(nil, pub, nil, "orders_queue", nil, WithRetryDelayCap(time.Minute))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		c.retry(ctx, testDelivery(ack, 0), 1)

		assert.True(t, ack.nacked)
		assert.True(t, ack.requeue)
		assert.False(t, ack.acked)
		assert.Empty(t, pub.messages, "must not publish during shutdown")
	})

	t.Run("consumer stop requeues instead of republishing", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		pub := &fakeRepublisher{}
		c := NewConsumer(nil, pub, nil, "orders_queue", nil, WithRetryDelayCap(time.Minute))
		close(c.done)

		c.retry(context.Background(), testDelivery(ack, 0), 1)

		assert.True(t, ack.nacked)
		assert.True(t, ack.requeue)
		assert.Empty(t, pub.messages)
	})
}
