package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/featurefusion/eventbus/contracts"
	"github.com/featurefusion/eventbus/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler runs a delivered message through the processing pipeline
// and reports the outcome. The returned error, when present, only enriches
// the dead-letter failure headers; the result alone drives acknowledgement.
type DeliveryHandler interface {
	ProcessDelivery(ctx context.Context, delivery amqp.Delivery) (contracts.ProcessingResult, error)
}

// Republisher is the publish surface the consumer uses for retry and
// dead-letter copies. *Publisher satisfies it.
type Republisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Consumer runs one long-lived consume loop on the service queue. The loop is
// restarted under the consume policy (unbounded backoff) whenever the broker
// closes the delivery channel, and each message ends in exactly one of: ack,
// retry republish, or dead-letter. A single bad message never crashes the
// loop.
type Consumer struct {
	conns     *ConnectionManager
	publisher Republisher
	policies  *reliability.PolicyProvider
	handler   DeliveryHandler
	queue     string

	prefetchCount int
	maxRetries    int
	retryDelayCap time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	started  bool
	stopping bool
	done     chan struct{}
	stopped  chan struct{}
}

// ConsumerOption configures the Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithPrefetchCount sets the channel QoS prefetch.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithMaxRetries sets how many RetryLater redeliveries a message gets before
// it is dead-lettered.
func WithMaxRetries(max int) ConsumerOption {
	return func(c *Consumer) {
		c.maxRetries = max
	}
}

// WithRetryDelayCap caps the backoff applied before a retry. The delay
// sleeps inline in the consume loop, so every prefetched delivery waits
// behind it; keep the cap modest.
func WithRetryDelayCap(cap time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.retryDelayCap = cap
	}
}

// NewConsumer creates a consumer for the given queue.
func NewConsumer(conns *ConnectionManager, publisher Republisher, policies *reliability.PolicyProvider, queue string, handler DeliveryHandler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		conns:         conns,
		publisher:     publisher,
		policies:      policies,
		handler:       handler,
		queue:         queue,
		prefetchCount: DefaultPrefetchCount,
		maxRetries:    3,
		retryDelayCap: DefaultRetryDelayCap,
		logger:        slog.Default(),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Start launches the consume loop. It returns immediately; delivery handling
// happens on a background goroutine until Stop is called or ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("rabbitmq: consumer already started for queue %s", c.queue)
	}
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Stop terminates the consume loop and waits for it to drain. Safe to call
// more than once.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.started || c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.mu.Unlock()

	close(c.done)
	<-c.stopped
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.stopped)

	// The consume policy retries forever: a dead consumer must eventually
	// recover, not give up.
	err := c.policies.ConsumePolicy().Execute(ctx, func() error {
		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}
		return c.consumeOnce(ctx)
	})
	if err != nil {
		c.logger.Error("consumer loop terminated", "queue", c.queue, "error", err)
	}
}

// consumeOnce subscribes and drains deliveries until the channel closes or
// the consumer stops. Returning an error makes the consume policy resubscribe.
func (c *Consumer) consumeOnce(ctx context.Context) error {
	ch, err := c.conns.CreateChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.logger.Info("consuming", "queue", c.queue, "prefetch", c.prefetchCount)

	for {
		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", c.queue)
				return ErrConnectionClosed
			}
			c.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery runs one message through the pipeline and maps the result to
// a broker acknowledgement. Panics are treated as permanent failures.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	result := contracts.ProcessingPermanentFailure
	var handlerErr error

	func() {
		defer func() {
			if r := recover(); r != nil {
				result = contracts.ProcessingPermanentFailure
				handlerErr = fmt.Errorf("panic during message processing: %v", r)
				c.logger.Error("panic during message processing",
					"queue", c.queue,
					"messageId", delivery.MessageId,
					"panic", r)
			}
		}()
		result, handlerErr = c.handler.ProcessDelivery(ctx, delivery)
	}()

	attemptNumber := RetryCount(delivery) + 1

	switch {
	case result == contracts.ProcessingSuccess || result == contracts.ProcessingDuplicate:
		c.ack(delivery)
		c.logger.Info("message processed",
			"messageId", delivery.MessageId,
			"result", result.String())

	case result == contracts.ProcessingRetryLater && attemptNumber < c.maxRetries+1:
		c.retry(ctx, delivery, attemptNumber)

	default:
		c.deadLetter(ctx, delivery, result, handlerErr, attemptNumber)
	}
}

// retry republishes the message with an incremented x-retry-count after an
// advisory backoff delay, then acks the original. Republishing (rather than a
// bare requeue nack) is what makes the retry count durable on the wire; a
// plain nack would redeliver the original headers unchanged.
func (c *Consumer) retry(ctx context.Context, delivery amqp.Delivery, attemptNumber int) {
	delay := c.retryDelay(attemptNumber)

	c.logger.Warn("retrying message",
		"messageId", delivery.MessageId,
		"attempt", attemptNumber,
		"maxAttempts", c.maxRetries+1,
		"delay", delay)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		// Shutting down mid-backoff: hand the message back to the broker
		// instead of publishing on a dying connection.
		c.logger.Warn("retry interrupted by shutdown, requeueing",
			"messageId", delivery.MessageId)
		c.nack(delivery, true)
		return
	case <-c.done:
		c.logger.Warn("retry interrupted by shutdown, requeueing",
			"messageId", delivery.MessageId)
		c.nack(delivery, true)
		return
	}

	headers := IncrementRetryCount(delivery.Headers)
	headers[HeaderRetryDelay] = delay.Milliseconds()

	msg := amqp.Publishing{
		MessageId:    delivery.MessageId,
		ContentType:  delivery.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    delivery.Timestamp,
		Body:         delivery.Body,
		Headers:      headers,
	}
	if err := c.publisher.Publish(ctx, MainExchange, delivery.RoutingKey, msg); err != nil {
		// Fall back to a broker requeue; the retry count will not advance
		// but the message is not lost.
		c.logger.Error("retry republish failed, requeueing",
			"messageId", delivery.MessageId,
			"error", err)
		c.nack(delivery, true)
		return
	}
	c.ack(delivery)
}

// deadLetter routes the message to the DLQ via the dead-letter exchange with
// failure headers attached, then acks the original. If the republish fails
// the broker-side DLX binding still moves the message on a requeue=false
// nack, just without the enriched headers.
func (c *Consumer) deadLetter(ctx context.Context, delivery amqp.Delivery, result contracts.ProcessingResult, cause error, attemptNumber int) {
	c.logger.Error("message moved to DLQ",
		"messageId", delivery.MessageId,
		"result", result.String(),
		"attempts", attemptNumber,
		"error", cause)

	msg := amqp.Publishing{
		MessageId:    delivery.MessageId,
		ContentType:  delivery.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    delivery.Timestamp,
		Body:         delivery.Body,
		Headers:      FailureHeaders(delivery.Headers, result.String(), cause),
	}
	if err := c.publisher.Publish(ctx, DeadLetterExchange, delivery.RoutingKey, msg); err != nil {
		c.logger.Error("dead-letter republish failed, nacking to DLX",
			"messageId", delivery.MessageId,
			"error", err)
		c.nack(delivery, false)
		return
	}
	c.ack(delivery)
}

// retryDelay is min(2^attempt, cap) with up to 20% jitter.
func (c *Consumer) retryDelay(attemptNumber int) time.Duration {
	base := time.Duration(math.Pow(2, float64(attemptNumber))) * time.Second
	if base > c.retryDelayCap {
		base = c.retryDelayCap
	}
	jitter := 1 + rand.Float64()*0.2
	delay := time.Duration(float64(base) * jitter)
	if delay > c.retryDelayCap {
		delay = c.retryDelayCap
	}
	return delay
}

func (c *Consumer) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message",
			"messageId", delivery.MessageId,
			"error", err)
	}
}

func (c *Consumer) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.Error("failed to nack message",
			"messageId", delivery.MessageId,
			"requeue", requeue,
			"error", err)
	}
}
