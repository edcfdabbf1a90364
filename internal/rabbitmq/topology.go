package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// EventTypeSource lists the event types whose routing keys must be bound to
// the service queue and its DLQ. The subscription registry satisfies this.
type EventTypeSource interface {
	EventTypes() []string
}

// TopologyManager declares and validates the broker topology: the main
// direct exchange, the dead-letter exchange, the durable service queue (with
// DLX and TTL arguments), the lazy DLQ, and one binding per registered event
// type on both queues.
type TopologyManager struct {
	conns      *ConnectionManager
	eventTypes EventTypeSource
	queue      string
	messageTTL time.Duration
	logger     *slog.Logger
}

// TopologyOption configures the TopologyManager.
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger.
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// WithMessageTTL sets the main queue's x-message-ttl.
func WithMessageTTL(ttl time.Duration) TopologyOption {
	return func(tm *TopologyManager) {
		tm.messageTTL = ttl
	}
}

// NewTopologyManager creates a topology manager for the given service queue.
func NewTopologyManager(conns *ConnectionManager, eventTypes EventTypeSource, queue string, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		conns:      conns,
		eventTypes: eventTypes,
		queue:      queue,
		messageTTL: DefaultMessageTTL,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(tm)
	}
	return tm
}

// QueueName returns the main service queue name.
func (tm *TopologyManager) QueueName() string {
	return tm.queue
}

// DeadLetterQueueName returns the DLQ name derived from the service queue.
func (tm *TopologyManager) DeadLetterQueueName() string {
	return tm.queue + "_dlq"
}

// Declare idempotently declares the full topology. Declaration failures are
// logged and returned; consumer startup must not swallow them.
func (tm *TopologyManager) Declare(ctx context.Context) error {
	ch, err := tm.conns.CreateChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := tm.declareExchanges(ch); err != nil {
		tm.logger.Error("topology declaration failed", "error", err)
		return err
	}
	if err := tm.declareQueues(ch); err != nil {
		tm.logger.Error("topology declaration failed", "error", err)
		return err
	}
	if err := tm.bindEventTypes(ch); err != nil {
		tm.logger.Error("topology declaration failed", "error", err)
		return err
	}

	tm.logger.Info("topology declared",
		"queue", tm.queue,
		"dlq", tm.DeadLetterQueueName(),
		"bindings", len(tm.eventTypes.EventTypes()))
	return nil
}

// Validate asserts the topology exists using passive declarations, without
// mutating anything. Used as a readiness probe.
func (tm *TopologyManager) Validate(ctx context.Context) error {
	ch, err := tm.conns.CreateChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclarePassive(MainExchange, "direct", true, false, false, false, nil); err != nil {
		return &TopologyError{Component: "exchange", Name: MainExchange, Op: "validate", Err: err}
	}
	if err := ch.ExchangeDeclarePassive(DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return &TopologyError{Component: "exchange", Name: DeadLetterExchange, Op: "validate", Err: err}
	}
	if _, err := ch.QueueDeclarePassive(tm.queue, true, false, false, false, tm.mainQueueArgs()); err != nil {
		return &TopologyError{Component: "queue", Name: tm.queue, Op: "validate", Err: err}
	}
	if _, err := ch.QueueDeclarePassive(tm.DeadLetterQueueName(), true, false, false, false, tm.dlqArgs()); err != nil {
		return &TopologyError{Component: "queue", Name: tm.DeadLetterQueueName(), Op: "validate", Err: err}
	}

	tm.logger.Info("topology validated", "queue", tm.queue)
	return nil
}

// Reset deletes and re-declares the whole topology. Destructive; intended for
// tests and operational recovery only.
func (tm *TopologyManager) Reset(ctx context.Context) error {
	ch, err := tm.conns.CreateChannel(ctx)
	if err != nil {
		return err
	}

	if _, err := ch.QueueDelete(tm.queue, false, false, false); err != nil {
		ch.Close()
		return &TopologyError{Component: "queue", Name: tm.queue, Op: "delete", Err: err}
	}
	if _, err := ch.QueueDelete(tm.DeadLetterQueueName(), false, false, false); err != nil {
		ch.Close()
		return &TopologyError{Component: "queue", Name: tm.DeadLetterQueueName(), Op: "delete", Err: err}
	}
	if err := ch.ExchangeDelete(MainExchange, false, false); err != nil {
		ch.Close()
		return &TopologyError{Component: "exchange", Name: MainExchange, Op: "delete", Err: err}
	}
	if err := ch.ExchangeDelete(DeadLetterExchange, false, false); err != nil {
		ch.Close()
		return &TopologyError{Component: "exchange", Name: DeadLetterExchange, Op: "delete", Err: err}
	}
	ch.Close()

	tm.logger.Warn("topology deleted, re-declaring", "queue", tm.queue)
	return tm.Declare(ctx)
}

func (tm *TopologyManager) declareExchanges(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(MainExchange, "direct", true, false, false, false, nil); err != nil {
		return &TopologyError{Component: "exchange", Name: MainExchange, Op: "declare", Err: err}
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return &TopologyError{Component: "exchange", Name: DeadLetterExchange, Op: "declare", Err: err}
	}
	return nil
}

func (tm *TopologyManager) declareQueues(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(tm.queue, true, false, false, false, tm.mainQueueArgs()); err != nil {
		return &TopologyError{Component: "queue", Name: tm.queue, Op: "declare", Err: err}
	}
	if _, err := ch.QueueDeclare(tm.DeadLetterQueueName(), true, false, false, false, tm.dlqArgs()); err != nil {
		return &TopologyError{Component: "queue", Name: tm.DeadLetterQueueName(), Op: "declare", Err: err}
	}
	return nil
}

func (tm *TopologyManager) bindEventTypes(ch *amqp.Channel) error {
	for _, eventType := range tm.eventTypes.EventTypes() {
		if err := ch.QueueBind(tm.queue, eventType, MainExchange, false, nil); err != nil {
			return &TopologyError{Component: "binding", Name: eventType, Op: "declare", Err: err}
		}
		if err := ch.QueueBind(tm.DeadLetterQueueName(), eventType, DeadLetterExchange, false, nil); err != nil {
			return &TopologyError{Component: "binding", Name: eventType, Op: "declare", Err: err}
		}
	}
	return nil
}

func (tm *TopologyManager) mainQueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange": DeadLetterExchange,
		"x-message-ttl":          tm.messageTTL.Milliseconds(),
	}
}

func (tm *TopologyManager) dlqArgs() amqp.Table {
	// Lazy mode keeps large failed messages on disk.
	return amqp.Table{
		"x-queue-mode": "lazy",
	}
}
