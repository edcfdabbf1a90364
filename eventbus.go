package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/featurefusion/eventbus/contracts"
	"github.com/featurefusion/eventbus/internal/rabbitmq"
	"github.com/featurefusion/eventbus/internal/reliability"
	"github.com/featurefusion/eventbus/messaging"
	"github.com/featurefusion/eventbus/storage"
)

// outboxWriter is the producer-side surface of storage.OutboxStore.
type outboxWriter interface {
	StoreOutgoing(ctx context.Context, event contracts.Event) contracts.StoreResult
	StoreOutgoingTx(ctx context.Context, tx storage.Querier, event contracts.Event) contracts.StoreResult
}

// EventBus wires the registry, the Postgres stores, the broker layer, and
// the background loops into one facade. Producers call Publish or PublishTx;
// consumers register handlers on the registry before Start.
type EventBus struct {
	serviceName string
	registry    *messaging.Registry
	conns       *rabbitmq.ConnectionManager
	topology    *rabbitmq.TopologyManager
	publisher   eventPublisher
	consumer    *rabbitmq.Consumer
	outbox      outboxWriter
	inbox       *storage.InboxStore
	ledger      *storage.DeduplicationStore
	relay       *OutboxRelay
	logger      *slog.Logger

	mu      sync.Mutex
	started bool
}

// New assembles an event bus for serviceName against the given broker URL
// and database.
func New(url, serviceName string, db storage.DB, registry *messaging.Registry, options ...Option) *EventBus {
	cfg := defaultConfig(serviceName)
	for _, opt := range options {
		opt(&cfg)
	}
	logger := cfg.logger

	policies := reliability.NewPolicyProvider(cfg.policyOptions, reliability.WithProviderLogger(logger))
	conns := rabbitmq.NewConnectionManager(url, policies, rabbitmq.WithConnectionLogger(logger))
	topology := rabbitmq.NewTopologyManager(conns, registry, cfg.queueName,
		rabbitmq.WithTopologyLogger(logger),
		rabbitmq.WithMessageTTL(cfg.messageTTL))
	publisher := rabbitmq.NewPublisher(conns, policies, serviceName,
		rabbitmq.WithPublisherLogger(logger),
		rabbitmq.WithConfirmTimeout(cfg.confirmTimeout))

	outbox := storage.NewOutboxStore(db,
		storage.WithOutboxLogger(logger),
		storage.WithOutboxMaxRetries(cfg.maxRetries))
	inbox := storage.NewInboxStore(db, storage.WithInboxLogger(logger))

	var ledger *storage.DeduplicationStore
	if cfg.dedupEnabled {
		ledger = storage.NewDeduplicationStore(db,
			storage.WithDedupLogger(logger),
			storage.WithDedupWindow(cfg.dedupWindow))
	}

	processor := NewMessageProcessor(registry, inbox, ledgerOrNil(ledger), serviceName, logger)
	consumer := rabbitmq.NewConsumer(conns, publisher, policies, cfg.queueName, processor,
		rabbitmq.WithConsumerLogger(logger),
		rabbitmq.WithPrefetchCount(cfg.prefetchCount),
		rabbitmq.WithMaxRetries(cfg.maxRetries))
	relay := NewOutboxRelay(outbox, registry, publisher, cfg.relayInterval, cfg.relayBatchSize, logger)

	return &EventBus{
		serviceName: serviceName,
		registry:    registry,
		conns:       conns,
		topology:    topology,
		publisher:   publisher,
		consumer:    consumer,
		outbox:      outbox,
		inbox:       inbox,
		ledger:      ledger,
		relay:       relay,
		logger:      logger,
	}
}

// ledgerOrNil keeps a typed-nil *DeduplicationStore out of the processor's
// interface field.
func ledgerOrNil(ledger *storage.DeduplicationStore) dedupLedger {
	if ledger == nil {
		return nil
	}
	return ledger
}

// Publish stores the event in the outbox; the relay delivers it. When the
// event is already stored the broker copy may be in flight, so a direct
// publish is attempted anyway and the consumer inbox absorbs the duplicate.
// When storage fails, events that opt into direct fallback are published
// immediately at the cost of losing the durable copy.
func (b *EventBus) Publish(ctx context.Context, event contracts.Event) error {
	switch result := b.outbox.StoreOutgoing(ctx, event); result {
	case contracts.StoreSuccess:
		return nil
	case contracts.StoreDuplicate:
		if err := b.PublishDirect(ctx, event); err != nil {
			// The durable copy exists; the relay finishes the job.
			b.logger.Warn("direct publish after duplicate store failed",
				"eventId", event.EventID(),
				"error", err)
		}
		return nil
	default:
		if contracts.AllowsDirectFallback(event) {
			b.logger.Warn("outbox store failed, falling back to direct publish",
				"eventId", event.EventID(),
				"eventType", event.EventType())
			return b.PublishDirect(ctx, event)
		}
		return fmt.Errorf("eventbus: failed to store event %s for delivery", event.EventID())
	}
}

// PublishTx stores the event inside a caller-owned transaction, making
// emission atomic with the business change. The event reaches the broker
// only after the caller commits. There is no direct fallback here: publishing
// before the commit would leak the event on rollback.
func (b *EventBus) PublishTx(ctx context.Context, tx storage.Querier, event contracts.Event) error {
	switch result := b.outbox.StoreOutgoingTx(ctx, tx, event); result {
	case contracts.StoreSuccess, contracts.StoreDuplicate:
		return nil
	default:
		return fmt.Errorf("eventbus: failed to store event %s in transaction", event.EventID())
	}
}

// PublishDirect serializes the event and publishes it to the broker with
// confirms, bypassing the outbox. Failures surface to the caller.
func (b *EventBus) PublishDirect(ctx context.Context, event contracts.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbus: serialize event %s: %w", event.EventID(), err)
	}
	return b.publisher.PublishEvent(ctx, event.EventType(), event.EventID().String(), event.EventOccurredOn(), payload)
}

// Start connects to the broker, declares the topology, and launches the
// consumer loop and the outbox relay.
func (b *EventBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("eventbus: already started")
	}

	if !b.conns.TryConnect(ctx) {
		return fmt.Errorf("eventbus: %w", rabbitmq.ErrBrokerUnavailable)
	}
	if err := b.topology.Declare(ctx); err != nil {
		return err
	}
	if err := b.consumer.Start(ctx); err != nil {
		return err
	}
	if err := b.relay.Start(ctx); err != nil {
		b.consumer.Stop()
		return err
	}

	b.started = true
	b.logger.Info("event bus started",
		"service", b.serviceName,
		"queue", b.topology.QueueName(),
		"eventTypes", len(b.registry.EventTypes()))
	return nil
}

// Stop drains the background loops and closes the broker connection.
func (b *EventBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}

	b.relay.Stop()
	b.consumer.Stop()
	err := b.conns.Close()
	b.started = false
	b.logger.Info("event bus stopped", "service", b.serviceName)
	return err
}

// ValidateTopology passively checks that the exchanges and queues exist.
func (b *EventBus) ValidateTopology(ctx context.Context) error {
	return b.topology.Validate(ctx)
}

// ResetTopology deletes and re-declares the exchanges and queues.
func (b *EventBus) ResetTopology(ctx context.Context) error {
	return b.topology.Reset(ctx)
}

// IsConnected reports whether the broker connection is currently open.
func (b *EventBus) IsConnected() bool {
	return b.conns.IsConnected()
}

// TryConnect attempts to establish the broker connection, for readiness
// probes that want to trigger a reconnect.
func (b *EventBus) TryConnect(ctx context.Context) bool {
	return b.conns.TryConnect(ctx)
}
