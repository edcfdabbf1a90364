package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/featurefusion/eventbus/messaging"
	"github.com/featurefusion/eventbus/storage"
	"github.com/google/uuid"
)

const (
	// DefaultRelayInterval is how often the relay polls the outbox.
	DefaultRelayInterval = 5 * time.Second
	// DefaultRelayBatchSize bounds one polling cycle.
	DefaultRelayBatchSize = 20
)

// outboxSource is what the relay needs from storage.OutboxStore.
type outboxSource interface {
	FetchPending(ctx context.Context, limit int) ([]storage.OutboxMessage, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
	MarkFailedPermanent(ctx context.Context, id uuid.UUID, cause error) error
}

// eventPublisher is what the relay needs from the broker publisher.
type eventPublisher interface {
	PublishEvent(ctx context.Context, routingKey, messageID string, occurredOn time.Time, body []byte) error
}

// OutboxRelay drains stored events to the broker on a timer. All relay state
// lives in the database, so any number of restarts, or a second relay on
// another instance, at worst republishes a message the inbox will dedup.
type OutboxRelay struct {
	outbox    outboxSource
	registry  *messaging.Registry
	publisher eventPublisher
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	mu       sync.Mutex
	started  bool
	stopping bool
	done     chan struct{}
	stopped  chan struct{}
}

// NewOutboxRelay creates a relay over the given outbox. Non-positive
// interval and batch size fall back to the defaults; a nil logger falls
// back to slog.Default.
func NewOutboxRelay(outbox outboxSource, registry *messaging.Registry, publisher eventPublisher, interval time.Duration, batchSize int, logger *slog.Logger) *OutboxRelay {
	if interval <= 0 {
		interval = DefaultRelayInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultRelayBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxRelay{
		outbox:    outbox,
		registry:  registry,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start launches the polling loop on a background goroutine.
func (r *OutboxRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("eventbus: outbox relay already started")
	}
	r.started = true
	r.mu.Unlock()

	go r.run(ctx)
	return nil
}

// Stop terminates the loop and waits for the in-flight cycle to finish. Safe
// to call more than once.
func (r *OutboxRelay) Stop() {
	r.mu.Lock()
	if !r.started || r.stopping {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	r.mu.Unlock()

	close(r.done)
	<-r.stopped
}

func (r *OutboxRelay) run(ctx context.Context) {
	defer close(r.stopped)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drainOnce(ctx)
		}
	}
}

// drainOnce relays one batch. Failures are recorded per row and never stop
// the cycle: a stuck message must not block the ones behind it.
func (r *OutboxRelay) drainOnce(ctx context.Context) {
	messages, err := r.outbox.FetchPending(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("failed to fetch pending outbox messages", "error", err)
		return
	}
	if len(messages) == 0 {
		return
	}

	r.logger.Debug("relaying outbox batch", "count", len(messages))
	for _, msg := range messages {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		default:
		}
		r.relayMessage(ctx, msg)
	}
}

func (r *OutboxRelay) relayMessage(ctx context.Context, msg storage.OutboxMessage) {
	log := r.logger.With("messageId", msg.ID, "eventType", msg.EventType)

	// An unknown type can never publish, not even after a restart, since
	// registration is compile time. Park the row permanently.
	if !r.registry.IsRegistered(msg.EventType) {
		log.Error("outbox message references unregistered event type")
		if err := r.outbox.MarkFailedPermanent(ctx, msg.ID, fmt.Errorf("%w: %s", messaging.ErrUnknownEventType, msg.EventType)); err != nil {
			log.Error("failed to park outbox message", "error", err)
		}
		return
	}

	if err := r.outbox.MarkProcessing(ctx, msg.ID); err != nil {
		log.Error("failed to claim outbox message", "error", err)
		return
	}

	// Decoding guards against a payload that no longer matches its declared
	// type; the id check catches rows written with mismatched payloads.
	event, err := r.registry.Decode(msg.EventType, msg.Payload, msg.ID)
	if err != nil {
		log.Error("stored payload failed to decode", "error", err)
		if markErr := r.outbox.MarkFailedPermanent(ctx, msg.ID, err); markErr != nil {
			log.Error("failed to park outbox message", "error", markErr)
		}
		return
	}

	if err := r.publisher.PublishEvent(ctx, msg.EventType, msg.ID.String(), event.EventOccurredOn(), msg.Payload); err != nil {
		log.Warn("outbox publish failed",
			"retryCount", msg.RetryCount,
			"error", err)
		if markErr := r.outbox.MarkFailed(ctx, msg.ID, err); markErr != nil {
			log.Error("failed to record outbox publish failure", "error", markErr)
		}
		return
	}

	if err := r.outbox.MarkProcessed(ctx, msg.ID); err != nil {
		// The publish went out; at worst the next cycle republishes and the
		// consumer inbox dedups it.
		log.Warn("failed to mark outbox message processed", "error", err)
		return
	}
	log.Info("outbox message relayed")
}
