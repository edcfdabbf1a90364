package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/featurefusion/eventbus/contracts"
	"github.com/featurefusion/eventbus/internal/rabbitmq"
	"github.com/featurefusion/eventbus/messaging"
	"github.com/featurefusion/eventbus/storage"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// inboxStore is what the processor needs from storage.InboxStore.
type inboxStore interface {
	IsDuplicate(ctx context.Context, id uuid.UUID) (bool, error)
	StoreIncoming(ctx context.Context, id uuid.UUID, eventType string, payload []byte, serviceName string, subscriberNames []string) contracts.StoreResult
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
	PendingSubscribers(ctx context.Context, id uuid.UUID) ([]string, error)
	UpdateSubscriberStatuses(ctx context.Context, results []storage.SubscriberResult)
}

// dedupLedger is the optional fast path over recently processed ids.
type dedupLedger interface {
	IsDuplicate(ctx context.Context, id uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) (bool, error)
}

// MessageProcessor turns a broker delivery into handler invocations. The
// pipeline is: ledger fast path, inbox dedup, type resolution, decode,
// inbox store with subscriber fan-out, sequential dispatch, bookkeeping.
// The inbox check is authoritative; the ledger only short-circuits it.
type MessageProcessor struct {
	registry    *messaging.Registry
	inbox       inboxStore
	ledger      dedupLedger
	serviceName string
	logger      *slog.Logger
}

// NewMessageProcessor creates a processor. ledger may be nil, which disables
// the fast path without changing correctness.
func NewMessageProcessor(registry *messaging.Registry, inbox inboxStore, ledger dedupLedger, serviceName string, logger *slog.Logger) *MessageProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageProcessor{
		registry:    registry,
		inbox:       inbox,
		ledger:      ledger,
		serviceName: serviceName,
		logger:      logger,
	}
}

var _ rabbitmq.DeliveryHandler = (*MessageProcessor)(nil)

// ProcessDelivery implements rabbitmq.DeliveryHandler.
func (p *MessageProcessor) ProcessDelivery(ctx context.Context, delivery amqp.Delivery) (contracts.ProcessingResult, error) {
	messageID, err := uuid.Parse(delivery.MessageId)
	if err != nil {
		return contracts.ProcessingPermanentFailure, fmt.Errorf("eventbus: delivery has no usable message id %q: %w", delivery.MessageId, err)
	}

	eventType := p.eventType(delivery)
	log := p.logger.With("messageId", messageID, "eventType", eventType)

	// Ledger miss or error just falls through to the inbox check.
	if p.ledger != nil {
		if dup, err := p.ledger.IsDuplicate(ctx, messageID); err != nil {
			log.Warn("dedup ledger check failed", "error", err)
		} else if dup {
			log.Debug("duplicate message skipped via ledger")
			return contracts.ProcessingDuplicate, nil
		}
	}

	dup, err := p.inbox.IsDuplicate(ctx, messageID)
	if err != nil {
		log.Warn("inbox duplicate check failed", "error", err)
		return contracts.ProcessingRetryLater, err
	}
	if dup {
		log.Debug("duplicate message skipped via inbox")
		return contracts.ProcessingDuplicate, nil
	}

	if !p.registry.IsRegistered(eventType) {
		log.Error("no event type registered for message")
		return contracts.ProcessingPermanentFailure, fmt.Errorf("eventbus: %w: %s", messaging.ErrUnknownEventType, eventType)
	}

	event, err := p.registry.Decode(eventType, delivery.Body, messageID)
	if err != nil {
		log.Error("failed to decode message", "error", err)
		return contracts.ProcessingPermanentFailure, err
	}

	subscriberNames := p.registry.SubscriberNames(eventType)
	switch result := p.inbox.StoreIncoming(ctx, messageID, eventType, delivery.Body, p.serviceName, subscriberNames); result {
	case contracts.StoreDuplicate:
		// The row already exists but is not settled: either an insert race
		// or a redelivery of a transiently failed message.
		return p.redeliver(ctx, messageID, event, log)
	case contracts.StoreNoSubscribers:
		// A bound routing key with no handlers is a configuration bug;
		// requeueing cannot fix it, so the message goes to the DLQ.
		log.Error("no subscribers registered for message")
		return contracts.ProcessingPermanentFailure, fmt.Errorf("eventbus: no subscribers for event type %s", eventType)
	case contracts.StoreFailed:
		return contracts.ProcessingRetryLater, fmt.Errorf("eventbus: inbox store failed for %s", messageID)
	}

	return p.settle(ctx, messageID, p.dispatch(ctx, messageID, event, nil, log), log)
}

// redeliver handles a message whose inbox row exists but is not settled: a
// redelivery after a transient failure, or a crash between dispatch and the
// processed mark. Only the subscribers that have not reached Processed run
// again.
func (p *MessageProcessor) redeliver(ctx context.Context, messageID uuid.UUID, event contracts.Event, log *slog.Logger) (contracts.ProcessingResult, error) {
	pending, err := p.inbox.PendingSubscribers(ctx, messageID)
	if err != nil {
		log.Warn("pending subscriber lookup failed", "error", err)
		return contracts.ProcessingRetryLater, err
	}
	if len(pending) == 0 {
		// Another worker finished the row between the insert race and here.
		log.Debug("duplicate message skipped, all subscribers settled")
		return contracts.ProcessingDuplicate, nil
	}

	log.Info("redelivery dispatching to unfinished subscribers", "pending", len(pending))
	return p.settle(ctx, messageID, p.dispatch(ctx, messageID, event, pending, log), log)
}

// settle persists per-subscriber outcomes and the aggregate on the inbox row.
func (p *MessageProcessor) settle(ctx context.Context, messageID uuid.UUID, dispatch dispatchOutcome, log *slog.Logger) (contracts.ProcessingResult, error) {
	p.inbox.UpdateSubscriberStatuses(ctx, dispatch.results)

	switch dispatch.aggregate {
	case contracts.ProcessingSuccess:
		if err := p.inbox.MarkProcessed(ctx, messageID); err != nil {
			// Handlers already ran; a retry would be deduped by the inbox,
			// so the bookkeeping failure must not fail the delivery.
			log.Warn("failed to mark inbox message processed", "error", err)
		}
		if p.ledger != nil {
			if _, err := p.ledger.MarkProcessed(ctx, messageID); err != nil {
				log.Warn("failed to record message in dedup ledger", "error", err)
			}
		}
		log.Info("message processed")
	case contracts.ProcessingPermanentFailure:
		if err := p.inbox.MarkFailed(ctx, messageID, dispatch.firstErr); err != nil {
			log.Warn("failed to mark inbox message failed", "error", err)
		}
	}
	return dispatch.aggregate, dispatch.firstErr
}

type dispatchOutcome struct {
	results   []storage.SubscriberResult
	aggregate contracts.ProcessingResult
	firstErr  error
}

// dispatch runs the registered handlers sequentially, classifying each
// outcome. A nil only set runs every handler; a redelivery passes the
// subscribers still pending so settled ones never run twice. A panic in one
// handler is a permanent failure for that handler only. The aggregate result
// is Success when every handler succeeded, RetryLater when at least one
// handler can still succeed on a redelivery, and PermanentFailure when the
// only failures are permanent.
func (p *MessageProcessor) dispatch(ctx context.Context, messageID uuid.UUID, event contracts.Event, only []string, log *slog.Logger) dispatchOutcome {
	registrations := p.registry.Handlers(event.EventType())
	if only != nil {
		registrations = filterRegistrations(registrations, only)
	}
	out := dispatchOutcome{
		results:   make([]storage.SubscriberResult, 0, len(registrations)),
		aggregate: contracts.ProcessingSuccess,
	}

	for _, reg := range registrations {
		err := p.invoke(ctx, reg, event)
		outcome := contracts.ClassifyHandlerError(err)

		r := storage.SubscriberResult{
			MessageID:      messageID,
			SubscriberName: reg.Name,
			Status:         storage.StatusProcessed,
		}
		switch outcome {
		case contracts.ProcessingRetryLater:
			r.Status = storage.StatusFailed
			r.Error = err.Error()
			out.aggregate = contracts.ProcessingRetryLater
			log.Warn("handler failed transiently", "handler", reg.Name, "error", err)
		case contracts.ProcessingPermanentFailure:
			r.Status = storage.StatusFailed
			r.Error = err.Error()
			if out.aggregate == contracts.ProcessingSuccess {
				out.aggregate = contracts.ProcessingPermanentFailure
			}
			log.Error("handler failed permanently", "handler", reg.Name, "error", err)
		}
		if err != nil && out.firstErr == nil {
			out.firstErr = err
		}
		out.results = append(out.results, r)
	}
	return out
}

func filterRegistrations(registrations []messaging.HandlerRegistration, names []string) []messaging.HandlerRegistration {
	keep := make(map[string]struct{}, len(names))
	for _, name := range names {
		keep[name] = struct{}{}
	}
	filtered := make([]messaging.HandlerRegistration, 0, len(registrations))
	for _, reg := range registrations {
		if _, ok := keep[reg.Name]; ok {
			filtered = append(filtered, reg)
		}
	}
	return filtered
}

func (p *MessageProcessor) invoke(ctx context.Context, reg messaging.HandlerRegistration, event contracts.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = contracts.NewBusinessError(fmt.Sprintf("handler %s panicked", reg.Name), fmt.Errorf("panic: %v", r))
		}
	}()
	return reg.Handler.Handle(ctx, event)
}

func (p *MessageProcessor) eventType(delivery amqp.Delivery) string {
	if headerType, ok := delivery.Headers[rabbitmq.HeaderEventType].(string); ok && headerType != "" {
		return headerType
	}
	return delivery.RoutingKey
}
