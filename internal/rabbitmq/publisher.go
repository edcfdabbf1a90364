package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/featurefusion/eventbus/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher performs confirmed publishes to the broker. Every publish opens a
// short-lived channel, enables publisher confirms, and waits for the broker
// acknowledgement inside a bounded timeout that is independent of caller
// cancellation, so a wedged broker cannot block the caller forever.
type Publisher struct {
	conns          *ConnectionManager
	policies       *reliability.PolicyProvider
	sourceService  string
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithConfirmTimeout bounds the wait for broker confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// NewPublisher creates a confirmed publisher stamping sourceService into the
// Source-Service header of every message.
func NewPublisher(conns *ConnectionManager, policies *reliability.PolicyProvider, sourceService string, options ...PublisherOption) *Publisher {
	p := &Publisher{
		conns:          conns,
		policies:       policies,
		sourceService:  sourceService,
		confirmTimeout: DefaultConfirmTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// PublishEvent publishes a serialized domain event to the main exchange with
// the standard headers, persistent delivery, and publisher confirms. It runs
// under the publish policy: bounded retry around a circuit breaker.
func (p *Publisher) PublishEvent(ctx context.Context, routingKey, messageID string, occurredOn time.Time, body []byte) error {
	msg := amqp.Publishing{
		MessageId:    messageID,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
		Headers: amqp.Table{
			HeaderEventType:     routingKey,
			HeaderOccurredOn:    occurredOn.UTC().Format(time.RFC3339Nano),
			HeaderSourceService: p.sourceService,
			HeaderRetryCount:    int32(0),
		},
	}
	return p.Publish(ctx, MainExchange, routingKey, msg)
}

// Publish sends a fully prepared message to an exchange with confirms.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	err := p.policies.PublishPolicy().Execute(ctx, func() error {
		return p.publishWithConfirm(ctx, exchange, routingKey, msg)
	})
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			MessageID:  msg.MessageId,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.conns.CreateChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return err
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	returns := ch.NotifyReturn(make(chan amqp.Return, 1))

	if err := ch.PublishWithContext(ctx, exchange, routingKey, true, false, msg); err != nil {
		return err
	}

	// The confirm wait is bounded on its own clock: callers cancelling must
	// not leave an in-flight publish in an unknown state any longer than the
	// confirm timeout allows.
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	return p.awaitConfirm(confirms, returns, timer.C)
}

// awaitConfirm resolves the outcome of a mandatory confirmed publish. The
// broker sends basic.return before basic.ack for an unroutable message, so
// both channels can be ready at once and a positive confirm must not outrun
// a pending return.
func (p *Publisher) awaitConfirm(confirms <-chan amqp.Confirmation, returns <-chan amqp.Return, deadline <-chan time.Time) error {
	select {
	case confirm := <-confirms:
		if !confirm.Ack {
			return ErrNotAcked
		}
		select {
		case ret := <-returns:
			p.logReturn(ret)
			return ErrReturned
		default:
		}
		return nil
	case ret := <-returns:
		p.logReturn(ret)
		return ErrReturned
	case <-deadline:
		return ErrConfirmTimeout
	}
}

func (p *Publisher) logReturn(ret amqp.Return) {
	p.logger.Error("message returned as unroutable",
		"exchange", ret.Exchange,
		"routingKey", ret.RoutingKey,
		"replyText", ret.ReplyText)
}
