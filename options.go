package eventbus

import (
	"log/slog"
	"time"

	"github.com/featurefusion/eventbus/internal/reliability"
)

type config struct {
	queueName      string
	messageTTL     time.Duration
	prefetchCount  int
	maxRetries     int
	confirmTimeout time.Duration
	relayInterval  time.Duration
	relayBatchSize int
	dedupEnabled   bool
	dedupWindow    time.Duration
	policyOptions  reliability.PolicyOptions
	logger         *slog.Logger
}

func defaultConfig(serviceName string) config {
	return config{
		queueName:      serviceName + "_queue",
		messageTTL:     24 * time.Hour,
		prefetchCount:  10,
		maxRetries:     3,
		confirmTimeout: 10 * time.Second,
		relayInterval:  DefaultRelayInterval,
		relayBatchSize: DefaultRelayBatchSize,
		dedupEnabled:   true,
		dedupWindow:    24 * time.Hour,
		policyOptions:  reliability.DefaultPolicyOptions(),
		logger:         slog.Default(),
	}
}

// Option configures the EventBus.
type Option func(*config)

// WithQueueName overrides the service queue name, which defaults to
// "<serviceName>_queue".
func WithQueueName(name string) Option {
	return func(c *config) {
		c.queueName = name
	}
}

// WithMessageTTL sets the main queue's per-message TTL.
func WithMessageTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.messageTTL = ttl
	}
}

// WithPrefetchCount sets the consumer QoS prefetch.
func WithPrefetchCount(count int) Option {
	return func(c *config) {
		c.prefetchCount = count
	}
}

// WithMaxRetries bounds consumer redeliveries and relay publish attempts.
func WithMaxRetries(max int) Option {
	return func(c *config) {
		c.maxRetries = max
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.confirmTimeout = timeout
	}
}

// WithRelayInterval sets the outbox polling interval.
func WithRelayInterval(interval time.Duration) Option {
	return func(c *config) {
		c.relayInterval = interval
	}
}

// WithRelayBatchSize bounds one outbox polling cycle.
func WithRelayBatchSize(size int) Option {
	return func(c *config) {
		c.relayBatchSize = size
	}
}

// WithoutDeduplicationLedger disables the fast-path ledger. The inbox still
// dedups; this only removes the cheap pre-check.
func WithoutDeduplicationLedger() Option {
	return func(c *config) {
		c.dedupEnabled = false
	}
}

// WithDeduplicationWindow sets the ledger look-back window.
func WithDeduplicationWindow(window time.Duration) Option {
	return func(c *config) {
		c.dedupWindow = window
	}
}

// WithPolicyOptions overrides the resilience policy parameters.
func WithPolicyOptions(opts reliability.PolicyOptions) Option {
	return func(c *config) {
		c.policyOptions = opts
	}
}

// WithLogger sets the logger used across all components.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}
