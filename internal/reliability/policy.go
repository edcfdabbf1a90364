package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Policy executes an operation under a named resilience strategy.
type Policy interface {
	Execute(ctx context.Context, fn func() error) error
}

// PolicyOptions configures the four operation-class policies.
type PolicyOptions struct {
	ConnectionRetryCount int
	ConnectionTimeout    time.Duration
	ChannelRetryCount    int
	PublishRetryCount    int
	BreakerThreshold     int
	BreakerCooldown      time.Duration
	BackoffInitial       time.Duration
	BackoffCap           time.Duration
}

// DefaultPolicyOptions mirrors the production defaults: five connection
// attempts inside a 30s pessimistic timeout, three channel and publish
// retries, breaker opening after ten consecutive publish failures.
func DefaultPolicyOptions() PolicyOptions {
	return PolicyOptions{
		ConnectionRetryCount: 5,
		ConnectionTimeout:    30 * time.Second,
		ChannelRetryCount:    3,
		PublishRetryCount:    3,
		BreakerThreshold:     10,
		BreakerCooldown:      30 * time.Second,
		BackoffInitial:       time.Second,
		BackoffCap:           30 * time.Second,
	}
}

// PolicyProvider builds and caches the policies for the four broker
// operation classes: connection, channel, publish, and consume. Policies are
// built once per name and safe for concurrent use.
type PolicyProvider struct {
	opts     PolicyOptions
	logger   *slog.Logger
	policies sync.Map // name -> Policy
}

// ProviderOption configures the policy provider.
type ProviderOption func(*PolicyProvider)

// WithProviderLogger sets the logger used for retry warnings.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *PolicyProvider) {
		p.logger = logger
	}
}

// NewPolicyProvider creates a provider with the given options.
func NewPolicyProvider(opts PolicyOptions, options ...ProviderOption) *PolicyProvider {
	p := &PolicyProvider{
		opts:   opts,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// ConnectionPolicy retries connection attempts with exponential backoff,
// wrapped in a pessimistic timeout so a wedged dial cannot block forever.
func (p *PolicyProvider) ConnectionPolicy() Policy {
	return p.getOrCreate("connection", func() Policy {
		retry := NewExponentialBackoff(p.opts.BackoffInitial, p.opts.BackoffCap, 2.0, p.opts.ConnectionRetryCount)
		return &timeoutPolicy{
			inner:   &retryPolicy{policy: retry, name: "connection", logger: p.logger},
			timeout: p.opts.ConnectionTimeout,
		}
	})
}

// ChannelPolicy retries channel opens a bounded number of times. Channels are
// cheap and transient, so no circuit breaker is applied.
func (p *PolicyProvider) ChannelPolicy() Policy {
	return p.getOrCreate("channel", func() Policy {
		retry := NewExponentialBackoff(p.opts.BackoffInitial, p.opts.BackoffCap, 2.0, p.opts.ChannelRetryCount)
		return &retryPolicy{policy: retry, name: "channel", logger: p.logger}
	})
}

// PublishPolicy retries publishes a bounded number of times around a circuit
// breaker that opens after consecutive broker-level failures.
func (p *PolicyProvider) PublishPolicy() Policy {
	return p.getOrCreate("publish", func() Policy {
		retry := NewExponentialBackoff(p.opts.BackoffInitial, p.opts.BackoffCap, 2.0, p.opts.PublishRetryCount)
		breaker := NewCircuitBreaker(
			WithFailureThreshold(p.opts.BreakerThreshold),
			WithCooldown(p.opts.BreakerCooldown),
		)
		return &breakerPolicy{
			retry:   &retryPolicy{policy: retry, name: "publish", logger: p.logger},
			breaker: breaker,
		}
	})
}

// ConsumePolicy retries forever with capped backoff. A dead consumer must
// eventually recover, not give up.
func (p *PolicyProvider) ConsumePolicy() Policy {
	return p.getOrCreate("consume", func() Policy {
		retry := NewExponentialBackoff(p.opts.BackoffInitial, p.opts.BackoffCap, 2.0, -1)
		return &retryPolicy{policy: retry, name: "consume", logger: p.logger}
	})
}

func (p *PolicyProvider) getOrCreate(name string, build func() Policy) Policy {
	if cached, ok := p.policies.Load(name); ok {
		return cached.(Policy)
	}
	created, _ := p.policies.LoadOrStore(name, build())
	return created.(Policy)
}

// retryPolicy adapts a RetryPolicy into a Policy with logging per attempt.
type retryPolicy struct {
	policy RetryPolicy
	name   string
	logger *slog.Logger
}

func (r *retryPolicy) Execute(ctx context.Context, fn func() error) error {
	attempt := 0
	return Retry(ctx, retryObserver{inner: r.policy, onRetry: func(delay time.Duration, err error) {
		attempt++
		r.logger.Warn("operation retry",
			"policy", r.name,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	}}, fn)
}

// retryObserver wraps a RetryPolicy to surface each retry decision.
type retryObserver struct {
	inner   RetryPolicy
	onRetry func(delay time.Duration, err error)
}

func (o retryObserver) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	should, delay := o.inner.ShouldRetry(attempt, err)
	if should && o.onRetry != nil {
		o.onRetry(delay, err)
	}
	return should, delay
}

func (o retryObserver) NextDelay(attempt int) time.Duration {
	return o.inner.NextDelay(attempt)
}

// timeoutPolicy bounds the whole inner execution with a pessimistic timeout:
// the caller is released when the deadline passes even if the wrapped
// operation is still blocked.
type timeoutPolicy struct {
	inner   Policy
	timeout time.Duration
}

func (t *timeoutPolicy) Execute(ctx context.Context, fn func() error) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- t.inner.Execute(timeoutCtx, fn)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTimeout
	}
}

// breakerPolicy runs the breaker inside the retry loop, so an open breaker
// fails attempts fast while the retry schedule gives it time to half-open.
type breakerPolicy struct {
	retry   Policy
	breaker *CircuitBreaker
}

func (b *breakerPolicy) Execute(ctx context.Context, fn func() error) error {
	return b.retry.Execute(ctx, func() error {
		return b.breaker.Execute(ctx, fn)
	})
}

// Breaker exposes the publish circuit breaker state for observability.
func (b *breakerPolicy) Breaker() *CircuitBreaker {
	return b.breaker
}
