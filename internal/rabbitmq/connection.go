package rabbitmq

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/featurefusion/eventbus/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager owns the single physical broker connection. Connecting is
// serialized behind a mutex; IsConnected is a cheap lock-free check. When the
// broker closes the connection the manager reconnects with unbounded,
// jittered exponential backoff until it succeeds or the manager is closed.
type ConnectionManager struct {
	url      string
	policies *reliability.PolicyProvider
	logger   *slog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}

	reconnectCap time.Duration
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectCap caps the reconnect backoff delay.
func WithReconnectCap(cap time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectCap = cap
	}
}

// NewConnectionManager creates a manager for the given broker URL. No
// connection is attempted until TryConnect or CreateChannel is called.
func NewConnectionManager(url string, policies *reliability.PolicyProvider, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:          url,
		policies:     policies,
		logger:       slog.Default(),
		done:         make(chan struct{}),
		reconnectCap: 30 * time.Second,
	}
	for _, opt := range options {
		opt(cm)
	}
	return cm
}

// IsConnected reports whether the connection is currently open.
func (cm *ConnectionManager) IsConnected() bool {
	return cm.connected.Load() && !cm.closed.Load()
}

// TryConnect establishes the connection if absent, returning true on success.
// Only one connection attempt runs at a time.
func (cm *ConnectionManager) TryConnect(ctx context.Context) bool {
	if cm.closed.Load() {
		return false
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isOpenLocked() {
		return true
	}
	if err := cm.connectLocked(ctx); err != nil {
		cm.logger.Error("broker connection failed",
			"url", SanitizeURL(cm.url),
			"error", err)
		return false
	}
	return true
}

// CreateChannel ensures a connection exists (connecting if necessary) and
// opens a channel under the channel policy. When both the connection and the
// channel retries are exhausted the call fails with ErrBrokerUnavailable.
func (cm *ConnectionManager) CreateChannel(ctx context.Context) (*amqp.Channel, error) {
	if cm.closed.Load() {
		return nil, ErrManagerClosed
	}
	if !cm.IsConnected() && !cm.TryConnect(ctx) {
		return nil, ErrBrokerUnavailable
	}

	var channel *amqp.Channel
	err := cm.policies.ChannelPolicy().Execute(ctx, func() error {
		cm.mu.Lock()
		conn := cm.conn
		cm.mu.Unlock()
		if conn == nil || conn.IsClosed() {
			return ErrConnectionClosed
		}

		ch, chErr := conn.Channel()
		if chErr != nil {
			return chErr
		}
		channel = ch
		return nil
	})
	if err != nil {
		return nil, &ConnectionError{
			Op:        "create channel",
			URL:       SanitizeURL(cm.url),
			Err:       ErrBrokerUnavailable,
			Timestamp: time.Now(),
		}
	}
	return channel, nil
}

// Close shuts the manager down and closes the connection. The manager cannot
// be reused afterwards.
func (cm *ConnectionManager) Close() error {
	if cm.closed.Swap(true) {
		return nil
	}
	close(cm.done)

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.connected.Store(false)
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// connectLocked dials under the connection policy. Caller holds cm.mu.
func (cm *ConnectionManager) connectLocked(ctx context.Context) error {
	attempts := 0
	err := cm.policies.ConnectionPolicy().Execute(ctx, func() error {
		attempts++
		conn, dialErr := amqp.Dial(cm.url)
		if dialErr != nil {
			return dialErr
		}
		cm.adopt(conn)
		return nil
	})
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}
	return nil
}

// adopt installs a freshly dialed connection and arms the close listener.
func (cm *ConnectionManager) adopt(conn *amqp.Connection) {
	cm.conn = conn
	cm.connected.Store(true)

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notifyClose)

	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))
}

// watch waits for an unsolicited shutdown and schedules the reconnect loop.
func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error) {
	select {
	case amqpErr := <-notifyClose:
		if cm.closed.Load() {
			return
		}
		cm.connected.Store(false)
		if amqpErr != nil {
			cm.logger.Error("broker connection closed", "error", amqpErr)
		}
		go cm.reconnect()
	case <-cm.done:
	}
}

// reconnect retries forever with min(2^attempt, cap) + jitter until the
// connection is restored or the manager is closed.
func (cm *ConnectionManager) reconnect() {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		delay := cm.reconnectDelay(attempt)
		select {
		case <-time.After(delay):
		case <-cm.done:
			return
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt+1)

		cm.mu.Lock()
		if cm.closed.Load() {
			cm.mu.Unlock()
			return
		}
		conn, err := amqp.Dial(cm.url)
		if err == nil {
			cm.adopt(conn)
			cm.mu.Unlock()
			cm.logger.Info("reconnected to broker",
				"attempts", attempt+1,
				"downtime", time.Since(start))
			return
		}
		cm.mu.Unlock()

		cm.logger.Warn("reconnect attempt failed",
			"attempt", attempt+1,
			"error", err,
			"nextRetryIn", cm.reconnectDelay(attempt+1))
	}
}

func (cm *ConnectionManager) reconnectDelay(attempt int) time.Duration {
	base := time.Duration(math.Min(
		math.Pow(2, float64(attempt)),
		cm.reconnectCap.Seconds(),
	)) * time.Second
	jitter := time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
	return base + jitter
}

func (cm *ConnectionManager) isOpenLocked() bool {
	return cm.conn != nil && !cm.conn.IsClosed()
}
