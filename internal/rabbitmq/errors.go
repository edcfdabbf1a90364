package rabbitmq

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Connection errors
	ErrBrokerUnavailable = errors.New("rabbitmq: broker unavailable")
	ErrConnectionClosed  = errors.New("rabbitmq: connection is closed")
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")
	ErrManagerClosed     = errors.New("rabbitmq: connection manager is closed")

	// Publisher errors
	ErrNotAcked       = errors.New("rabbitmq: message was not acknowledged by broker")
	ErrConfirmTimeout = errors.New("rabbitmq: timeout waiting for publish confirmation")
	ErrReturned       = errors.New("rabbitmq: message returned as unroutable")

	// Topology errors
	ErrTopologyValidation = errors.New("rabbitmq: topology validation failed")
)

// ConnectionError carries the operation and attempt context of a failed
// connection interaction.
type ConnectionError struct {
	Op        string
	URL       string
	Err       error
	Timestamp time.Time
	Attempts  int
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError carries the routing context of a failed publish.
type PublishError struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: %s/%s message %s: %v",
		e.Exchange, e.RoutingKey, e.MessageID, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// TopologyError identifies which exchange, queue, or binding failed to
// declare.
type TopologyError struct {
	Component string
	Name      string
	Op        string
	Err       error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s %q: %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// SanitizeURL strips credentials from a connection URL for logging.
func SanitizeURL(url string) string {
	at := -1
	scheme := -1
	for i := 0; i < len(url); i++ {
		if url[i] == '@' {
			at = i
		}
		if scheme < 0 && i+2 < len(url) && url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			scheme = i + 3
		}
	}
	if at < 0 || scheme < 0 || at < scheme {
		return url
	}
	return url[:scheme] + "***" + url[at:]
}
