package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange names for the domain event topology.
const (
	MainExchange       = "domain_events"
	DeadLetterExchange = "domain_events_dlx"
)

// Message header names carried on every published event.
const (
	HeaderEventType     = "Event-Type"
	HeaderOccurredOn    = "Occurred-On"
	HeaderSourceService = "Source-Service"
	HeaderRetryCount    = "x-retry-count"
	HeaderRetryDelay    = "x-retry-delay"
)

// Failure headers attached before a message is routed to the DLQ.
const (
	HeaderFailureReason    = "x-failure-reason"
	HeaderFailureTimestamp = "x-failure-timestamp"
	HeaderExceptionType    = "x-exception-type"
	HeaderExceptionMessage = "x-exception-message"
)

// Queue and delivery defaults.
const (
	DefaultMessageTTL     = 24 * time.Hour
	DefaultPrefetchCount  = 10
	DefaultConfirmTimeout = 10 * time.Second

	// DefaultRetryDelayCap bounds the in-process backoff before a retry
	// republish. The sleep happens inline in the consume loop, stalling the
	// prefetched deliveries behind it, so the cap stays small.
	DefaultRetryDelayCap = 30 * time.Second
)

// RetryCount extracts the x-retry-count header from a delivery, defaulting
// to zero when absent or malformed.
func RetryCount(d amqp.Delivery) int {
	if d.Headers == nil {
		return 0
	}
	return headerInt(d.Headers, HeaderRetryCount)
}

// IncrementRetryCount returns a copy of headers with x-retry-count bumped by
// one. The original table is not mutated.
func IncrementRetryCount(headers amqp.Table) amqp.Table {
	out := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[HeaderRetryCount] = int32(headerInt(headers, HeaderRetryCount) + 1)
	return out
}

// FailureHeaders returns a copy of headers annotated with the failure reason,
// timestamp, and (when available) the error type and message.
func FailureHeaders(headers amqp.Table, reason string, cause error) amqp.Table {
	out := make(amqp.Table, len(headers)+4)
	for k, v := range headers {
		out[k] = v
	}
	out[HeaderFailureReason] = reason
	out[HeaderFailureTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)
	if cause != nil {
		out[HeaderExceptionType] = errorTypeName(cause)
		out[HeaderExceptionMessage] = cause.Error()
	}
	return out
}

func headerInt(headers amqp.Table, key string) int {
	v, ok := headers[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	default:
		return 0
	}
}

func errorTypeName(err error) string {
	return fmt.Sprintf("%T", err)
}
