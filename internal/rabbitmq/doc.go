// Package rabbitmq provides the broker-facing layer: a self-healing
// connection manager, topology provisioning with dead-letter routing,
// a confirm-based publisher, and a resilient consumer loop.
//
// All broker operations run under the policies in internal/reliability,
// so transient failures are retried and a failing broker trips the
// publish circuit breaker instead of cascading into callers.
package rabbitmq
