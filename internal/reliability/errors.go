package reliability

import "errors"

var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call
	// without invoking it.
	ErrCircuitOpen = errors.New("reliability: circuit breaker is open")
	// ErrTimeout is returned when a policy's pessimistic timeout elapses
	// before the wrapped operation completes.
	ErrTimeout = errors.New("reliability: operation timed out")
)
