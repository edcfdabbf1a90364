// Package reliability provides the retry, circuit breaker, and timeout
// policies that wrap every broker interaction. Policies are cached per
// operation class (connection, channel, publish, consume) by PolicyProvider.
package reliability
