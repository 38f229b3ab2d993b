// Package reliability provides the retry and circuit breaker primitives used by
// the broker connection and by worker interceptors.
//
// ExponentialBackoff paces reconnect attempts; Retry drives any operation with a
// RetryPolicy. CircuitBreaker wraps github.com/sony/gobreaker and guards broker
// writes so that publishes fail fast with ErrCircuitOpen while the broker is
// unreachable.
package reliability
