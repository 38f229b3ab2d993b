package interceptors

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-lite/internal/reliability"
	"github.com/glimte/mmate-lite/messaging"
)

// RetryInterceptor re-runs the rest of the chain until it succeeds or the
// policy gives up. Errors wrapped with reliability.Permanent are not retried.
type RetryInterceptor struct {
	policy reliability.RetryPolicy
	logger *slog.Logger
}

// NewRetryInterceptor creates a retry interceptor
func NewRetryInterceptor(policy reliability.RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{
		policy: policy,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements Interceptor
func (r *RetryInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.WorkerFunc) (interface{}, error) {
	var result interface{}
	attempt := 0
	err := reliability.Retry(ctx, "handle "+msg.Destination, r.policy, func() error {
		attempt++
		if attempt > 1 {
			r.logger.Warn("retrying message", "queue", msg.Destination, "attempt", attempt)
		}
		var err error
		result, err = next(ctx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Name returns the interceptor name
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}

// CircuitBreakerInterceptor fails fast while a downstream dependency of the
// handler keeps failing
type CircuitBreakerInterceptor struct {
	breaker *reliability.CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a circuit breaker interceptor
func NewCircuitBreakerInterceptor(breaker *reliability.CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{breaker: breaker}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.WorkerFunc) (interface{}, error) {
	var result interface{}
	err := i.breaker.Execute(ctx, func() error {
		var err error
		result, err = next(ctx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}
