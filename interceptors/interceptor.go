package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-lite/messaging"
)

// Interceptor processes messages before they reach the worker handler
type Interceptor interface {
	// Intercept handles msg and usually calls next
	Intercept(ctx context.Context, msg *messaging.Message, next messaging.WorkerFunc) (interface{}, error)

	// Name returns the interceptor name for logging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *messaging.Message, next messaging.WorkerFunc) (interface{}, error)
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *messaging.Message, next messaging.WorkerFunc) (interface{}, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *messaging.Message, next messaging.WorkerFunc) (interface{}, error) {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Then returns handler wrapped by every interceptor in the chain
func (c *Chain) Then(handler messaging.WorkerFunc) messaging.WorkerFunc {
	interceptors := append([]Interceptor(nil), c.interceptors...)
	c.logger.Debug("building interceptor chain", "interceptors", len(interceptors))

	// build from the inside out so the first interceptor added runs first
	next := handler
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor := interceptors[i]
		inner := next
		next = func(ctx context.Context, msg *messaging.Message) (interface{}, error) {
			return interceptor.Intercept(ctx, msg, inner)
		}
	}
	return next
}

// LoggingInterceptor logs each message with its processing time
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.WorkerFunc) (interface{}, error) {
	start := time.Now()

	i.logger.Debug("processing message",
		"queue", msg.Destination,
		"correlationId", msg.CorrelationID,
		"packed", msg.Packed,
	)

	result, err := next(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"queue", msg.Destination,
			"correlationId", msg.CorrelationID,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Debug("message processed",
			"queue", msg.Destination,
			"correlationId", msg.CorrelationID,
			"duration", duration,
		)
	}
	return result, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds how long the rest of the chain may run
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. A handler that ignores its context keeps
// running in the background after the timeout; its result is discarded.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.WorkerFunc) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("panic in handler: %v", rec)}
			}
		}()
		result, err := next(ctx, msg)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("handler for %s timed out after %v: %w", msg.Destination, i.timeout, ctx.Err())
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
