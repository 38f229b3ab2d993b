package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// StateChangeFunc is called on every transition
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker stops broker writes after repeated failures so callers fail
// fast while the connection is being restored
type CircuitBreaker struct {
	name             string
	failureThreshold uint32
	halfOpenRequests uint32
	timeout          time.Duration
	logger           *slog.Logger
	listeners        []StateChangeFunc

	cb *gobreaker.CircuitBreaker
}

// CircuitBreakerOption configures a circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.failureThreshold = uint32(threshold)
		}
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithHalfOpenRequests sets how many trial requests pass while half-open
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if requests > 0 {
			cb.halfOpenRequests = uint32(requests)
		}
	}
}

// WithName sets the circuit breaker name
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithBreakerLogger sets the logger used for state changes
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithStateChangeListener registers a callback for state transitions
func WithStateChangeListener(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.listeners = append(cb.listeners, fn)
	}
}

// NewCircuitBreaker creates a circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             "default",
		failureThreshold: 5,
		halfOpenRequests: 1,
		timeout:          30 * time.Second,
		logger:           slog.Default(),
	}
	for _, opt := range options {
		opt(cb)
	}

	cb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cb.name,
		MaxRequests: cb.halfOpenRequests,
		Timeout:     cb.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cb.failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.logger.Warn("circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			for _, fn := range cb.listeners {
				fn(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
		IsSuccessful: func(err error) bool {
			// a caller giving up says nothing about the broker
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return cb
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := cb.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.name)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %s", ErrCircuitHalfOpenLimit, cb.name)
	}
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	return fromGobreaker(cb.cb.State())
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Counts returns the failure and success counts of the current window
func (cb *CircuitBreaker) Counts() (consecutiveFailures, totalSuccesses uint32) {
	counts := cb.cb.Counts()
	return counts.ConsecutiveFailures, counts.TotalSuccesses
}
