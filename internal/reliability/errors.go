package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is returned while the circuit rejects calls
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

	// ErrCircuitHalfOpenLimit is returned when trial requests are exhausted
	ErrCircuitHalfOpenLimit = errors.New("circuit breaker: half-open request limit reached")
)

// RetryError is returned when every attempt failed
type RetryError struct {
	Op        string
	Attempts  int
	LastError error
	Duration  time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d attempts over %v: %v",
		e.Op, e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
