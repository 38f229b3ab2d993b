package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether and when to try again
type RetryPolicy interface {
	// ShouldRetry reports whether attempt (zero based) may be followed by another
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// NextDelay calculates the delay after attempt
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff grows the delay by Multiplier per attempt up to MaxInterval.
// MaxAttempts of zero retries forever.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxAttempts,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if e.MaxAttempts > 0 && attempt+1 >= e.MaxAttempts {
		return false, 0
	}
	if IsPermanent(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15%
	if e.Jitter {
		delay = delay*0.85 + rand.Float64()*0.3*delay
	}
	return time.Duration(delay)
}

// Retry runs fn until it succeeds, the policy gives up or ctx is done
func Retry(ctx context.Context, op string, policy RetryPolicy, fn func() error) error {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			var p *permanentError
			if errors.As(err, &p) {
				return p.err
			}
			return &RetryError{Op: op, Attempts: attempt + 1, LastError: err, Duration: time.Since(start)}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
