// Package retry implements a bounded exponential backoff policy.
//
// The policy is a plain value so callers can inject it into clients and swap the
// sleeper for a fake clock in tests.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is wrapped into the returned error when every attempt failed with a
// retryable error.
var ErrExhausted = errors.New("retry attempts exhausted")

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts int           // total attempts, including the first one
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // ceiling for any single delay

	// Retryable reports whether err should be retried.
	// If nil, every error is retried.
	Retryable func(error) bool

	// Sleep is used between attempts. If nil, a timer honoring ctx is used.
	Sleep Sleeper

	// OnRetry is an optional hook for logging/metrics, called before sleeping.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultPolicy returns 3 attempts with a 1s base delay capped at 8s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
	}
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = 5 * time.Second
	}

	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= ceiling {
			return ceiling
		}
	}
	if wait > ceiling {
		return ceiling
	}
	return wait
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts run
// out, or ctx is done. Non-retryable errors are returned as-is.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func timerSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
