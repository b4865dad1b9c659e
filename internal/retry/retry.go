// Package retry runs an operation with a bounded number of attempts and
// jittered exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	Backoff     time.Duration // wait before the second attempt; doubles after each retry
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("max attempts (%d) exceeded: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// attempts run out. attempt starts at 1. A cancelled ctx stops the wait
// between attempts.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry wait: %w", ctx.Err())
			case <-time.After(Jitter(backoff)):
			}
			backoff *= 2
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
	}

	return &ExhaustedError{Attempts: attempts, Last: lastErr}
}

// Jitter returns a duration uniformly spread over [d/2, 3d/2).
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
