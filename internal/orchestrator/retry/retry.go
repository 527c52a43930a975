// Package retry expresses bounded retry as a small declarative policy.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	// Retryable decides whether an error is worth another attempt. Nil uses errors.IsRetryable.
	Retryable func(error) bool
	// BeforeRetry runs between a failed attempt and the backoff, e.g. to refresh credentials.
	BeforeRetry func(ctx context.Context, attempt int, err error) error
	// Sleep is replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Attempt describes one call of the retried function.
type Attempt struct {
	Number int
	Last   bool
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns a non-retryable error, the context ends,
// or MaxAttempts calls have been made.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, a Attempt) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = apperrors.IsRetryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, Attempt{Number: attempt, Last: attempt == maxAttempts})
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		if p.BeforeRetry != nil {
			if hookErr := p.BeforeRetry(ctx, attempt, err); hookErr != nil {
				return hookErr
			}
		}
		if err := sleep(ctx, p.Backoff()); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

// Backoff draws a uniformly random delay in [BackoffMin, BackoffMax].
func (p Policy) Backoff() time.Duration {
	if p.BackoffMax <= p.BackoffMin {
		return p.BackoffMin
	}
	span := int64(p.BackoffMax - p.BackoffMin)
	return p.BackoffMin + time.Duration(rand.Int64N(span+1))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
