package jobs

import (
	"context"
	"fmt"
	"time"

	dErrors "targeting/pkg/domain-errors"
)

// RetryPolicy is a fixed-backoff, bounded retry.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy tries three times, thirty seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 30 * time.Second}
}

type attemptKey struct{}

// Attempt returns the 1-based attempt number of the running job, or 0 outside
// the runner.
func Attempt(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok {
		return n
	}
	return 0
}

// Retry calls fn until it succeeds, returns a permanent error, the attempts
// are exhausted, or ctx is done. It returns the number of attempts made and
// the last error.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := max(policy.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(context.WithValue(ctx, attemptKey{}, attempt))
		if lastErr == nil {
			return attempt, nil
		}
		if dErrors.Permanent(lastErr) {
			return attempt, lastErr
		}
		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, policy.Backoff); err != nil {
			return attempt, fmt.Errorf("retry aborted after attempt %d: %w: %w", attempt, err, lastErr)
		}
	}
	return maxAttempts, fmt.Errorf("gave up after %d attempts: %w", maxAttempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
