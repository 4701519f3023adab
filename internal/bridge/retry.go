package bridge

import (
	"context"
	"fmt"
	"time"
)

// retryPolicy bounds how often a transient failure is retried. Backoff is
// fixed; the failures this covers (empty responses, throttling) don't
// benefit from exponential growth at these attempt counts.
type retryPolicy struct {
	maxRetries int
	delay      time.Duration
}

// defaultPromptRetry retries an empty response exactly once.
var defaultPromptRetry = retryPolicy{maxRetries: 1, delay: 500 * time.Millisecond}

// withRetry runs fn, retrying while retryable(err) holds and attempts
// remain.
func withRetry[T any](ctx context.Context, policy retryPolicy, fn func(ctx context.Context) (T, error), retryable func(error) bool) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= policy.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
			case <-time.After(policy.delay):
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !retryable(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}
