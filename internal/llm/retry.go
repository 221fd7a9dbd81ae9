package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// retryableError marks a failure worth another attempt: transport errors,
// 429 and 5xx responses.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// withRetry runs op up to maxRetries+1 times with exponential backoff,
// stopping early on non-retryable errors or context cancellation.
func withRetry[T any](ctx context.Context, maxRetries int, base time.Duration, op func() (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := base * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		out, err := op()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return zero, err
		}
	}
	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}
