package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff returns the delay after the given 1-based failed attempt: 2s, 4s, 8s...
func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// withRetry calls fn up to attempts times, sleeping backoff(n) after the
// n-th failure. Every failure counts; there is no retryable/permanent split
// because the endpoint gives no reliable signal either way.
func withRetry(ctx context.Context, attempts int, sleep Sleeper, logger *slog.Logger, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		wait := backoff(attempt)
		logger.Warn("retrying request", "attempt", attempt+1, "of", attempts, "backoff", wait)
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("retry interrupted: %w", err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, lastErr)
}
