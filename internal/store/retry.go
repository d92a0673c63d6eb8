package store

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

const (
	retryBase     = 100 * time.Millisecond
	retryCap      = 5 * time.Second
	retryAttempts = 6
)

// withRetry runs fn with exponential backoff and full jitter. Transient
// storage errors (connection resets, lock timeouts) are retried up to
// retryAttempts times; after that the error is surfaced as
// ErrStorageUnavailable.
func withRetry(ctx context.Context, log zerolog.Logger, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			log.Warn().Err(lastErr).Int("attempt", attempt).Dur("delay", delay).Msg("storage retry")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, lastErr)
}

// backoffDelay is base*2^(attempt-1) capped at retryCap, with full jitter.
func backoffDelay(attempt int) time.Duration {
	d := retryBase << (attempt - 1)
	if d > retryCap {
		d = retryCap
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}
