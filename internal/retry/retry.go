// Package retry provides bounded retry with exponential backoff for
// network submissions.
package retry

import (
	"context"
	"time"

	"github.com/agrotour/offline/internal/errors"
	"github.com/agrotour/offline/internal/logging"
)

// Options configures a retry run.
type Options struct {
	// MaxAttempts is the total number of attempts, first try included.
	MaxAttempts int
	// Backoff is the delay before the second attempt. Each further
	// attempt doubles it: backoff * 2^(attempt-1).
	Backoff time.Duration
	// MaxBackoff caps the computed delay. Zero means no cap.
	MaxBackoff time.Duration
	// OnRetry is called before each re-attempt with the attempt number
	// (starting at 1) and the error that caused it. Optional.
	OnRetry func(attempt int, err error)
}

// DefaultOptions matches the sync drain policy: three attempts with a
// one second initial backoff.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		Backoff:     time.Second,
		MaxBackoff:  time.Minute,
	}
}

// Do runs fn until it succeeds, exhausts opts.MaxAttempts, hits a
// non-retryable error, or ctx is cancelled. The last error is returned
// unchanged so callers can inspect it.
func Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := BackoffDelay(opts.Backoff, opts.MaxBackoff, attempt)

			if opts.OnRetry != nil {
				opts.OnRetry(attempt, lastErr)
			}
			logging.Debug("retrying after backoff", map[string]interface{}{
				"attempt": attempt + 1,
				"delay":   delay.String(),
			})

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Retryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

// BackoffDelay computes the delay before the given re-attempt.
// attempt 1 waits base, attempt 2 waits base*2, attempt 3 base*4.
func BackoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base << uint(attempt-1)
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}
