package retry

import (
	"context"
	"testing"
	"time"

	"github.com/agrotour/offline/internal/errors"
)

func netErr(msg string) error {
	return errors.New(errors.ErrNetwork, msg)
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{MaxAttempts: 3, Backoff: time.Millisecond},
		func(ctx context.Context) error {
			calls++
			return nil
		})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{MaxAttempts: 3, Backoff: time.Millisecond},
		func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return netErr("connection refused")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAtExactlyMaxAttempts(t *testing.T) {
	calls := 0
	last := netErr("still down")
	err := Do(context.Background(), Options{MaxAttempts: 3, Backoff: time.Millisecond},
		func(ctx context.Context) error {
			calls++
			return last
		})
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
	if err != last {
		t.Errorf("expected last error to be returned unchanged, got %v", err)
	}
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	fatal := errors.New(errors.ErrValidation, "bad payload")
	err := Do(context.Background(), Options{MaxAttempts: 5, Backoff: time.Millisecond},
		func(ctx context.Context) error {
			calls++
			return fatal
		})
	if calls != 1 {
		t.Errorf("expected 1 call for non-retryable error, got %d", calls)
	}
	if err != fatal {
		t.Errorf("expected the fatal error back, got %v", err)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- Do(ctx, Options{MaxAttempts: 10, Backoff: time.Hour},
			func(ctx context.Context) error {
				calls++
				return netErr("down")
			})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("expected 1 call before the long backoff, got %d", calls)
	}
}

func TestDoOnRetryCallback(t *testing.T) {
	var attempts []int
	Do(context.Background(), Options{
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		OnRetry: func(attempt int, err error) {
			attempts = append(attempts, attempt)
		},
	}, func(ctx context.Context) error {
		return netErr("down")
	})

	if len(attempts) != 2 {
		t.Fatalf("expected 2 retry callbacks, got %d", len(attempts))
	}
	if attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("unexpected attempt numbers: %v", attempts)
	}
}

func TestBackoffDelayDoubles(t *testing.T) {
	base := time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := BackoffDelay(base, 0, tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	got := BackoffDelay(time.Second, 3*time.Second, 5)
	if got != 3*time.Second {
		t.Errorf("expected cap at 3s, got %v", got)
	}
}
