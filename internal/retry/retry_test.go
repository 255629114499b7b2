package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"vetdesk/internal/failure"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		Enabled:     true,
		Backoff:     "exponential",
		Initial:     time.Millisecond,
		Max:         4 * time.Millisecond,
		MaxAttempts: maxAttempts,
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(5), nil, "test", nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return failure.New(failure.KindStoreUnavailable, "op", errors.New("down"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(5), nil, "test", nil, func(context.Context) error {
		calls++
		return failure.New(failure.KindStoreConflict, "op", nil)
	})
	if !errors.Is(err, failure.StoreConflict) || calls != 1 {
		t.Fatalf("expected single conflict attempt, got calls=%d err=%v", calls, err)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(5), nil, "test", nil, func(context.Context) error {
		calls++
		return failure.New(failure.KindTransport, "op", failure.MarkPermanent(errors.New("forbidden")))
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single permanent attempt, got calls=%d err=%v", calls, err)
	}
}

func TestDoHonoursMaxAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(3), nil, "test", nil, func(context.Context) error {
		calls++
		return failure.New(failure.KindTransport, "op", errors.New("timeout"))
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected 3 attempts and error, got calls=%d err=%v", calls, err)
	}
	if !errors.Is(err, failure.Transport) {
		t.Fatalf("expected transport cause preserved, got %v", err)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{Enabled: true, Backoff: "fixed", Initial: time.Hour}
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, policy, nil, "test", func(error) bool { return true }, func(context.Context) error {
			return errors.New("always")
		})
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("retry loop did not stop on cancel")
	}
}

func TestDoDisabledRunsOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	_ = Do(context.Background(), Policy{}, nil, "test", nil, func(context.Context) error {
		calls++
		return failure.New(failure.KindStoreUnavailable, "op", nil)
	})
	if calls != 1 {
		t.Fatalf("disabled policy must run once, got %d", calls)
	}
}
