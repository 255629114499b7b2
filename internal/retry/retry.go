package retry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vetdesk/internal/failure"
)

// Policy configures repeated attempts.
// Params: toggle, backoff mode, delays, attempt cap and per-attempt logging.
// Returns: retry behavior for Do.
type Policy struct {
	Enabled        bool
	Backoff        string
	Initial        time.Duration
	Max            time.Duration
	MaxAttempts    int
	LogEachAttempt bool
}

// Do runs fn until it succeeds, fails with a non-retryable error, exhausts attempts or ctx ends.
// Params: context, policy, optional logger, operation label, retry predicate (nil uses failure.Retryable) and fn.
// Returns: nil on success or the last error.
func Do(ctx context.Context, policy Policy, logger *slog.Logger, op string, shouldRetry func(error) bool, fn func(context.Context) error) error {
	if shouldRetry == nil {
		shouldRetry = failure.Retryable
	}
	if !policy.Enabled {
		return fn(ctx)
	}

	attempt := 0
	backoff := policy.Initial
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	maxBackoff := policy.Max
	if maxBackoff < backoff {
		maxBackoff = backoff
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			if policy.LogEachAttempt && attempt > 1 && logger != nil {
				logger.Info("operation recovered after retries", "op", op, "attempt", attempt)
			}
			return nil
		}
		if !shouldRetry(err) {
			return err
		}
		if policy.LogEachAttempt && logger != nil {
			logger.Warn("operation attempt failed", "op", op, "attempt", attempt, "error", err.Error())
		}
		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			return fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
		}

		if timer == nil {
			timer = time.NewTimer(backoff)
		} else {
			timer.Reset(backoff)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(policy.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}
