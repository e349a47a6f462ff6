package eventsourcing

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig bounds the retry loop command handlers run on concurrency
// conflicts.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the backoff before the second attempt.
	InitialDelay time.Duration

	// BackoffFactor multiplies the delay after every attempt.
	BackoffFactor float64

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Jitter is the fraction of each delay that is randomized to spread
	// competing writers apart. 0.5 means +/-50%.
	Jitter float64
}

// DefaultRetryConfig matches the event-store retry bound of 3 attempts with
// 10ms, 20ms exponential backoff and 50% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      500 * time.Millisecond,
		Jitter:        0.5,
	}
}

// RetryOnConflict runs fn until it succeeds, fails with a non-retryable
// error, or the attempt budget is spent. Only concurrency kinds
// (ErrConcurrencyConflict, ErrDuplicateEvent) trigger a retry; the caller's
// fn must re-load the aggregate and re-execute the command on every attempt.
func RetryOnConflict(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(jitterDelay(delay, cfg.Jitter)):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}

// jitterDelay spreads a delay by +/- (jitter * delay).
func jitterDelay(delay time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || delay <= 0 {
		return delay
	}
	spread := float64(delay) * jitter
	offset := (rand.Float64()*2 - 1) * spread
	jittered := time.Duration(float64(delay) + offset)
	if jittered < time.Millisecond {
		jittered = time.Millisecond
	}
	return jittered
}
