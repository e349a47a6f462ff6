package eventsourcing_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/plaenen/libris/pkg/eventsourcing"
)

func fastRetryConfig(attempts int) eventsourcing.RetryConfig {
	return eventsourcing.RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      5 * time.Millisecond,
		Jitter:        0,
	}
}

func TestRetryOnConflict(t *testing.T) {
	ctx := context.Background()

	t.Run("SucceedsFirstAttempt", func(t *testing.T) {
		calls := 0
		err := eventsourcing.RetryOnConflict(ctx, fastRetryConfig(3), func(ctx context.Context) error {
			calls++
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("RetriesOnConcurrencyConflict", func(t *testing.T) {
		calls := 0
		err := eventsourcing.RetryOnConflict(ctx, fastRetryConfig(3), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return eventsourcing.ErrConcurrencyConflict
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("RetriesOnDuplicateEvent", func(t *testing.T) {
		calls := 0
		err := eventsourcing.RetryOnConflict(ctx, fastRetryConfig(2), func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return eventsourcing.ErrDuplicateEvent
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 2 {
			t.Errorf("expected 2 calls, got %d", calls)
		}
	})

	t.Run("ExhaustsAttempts", func(t *testing.T) {
		calls := 0
		err := eventsourcing.RetryOnConflict(ctx, fastRetryConfig(3), func(ctx context.Context) error {
			calls++
			return eventsourcing.ErrConcurrencyConflict
		})
		if !errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
			t.Errorf("expected concurrency conflict, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("DoesNotRetryValidation", func(t *testing.T) {
		calls := 0
		validationErr := eventsourcing.NewValidationError("BAD_ISBN", "isbn is malformed")
		err := eventsourcing.RetryOnConflict(ctx, fastRetryConfig(3), func(ctx context.Context) error {
			calls++
			return validationErr
		})
		if !errors.Is(err, eventsourcing.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("WrappedConflictStillRetries", func(t *testing.T) {
		calls := 0
		err := eventsourcing.RetryOnConflict(ctx, fastRetryConfig(2), func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return fmt.Errorf("append failed: %w", eventsourcing.ErrConcurrencyConflict)
			}
			return nil
		})
		// The concurrency kind stays visible through wrapping.
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 2 {
			t.Errorf("expected 2 calls, got %d", calls)
		}
	})

	t.Run("StopsOnCancelledContext", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		err := eventsourcing.RetryOnConflict(cancelled, fastRetryConfig(3), func(ctx context.Context) error {
			calls++
			return eventsourcing.ErrConcurrencyConflict
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if calls != 0 {
			t.Errorf("expected 0 calls, got %d", calls)
		}
	})
}
