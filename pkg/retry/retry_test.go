package retry

import (
	"context"
	"errors"
	"testing"
)

func TestWithRetrySucceedsAfterTransientFailure(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), 2, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestWithRetryReturnsLastErrorAfterExhaustingAttempts(t *testing.T) {
	wantErr := errors.New("permanent")
	attempts := 0
	err := WithRetry(context.Background(), 2, func(ctx context.Context) error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly maxAttempts=2 attempts, got %d", attempts)
	}
}

func TestWithRetryStopsImmediatelyOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, 3, func(ctx context.Context) error {
		t.Fatal("op should never run with an already-cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
