package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type flakyCache struct {
	failures int32
	calls    int32
}

func (f *flakyCache) Get(ctx context.Context, key string, dest interface{}) error {
	atomic.AddInt32(&f.calls, 1)
	if atomic.LoadInt32(&f.calls) <= f.failures {
		return errors.New("backend unavailable")
	}
	return nil
}
func (f *flakyCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return nil
}
func (f *flakyCache) Delete(ctx context.Context, key string) error { return nil }
func (f *flakyCache) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	return 0, nil
}
func (f *flakyCache) Close() error { return nil }

func TestResilientCacheRetriesTransientFailures(t *testing.T) {
	inner := &flakyCache{failures: 1}
	rc := NewResilientCache(inner, ResilientConfig{
		CircuitBreakerEnabled: false,
		RetryEnabled:          true,
		RetryMaxAttempts:      3,
		RetryBackoff:          time.Millisecond,
	})

	var dest string
	if err := rc.Get(context.Background(), "k", &dest); err != nil {
		t.Fatalf("expected the retry to paper over one transient failure, got %v", err)
	}
	if atomic.LoadInt32(&inner.calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 failure + 1 success), got %d", inner.calls)
	}
}

func TestResilientCacheTripsCircuitBreakerAfterThreshold(t *testing.T) {
	inner := &flakyCache{failures: 1000}
	rc := NewResilientCache(inner, ResilientConfig{
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 2,
		CircuitBreakerTimeout:   time.Hour,
		RetryEnabled:            false,
	})

	var dest string
	for i := 0; i < 2; i++ {
		if err := rc.Get(context.Background(), "k", &dest); err == nil {
			t.Fatal("expected the failing backend to surface an error")
		}
	}

	if rc.CircuitBreakerState() != "open" {
		t.Fatalf("expected the circuit to be open after reaching the failure threshold, got %s", rc.CircuitBreakerState())
	}

	callsBeforeOpenCheck := inner.calls
	if err := rc.Get(context.Background(), "k", &dest); err == nil {
		t.Fatal("expected an error while the circuit is open")
	}
	if inner.calls != callsBeforeOpenCheck {
		t.Fatal("expected the open circuit to fast-fail without calling the backend")
	}
}

func TestResilientCacheUnwrapReturnsInnerCache(t *testing.T) {
	inner := &flakyCache{}
	rc := NewResilientCache(inner, ResilientConfig{})
	if rc.Unwrap() != inner {
		t.Fatal("expected Unwrap to return the wrapped cache")
	}
}
