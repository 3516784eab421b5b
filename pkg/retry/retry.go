// Package retry is the retry coordinator (C12): a thin, fixed-policy
// wrapper over pkg/resilience.Retry, independent of any listener-level
// retry.
package retry

import (
	"context"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/resilience"
)

// WithRetry invokes op; on error it sleeps 2^attempt*1s (1s, 2s, 4s, ...)
// and retries, rethrowing the last error after maxAttempts failures.
func WithRetry(ctx context.Context, maxAttempts int, op resilience.Executor) error {
	cfg := resilience.RetryConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     time.Duration(1<<uint(maxAttempts)) * time.Second,
		Multiplier:     2.0,
		Jitter:         0,
		RetryIf:        func(err error) bool { return err != nil },
	}
	return resilience.Retry(ctx, cfg, op)
}
