// Package bounded runs collaborator calls under a deadline and retries
// idempotent reads.
package bounded

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	readAttempts    = 3
	initialInterval = 50 * time.Millisecond
	maxInterval     = 500 * time.Millisecond
)

// Call runs fn with a context that expires after timeout (if positive).
func Call(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(cctx)
}

// Read runs an idempotent read, each attempt bounded by timeout. Errors
// matching one of permanent are returned immediately; other failures are
// retried with exponential backoff up to three attempts in total.
func Read(ctx context.Context, timeout time.Duration, fn func(context.Context) error, permanent ...error) error {
	op := func() error {
		err := Call(ctx, timeout, fn)
		if err == nil {
			return nil
		}
		for _, p := range permanent {
			if errors.Is(err, p) {
				return backoff.Permanent(err)
			}
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialInterval
	bo.MaxInterval = maxInterval
	bo.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, readAttempts-1), ctx))
}
