// Package retry provides a small retry runner for optimistic-concurrency
// storage conflicts, the same shape the teacher's storage layer builds
// around (commonStorage.retryRunner, common.DoNotRetryIf).
package retry

import (
	"context"
	"errors"
	"time"
)

// Runner retries a function a bounded number of times, backing off
// linearly, unless the returned error matches one of the non-retryable
// sentinels it was built with.
type Runner struct {
	maxAttempts    int
	backoff        time.Duration
	nonRetryable   []error
}

// DoNotRetryIf builds the set of sentinel errors that should abort
// immediately instead of being retried (domain errors are never
// transient; only storage-engine conflicts are).
func DoNotRetryIf(errs ...error) []error {
	return errs
}

// NewRunner builds a Runner with the given attempt budget and the
// sentinel errors that should short-circuit retries.
func NewRunner(maxAttempts int, backoff time.Duration, nonRetryable []error) *Runner {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Runner{maxAttempts: maxAttempts, backoff: backoff, nonRetryable: nonRetryable}
}

// Do runs fn, retrying on any error not in the non-retryable set, up to
// maxAttempts times, or until ctx is done.
func (r *Runner) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		for _, sentinel := range r.nonRetryable {
			if errors.Is(err, sentinel) {
				return err
			}
		}

		if attempt < r.maxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.backoff * time.Duration(attempt+1)):
			}
		}
	}
	return lastErr
}
