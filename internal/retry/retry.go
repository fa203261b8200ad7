// Package retry reruns transient failures with exponential backoff. The
// event publisher and the payment provider adapter wrap their network
// calls in Do.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks a failure retrying cannot fix, such as a rejected
// payout or a malformed request.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do gives up immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do runs fn up to attempts times. Between tries it sleeps base doubled
// per attempt with +/-25% jitter. The loop ends early when fn succeeds,
// fn returns a PermanentError, or ctx is cancelled; otherwise the last
// error comes back after the final attempt.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(base << i)):
		}
	}
	return err
}

// jittered spreads d across [0.75d, 1.25d] so callers that failed
// together do not retry in lockstep.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d - d/4 + rand.N(d/2+1)
}
