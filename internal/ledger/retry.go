package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides how the client retries contract calls.
type RetryPolicy struct {
	// MaxAttempts bounds the total number of calls, first attempt included.
	MaxAttempts int
	// NewBackOff builds a fresh backoff schedule for one submission.
	NewBackOff func() backoff.BackOff
	// Retryable reports whether an error may be retried.
	Retryable func(error) bool
}

// DefaultRetryPolicy retries transient errors with capped exponential backoff.
func DefaultRetryPolicy(maxAttempts int, initial, max time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.Multiplier = 2
			b.MaxInterval = max
			b.MaxElapsedTime = 0
			return b
		},
		Retryable: IsTransient,
	}
}

// IsTransient is the default retry predicate: anything not a revert and not a cancelled context.
func IsTransient(err error) bool {
	if err == nil || IsRevert(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.NewBackOff == nil {
		p.NewBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// run executes op under the policy. notify is called after every retryable failure that
// will be followed by another attempt.
func (p RetryPolicy) run(ctx context.Context, op func(attempt int) error, notify func(attempt int, err error, wait time.Duration)) (int, error) {
	p = p.withDefaults()

	attempt := 0
	var last error
	operation := func() error {
		attempt++
		err := op(attempt)
		if err == nil {
			return nil
		}
		last = err
		if !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	schedule := backoff.WithContext(backoff.WithMaxRetries(p.NewBackOff(), uint64(p.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, schedule, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	})
	switch {
	case err == nil:
		return attempt, nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return attempt, err
	case !p.Retryable(err):
		return attempt, err
	}
	return attempt, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, last)
}
