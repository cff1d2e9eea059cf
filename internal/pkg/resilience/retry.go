package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls WithRetry. MaxAttempts counts total invocations,
// including the first.
type RetryPolicy struct {
	MaxAttempts int
	MinWait     time.Duration
	MaxWait     time.Duration
	Multiplier  float64
	// RetryIf overrides the default IsRetryable classification.
	RetryIf func(error) bool
}

// WithRetry re-invokes op on retryable errors with jittered exponential
// backoff bounded by [MinWait, MaxWait]. Non-retryable errors surface on
// the first failure. Each attempt is a fresh call; side effects are not
// rolled back.
func WithRetry[T any](op Operation[T], policy RetryPolicy) Operation[T] {
	retryIf := policy.RetryIf
	if retryIf == nil {
		retryIf = IsRetryable
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return func(ctx context.Context) (T, error) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = policy.MinWait
		b.MaxInterval = policy.MaxWait
		if policy.Multiplier >= 1 {
			b.Multiplier = policy.Multiplier
		}
		b.MaxElapsedTime = 0 // bounded by attempts, not wall time
		b.Reset()

		attempt := func() (T, error) {
			val, err := op(ctx)
			if err != nil && !retryIf(err) {
				return val, backoff.Permanent(err)
			}
			return val, err
		}

		return backoff.RetryWithData(
			attempt,
			backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx),
		)
	}
}
