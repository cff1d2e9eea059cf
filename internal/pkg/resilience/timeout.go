package resilience

import (
	"context"
	"errors"
	"time"
)

// Operation is the unit every wrapper composes around.
type Operation[T any] func(ctx context.Context) (T, error)

// WithTimeout bounds op to d. The in-flight call receives a context that
// is cancelled at the deadline; the wrapper returns without waiting for
// it to unwind. Parent cancellation surfaces as the context error, not a
// TimeoutError.
func WithTimeout[T any](op Operation[T], d time.Duration, name string) Operation[T] {
	return func(ctx context.Context) (T, error) {
		tctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		type result struct {
			val T
			err error
		}
		done := make(chan result, 1)
		go func() {
			val, err := op(tctx)
			done <- result{val, err}
		}()

		select {
		case r := <-done:
			return r.val, r.err
		case <-tctx.Done():
			var zero T
			if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return zero, &TimeoutError{Op: name, Timeout: d}
			}
			return zero, tctx.Err()
		}
	}
}
