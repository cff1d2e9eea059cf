// Package resilience provides composable wrappers (timeout, retry,
// circuit breaker) around operations of the form func(ctx) (T, error).
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrTransient marks an error kind worth retrying. Wrap provider errors
// with Transient, or implement Is(ErrTransient) on a custom type.
var ErrTransient = errors.New("transient failure")

// TimeoutError reports an operation that exceeded its deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTransient }

// CircuitOpenError is returned without invoking the operation while the
// named breaker rejects calls.
type CircuitOpenError struct {
	Name  string
	State BreakerState
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// ConnectionError marks a failed network exchange with a provider.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err so IsRetryable reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsRetryable classifies an error for WithRetry's default policy:
// transient kinds and timeouts retry, everything else (including an open
// circuit, which would re-fail immediately) does not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
