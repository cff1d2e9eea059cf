package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnavailable marks backend I/O failures. Callers treat writes as
// best-effort: a failed Set is logged, never fatal to an execution.
var ErrUnavailable = errors.New("state backend unavailable")

// Store is a key/value store holding opaque JSON values. Set is a full
// replace. Implementations are safe for concurrent use and guarantee
// read-your-own-write within one instance.
type Store interface {
	Set(ctx context.Context, key string, value any) error
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// BackendError wraps a backend I/O failure with the failing operation.
// errors.Is(err, ErrUnavailable) reports true for it.
type BackendError struct {
	Op  string
	Key string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("state: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool { return target == ErrUnavailable }

// GetJSON reads key and unmarshals it into dest. The boolean reports
// whether the key existed.
func GetJSON(ctx context.Context, s Store, key string, dest any) (bool, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return found, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return true, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

// GetString reads a key that stores a bare JSON string.
func GetString(ctx context.Context, s Store, key string) (string, bool, error) {
	var v string
	found, err := GetJSON(ctx, s, key, &v)
	return v, found, err
}
