package state

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/redis"
)

// RedisStore keeps one redis string key per logical key, JSON-encoded,
// without TTLs.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return &BackendError{Op: "set", Key: key, Err: err}
	}
	if err := s.client.Set(ctx, key, raw, 0).Err(); err != nil {
		return &BackendError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &BackendError{Op: "get", Key: key, Err: err}
	}
	return raw, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, &BackendError{Op: "delete", Key: key, Err: err}
	}
	return n > 0, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, &BackendError{Op: "exists", Key: key, Err: err}
	}
	return n > 0, nil
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, &BackendError{Op: "keys", Key: prefix, Err: err}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &BackendError{Op: "ping", Err: err}
	}
	return nil
}

// Close is a no-op; the shared redis client is owned by the assembly.
func (s *RedisStore) Close() error { return nil }
