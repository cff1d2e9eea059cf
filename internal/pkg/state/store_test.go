package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/redis"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Client.Close() })
	return NewRedisStore(client)
}

// Both backends must satisfy the same contract.
func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  newRedisStore(t),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Set(ctx, "workflow:arb_btc:latest_execution", "exec_arb_btc_a1b2c3d4"))

			got, found, err := GetString(ctx, s, "workflow:arb_btc:latest_execution")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "exec_arb_btc_a1b2c3d4", got)

			_, found, err = s.Get(ctx, "workflow:missing")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestStoreSetReplaces(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Set(ctx, "k", map[string]any{"a": 1, "b": 2}))
			require.NoError(t, s.Set(ctx, "k", map[string]any{"c": 3}))

			var v map[string]any
			found, err := GetJSON(ctx, s, "k", &v)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, map[string]any{"c": 3.0}, v)
		})
	}
}

func TestStoreDeleteAndExists(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Set(ctx, "emergency:state", "NORMAL"))

			ok, err := s.Exists(ctx, "emergency:state")
			require.NoError(t, err)
			assert.True(t, ok)

			deleted, err := s.Delete(ctx, "emergency:state")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = s.Delete(ctx, "emergency:state")
			require.NoError(t, err)
			assert.False(t, deleted)

			ok, err = s.Exists(ctx, "emergency:state")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreKeysByPrefix(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Set(ctx, "workflow:w1:execution:e1:status", "completed"))
			require.NoError(t, s.Set(ctx, "workflow:w1:execution:e2:status", "failed"))
			require.NoError(t, s.Set(ctx, "workflow:w2:execution:e3:status", "completed"))
			require.NoError(t, s.Set(ctx, "emergency:state", "NORMAL"))

			keys, err := s.Keys(ctx, "workflow:w1:")
			require.NoError(t, err)
			assert.Equal(t, []string{
				"workflow:w1:execution:e1:status",
				"workflow:w1:execution:e2:status",
			}, keys)
		})
	}
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("k:%d:%d", n, j)
				_ = s.Set(ctx, key, j)
				_, _, _ = s.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()

	keys, err := s.Keys(ctx, "k:")
	require.NoError(t, err)
	assert.Len(t, keys, 8*50)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.NewClient("redis://" + mr.Addr())
	require.NoError(t, err)
	s := NewRedisStore(client)
	ctx := context.Background()

	mr.Close()

	err = s.Set(ctx, "k", "v")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "want ErrUnavailable, got %v", err)

	_, _, err = s.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrUnavailable))
}
