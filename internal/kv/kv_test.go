// SPDX-License-Identifier: MIT

package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewRedisStoreFromClient(client, zerolog.Nop())
}

// Both implementations must satisfy the same contract.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	_, rs := setupRedis(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  rs,
	}
}

func TestStoreSetGetDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
			val, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v", val)

			exists, err := s.Exists(ctx, "k")
			require.NoError(t, err)
			assert.True(t, exists)

			require.NoError(t, s.Delete(ctx, "k"))
			exists, err = s.Exists(ctx, "k")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestStoreSetNX(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := s.SetNX(ctx, "lock", "owner-a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.SetNX(ctx, "lock", "owner-b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "second SetNX must not overwrite")

			val, _, err := s.Get(ctx, "lock")
			require.NoError(t, err)
			assert.Equal(t, "owner-a", val)
		})
	}
}

func TestStoreCompareAndDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Set(ctx, "lock", "owner-a", time.Minute))

			// Wrong owner must not release.
			deleted, err := s.CompareAndDelete(ctx, "lock", "owner-b")
			require.NoError(t, err)
			assert.False(t, deleted)

			exists, err := s.Exists(ctx, "lock")
			require.NoError(t, err)
			assert.True(t, exists)

			deleted, err = s.CompareAndDelete(ctx, "lock", "owner-a")
			require.NoError(t, err)
			assert.True(t, deleted)

			exists, err = s.Exists(ctx, "lock")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Expired key can be re-acquired via SetNX.
	require.NoError(t, s.Set(ctx, "lock", "a", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	ok, err = s.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	mr, s := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
