package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/outbound-dispatch/internal/testutil"
)

func TestRedisCacheRepo_Set_Get_Delete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := testutil.SetupTestRedis(t)
	repo := NewRedisCacheRepo(client, "dispatch")
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		value := []byte("test value")
		ttl := 5 * time.Minute

		require.NoError(t, repo.Set(ctx, "token:1", value, ttl))

		result, err := repo.Get(ctx, "token:1")
		require.NoError(t, err)
		assert.Equal(t, value, result)

		actualTTL := client.TTL(ctx, "dispatch:cache:token:1").Val()
		assert.True(t, actualTTL > 0 && actualTTL <= ttl, "key should live under the prefix with a TTL")
	})

	t.Run("get non-existent key", func(t *testing.T) {
		result, err := repo.Get(ctx, "non:existent:key")
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("delete existing key", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, "token:2", []byte("to be deleted"), time.Minute))

		deleted, err := repo.Delete(ctx, "token:2")
		require.NoError(t, err)
		assert.True(t, deleted)

		result, err := repo.Get(ctx, "token:2")
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("delete non-existent key", func(t *testing.T) {
		deleted, err := repo.Delete(ctx, "non:existent:key")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("set if not exists", func(t *testing.T) {
		wasSet, err := repo.SetIfNotExists(ctx, "lock:1", []byte("original"), time.Minute)
		require.NoError(t, err)
		assert.True(t, wasSet)

		wasSet, err = repo.SetIfNotExists(ctx, "lock:1", []byte("new"), time.Minute)
		require.NoError(t, err)
		assert.False(t, wasSet)

		result, err := repo.Get(ctx, "lock:1")
		require.NoError(t, err)
		assert.Equal(t, []byte("original"), result)
	})

	t.Run("set if not exists raises zero ttl", func(t *testing.T) {
		wasSet, err := repo.SetIfNotExists(ctx, "lock:2", []byte("v"), 0)
		require.NoError(t, err)
		assert.True(t, wasSet)
		assert.Positive(t, client.TTL(ctx, "dispatch:cache:lock:2").Val())
	})

	t.Run("health check", func(t *testing.T) {
		assert.NoError(t, repo.Health(ctx))
	})
}

func TestRedisCacheRepo_EmptyKey(t *testing.T) {
	// Validation happens before any round trip, so a nil client is never touched.
	repo := NewRedisCacheRepo(nil, "dispatch")
	ctx := context.Background()

	require.ErrorContains(t, repo.Set(ctx, "", []byte("value"), time.Minute), "key cannot be empty")
	_, err := repo.Get(ctx, "")
	require.ErrorContains(t, err, "key cannot be empty")
	_, err = repo.Delete(ctx, "")
	require.ErrorContains(t, err, "key cannot be empty")
	_, err = repo.SetIfNotExists(ctx, "", []byte("value"), time.Minute)
	require.ErrorContains(t, err, "key cannot be empty")
}
