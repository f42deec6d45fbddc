package data

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildingvitals/timeseries-api/internal/core"
)

func setupBlobStore(t *testing.T) (*RedisBlobStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBlobStore(client), mr
}

func TestRedisBlobStore_PutGet(t *testing.T) {
	store, mr := setupBlobStore(t)
	ctx := context.Background()

	t.Run("round trip with metadata", func(t *testing.T) {
		payload := []byte("compressed timeseries bytes")
		metadata := map[string]string{
			"encoding":      "gzip",
			"samples_count": "1200",
		}

		err := store.Put(ctx, "ts:abc", payload, metadata, 5*time.Minute)
		require.NoError(t, err)

		got, gotMeta, err := store.Get(ctx, "ts:abc")
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		assert.Equal(t, metadata, gotMeta)
	})

	t.Run("missing key", func(t *testing.T) {
		_, _, err := store.Get(ctx, "ts:missing")
		require.ErrorIs(t, err, core.ErrBlobNotFound)
	})

	t.Run("expired key", func(t *testing.T) {
		err := store.Put(ctx, "ts:expiring", []byte("x"), nil, time.Minute)
		require.NoError(t, err)

		mr.FastForward(2 * time.Minute)

		_, _, err = store.Get(ctx, "ts:expiring")
		require.ErrorIs(t, err, core.ErrBlobNotFound)
	})
}

func TestRedisBlobStore_Metadata(t *testing.T) {
	store, _ := setupBlobStore(t)
	ctx := context.Background()

	err := store.Put(ctx, "ts:meta", []byte("payload"), map[string]string{"encoding": "identity"}, time.Minute)
	require.NoError(t, err)

	meta, err := store.Metadata(ctx, "ts:meta")
	require.NoError(t, err)
	assert.Equal(t, "identity", meta["encoding"])

	_, err = store.Metadata(ctx, "ts:absent")
	require.ErrorIs(t, err, core.ErrBlobNotFound)
}

func TestRedisBlobStore_Delete(t *testing.T) {
	store, _ := setupBlobStore(t)
	ctx := context.Background()

	err := store.Put(ctx, "ts:del", []byte("x"), map[string]string{"encoding": "identity"}, time.Minute)
	require.NoError(t, err)

	removed, err := store.Delete(ctx, "ts:del")
	require.NoError(t, err)
	assert.True(t, removed)

	_, _, err = store.Get(ctx, "ts:del")
	require.ErrorIs(t, err, core.ErrBlobNotFound)

	removed, err = store.Delete(ctx, "ts:del")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRedisBlobStore_List(t *testing.T) {
	store, _ := setupBlobStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "ts:a", []byte("1"), map[string]string{"k": "v"}, time.Minute))
	require.NoError(t, store.Put(ctx, "ts:b", []byte("2"), nil, time.Minute))
	require.NoError(t, store.Put(ctx, "diag:c", []byte("3"), nil, time.Minute))

	keys, err := store.List(ctx, "ts:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ts:a", "ts:b"}, keys)
}
