package checkpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/dataflow/pkg/dataflow/checkpoint"
)

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisStore(t *testing.T) {
	storeContractTest(t, func(t *testing.T) checkpoint.Store {
		_, client := newMiniredisClient(t)
		return checkpoint.NewRedisStoreFromClient(client)
	})
}

func TestRedisStore_Prefix(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredisClient(t)
	store := checkpoint.NewRedisStoreFromClient(client, checkpoint.WithRedisPrefix("test:"))
	defer store.Close()

	require.NoError(t, store.Save(ctx, "run-1", "0", []byte("x")))
	assert.True(t, mr.Exists("test:run-1:data"))
	assert.True(t, mr.Exists("test:run-1:order"))
	assert.False(t, mr.Exists("dataflow:checkpoint:run-1:data"))
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredisClient(t)
	store := checkpoint.NewRedisStoreFromClient(client, checkpoint.WithRedisTTL(time.Minute))
	defer store.Close()

	require.NoError(t, store.Save(ctx, "run-1", "0", []byte("x")))
	assert.Equal(t, time.Minute, mr.TTL("dataflow:checkpoint:run-1:data"))

	mr.FastForward(2 * time.Minute)

	_, err := store.Load(ctx, "run-1", "0")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	infos, err := store.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestRedisStore_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredisClient(t)

	writer := checkpoint.NewRedisStoreFromClient(client)
	require.NoError(t, writer.Save(ctx, "run-1", "4", []byte("suspended")))
	require.NoError(t, writer.Close())

	// Closing a store built from a client leaves the client usable.
	require.NoError(t, client.Ping(ctx).Err())

	reader := checkpoint.NewRedisStore(mr.Addr(), "", 0)
	defer reader.Close()

	info, data, err := checkpoint.Latest(ctx, reader, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "4", info.Key)
	assert.Equal(t, []byte("suspended"), data)
}

func TestRedisStore_ServerDown(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredisClient(t)
	store := checkpoint.NewRedisStoreFromClient(client)
	defer store.Close()

	mr.Close()
	err := store.Save(ctx, "run-1", "0", []byte("x"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, checkpoint.ErrStoreClosed)
}
