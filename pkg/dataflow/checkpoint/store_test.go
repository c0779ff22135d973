package checkpoint_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/dataflow/pkg/dataflow/checkpoint"
)

// storeFactory creates a store instance for testing.
type storeFactory func(t *testing.T) checkpoint.Store

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		data := []byte(`{"states":{}}`)
		require.NoError(t, store.Save(ctx, "run-1", "2-0", data))

		loaded, err := store.Load(ctx, "run-1", "2-0")
		require.NoError(t, err)
		assert.Equal(t, data, loaded)
	})

	t.Run("load missing", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		_, err := store.Load(ctx, "run-nonexistent", "0")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("overwrite moves key to the end", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "run-1", "0", []byte("first")))
		require.NoError(t, store.Save(ctx, "run-1", "1", []byte("other")))
		require.NoError(t, store.Save(ctx, "run-1", "0", []byte("second")))

		loaded, err := store.Load(ctx, "run-1", "0")
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), loaded)

		infos, err := store.List(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, infos, 2)
		assert.Equal(t, "1", infos[0].Key)
		assert.Equal(t, "0", infos[1].Key)
		assert.Greater(t, infos[1].Sequence, infos[0].Sequence)
	})

	t.Run("list empty", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		infos, err := store.List(ctx, "run-nonexistent")
		require.NoError(t, err)
		assert.Empty(t, infos)
	})

	t.Run("list ordered", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "run-1", "a", []byte("a")))
		require.NoError(t, store.Save(ctx, "run-1", "b", []byte("bb")))
		require.NoError(t, store.Save(ctx, "run-1", "c", []byte("ccc")))

		infos, err := store.List(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, infos, 3)

		for i, want := range []string{"a", "b", "c"} {
			assert.Equal(t, want, infos[i].Key)
			assert.Equal(t, "run-1", infos[i].RunID)
			assert.Equal(t, int64(i+1), infos[i].Size)
			assert.False(t, infos[i].Timestamp.IsZero())
		}
		assert.Less(t, infos[0].Sequence, infos[1].Sequence)
		assert.Less(t, infos[1].Sequence, infos[2].Sequence)
	})

	t.Run("latest", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		_, _, err := checkpoint.Latest(ctx, store, "run-1")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)

		require.NoError(t, store.Save(ctx, "run-1", "0", []byte("zero")))
		require.NoError(t, store.Save(ctx, "run-1", "1", []byte("one")))

		info, data, err := checkpoint.Latest(ctx, store, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "1", info.Key)
		assert.Equal(t, []byte("one"), data)
	})

	t.Run("delete", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "run-1", "0", []byte("data")))
		require.NoError(t, store.Delete(ctx, "run-1", "0"))

		_, err := store.Load(ctx, "run-1", "0")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)

		infos, err := store.List(ctx, "run-1")
		require.NoError(t, err)
		assert.Empty(t, infos)

		assert.NoError(t, store.Delete(ctx, "run-nonexistent", "0"))
	})

	t.Run("delete run", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "run-1", "0", []byte("a")))
		require.NoError(t, store.Save(ctx, "run-1", "1", []byte("b")))
		require.NoError(t, store.Save(ctx, "run-2", "0", []byte("other")))

		require.NoError(t, store.DeleteRun(ctx, "run-1"))

		infos, err := store.List(ctx, "run-1")
		require.NoError(t, err)
		assert.Empty(t, infos)

		infos, err = store.List(ctx, "run-2")
		require.NoError(t, err)
		assert.Len(t, infos, 1)

		assert.NoError(t, store.DeleteRun(ctx, "run-nonexistent"))
	})

	t.Run("data is copied", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		original := []byte("original data")
		require.NoError(t, store.Save(ctx, "run-1", "0", original))
		original[0] = 'X'

		loaded, err := store.Load(ctx, "run-1", "0")
		require.NoError(t, err)
		assert.Equal(t, []byte("original data"), loaded)
	})

	t.Run("closed store errors", func(t *testing.T) {
		store := factory(t)
		require.NoError(t, store.Close())

		assert.ErrorIs(t, store.Save(ctx, "run-1", "0", []byte("data")), checkpoint.ErrStoreClosed)
		_, err := store.Load(ctx, "run-1", "0")
		assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
		_, err = store.List(ctx, "run-1")
		assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
		assert.ErrorIs(t, store.Delete(ctx, "run-1", "0"), checkpoint.ErrStoreClosed)
		assert.ErrorIs(t, store.DeleteRun(ctx, "run-1"), checkpoint.ErrStoreClosed)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContractTest(t, func(t *testing.T) checkpoint.Store {
		return checkpoint.NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	storeContractTest(t, func(t *testing.T) checkpoint.Store {
		store, err := checkpoint.NewSQLiteStore(":memory:")
		require.NoError(t, err)
		return store
	})
}
