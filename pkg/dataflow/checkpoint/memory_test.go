package checkpoint_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/dataflow/pkg/dataflow/checkpoint"
)

func TestMemoryStore_Len(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	assert.Equal(t, 0, store.Len())
	require.NoError(t, store.Save(ctx, "run-1", "0", []byte("a")))
	require.NoError(t, store.Save(ctx, "run-1", "1", []byte("b")))
	require.NoError(t, store.Save(ctx, "run-2", "0", []byte("c")))
	assert.Equal(t, 3, store.Len())

	require.NoError(t, store.Save(ctx, "run-1", "0", []byte("again")))
	assert.Equal(t, 3, store.Len(), "overwrite keeps the count")
}

func TestMemoryStore_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	const workers = 20
	const saves = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			runID := fmt.Sprintf("run-%d", w%4)
			for i := 0; i < saves; i++ {
				key := fmt.Sprintf("%d-%d", w, i)
				assert.NoError(t, store.Save(ctx, runID, key, []byte(key)))
				_, err := store.Load(ctx, runID, key)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*saves, store.Len())

	infos, err := store.List(ctx, "run-0")
	require.NoError(t, err)
	seen := make(map[int]bool)
	for _, info := range infos {
		assert.False(t, seen[info.Sequence], "sequence %d repeated", info.Sequence)
		seen[info.Sequence] = true
	}
}
