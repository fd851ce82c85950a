package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/cache/cachetest"
	"github.com/saiset-co/sai-offline/testutil"
)

func TestTrim(t *testing.T) {
	tests := []struct {
		name       string
		keys       []string
		maxEntries int
		removed    int
		remaining  []string
	}{
		{
			name:       "over capacity keeps newest",
			keys:       []string{"a", "b", "c"},
			maxEntries: 2,
			removed:    1,
			remaining:  []string{"b", "c"},
		},
		{
			name:       "at capacity is a no-op",
			keys:       []string{"a", "b"},
			maxEntries: 2,
			removed:    0,
			remaining:  []string{"a", "b"},
		},
		{
			name:       "empty partition",
			keys:       nil,
			maxEntries: 2,
			removed:    0,
			remaining:  []string{},
		},
		{
			name:       "far over capacity",
			keys:       []string{"a", "b", "c", "d", "e"},
			maxEntries: 1,
			removed:    4,
			remaining:  []string{"e"},
		},
		{
			name:       "zero capacity empties",
			keys:       []string{"a", "b"},
			maxEntries: 0,
			removed:    2,
			remaining:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			storage := cache.NewMemoryStorage(testutil.Logger())

			partition, err := storage.Open(ctx, "images")
			require.NoError(t, err)

			for _, key := range tt.keys {
				require.NoError(t, partition.Put(ctx, cachetest.Entry(key, key, time.Now())))
			}

			removed, err := cache.Trim(ctx, partition, tt.maxEntries)
			require.NoError(t, err)
			assert.Equal(t, tt.removed, removed)

			keys, err := partition.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.remaining, keys)

			// Idempotent once within bounds.
			removed, err = cache.Trim(ctx, partition, tt.maxEntries)
			require.NoError(t, err)
			assert.Zero(t, removed)
		})
	}
}

func TestTrim_KeepsNewestImages(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage(testutil.Logger())

	partition, err := storage.Open(ctx, "images")
	require.NoError(t, err)

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, partition.Put(ctx, cachetest.Entry(key, key, time.Now())))
		_, err = cache.Trim(ctx, partition, 2)
		require.NoError(t, err)
	}

	keys, err := partition.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keys)
}
