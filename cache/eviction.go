package cache

import (
	"context"

	"github.com/saiset-co/sai-offline/types"
)

// Trim deletes the oldest-inserted entries of partition until at most
// maxEntries remain and returns how many it removed. Reads never change the
// order, so this is FIFO eviction. Concurrent trims may both delete the same
// head; a key already gone is not an error.
func Trim(ctx context.Context, partition types.Partition, maxEntries int) (int, error) {
	if maxEntries < 0 {
		maxEntries = 0
	}

	keys, err := partition.Keys(ctx)
	if err != nil {
		return 0, err
	}

	excess := len(keys) - maxEntries
	if excess <= 0 {
		return 0, nil
	}

	removed := 0
	for _, key := range keys[:excess] {
		deleted, err := partition.Delete(ctx, key)
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
		}
	}

	return removed, nil
}
