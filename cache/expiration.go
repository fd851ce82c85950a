package cache

import (
	"time"

	"github.com/saiset-co/sai-offline/types"
)

// IsStale reports whether entry is older than ttl at now. An entry whose age
// equals ttl exactly is still fresh.
func IsStale(entry *types.CacheEntry, ttl time.Duration, now time.Time) bool {
	if entry == nil {
		return true
	}

	return now.Sub(entry.CachedAt) > ttl
}

func IsFresh(entry *types.CacheEntry, ttl time.Duration, now time.Time) bool {
	return entry != nil && !IsStale(entry, ttl, now)
}
