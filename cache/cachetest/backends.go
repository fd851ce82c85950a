// Package cachetest runs storage tests against every cache backend.
package cachetest

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/testutil"
	"github.com/saiset-co/sai-offline/types"
)

type Factory func(t *testing.T) types.CacheStorage

// Backends returns a factory per built-in backend. Redis runs on miniredis,
// clover and sqlite on a per-test temp directory.
func Backends() map[string]Factory {
	return map[string]Factory{
		"memory": func(t *testing.T) types.CacheStorage {
			return cache.NewMemoryStorage(testutil.Logger())
		},
		"redis": func(t *testing.T) types.CacheStorage {
			mr := miniredis.RunT(t)
			addr := mr.Server().Addr()

			storage, err := cache.NewRedisStorage(context.Background(), testutil.Logger(), cache.NewCodec(cache.WithCompressAbove(64)), map[string]interface{}{
				"host":       addr.IP.String(),
				"port":       addr.Port,
				"key_prefix": "test",
			})
			require.NoError(t, err)
			return storage
		},
		"clover": func(t *testing.T) types.CacheStorage {
			storage, err := cache.NewCloverStorage(testutil.Logger(), cache.NewCodec(), &cache.CloverConfig{
				Path: filepath.Join(t.TempDir(), "clover"),
			})
			require.NoError(t, err)
			return storage
		},
		"sqlite": func(t *testing.T) types.CacheStorage {
			storage, err := cache.NewSQLiteStorage(context.Background(), testutil.Logger(), cache.NewCodec(), &cache.SQLiteConfig{
				Path: filepath.Join(t.TempDir(), "cache.db"),
			})
			require.NoError(t, err)
			return storage
		},
	}
}

// ForEach runs fn once per backend on a started storage that is stopped on
// cleanup.
func ForEach(t *testing.T, fn func(t *testing.T, storage types.CacheStorage)) {
	t.Helper()

	for name, factory := range Backends() {
		t.Run(name, func(t *testing.T) {
			storage := factory(t)
			require.NoError(t, storage.Start())
			t.Cleanup(func() { _ = storage.Stop() })

			fn(t, storage)
		})
	}
}

func Entry(key, body string, cachedAt time.Time) *types.CacheEntry {
	return &types.CacheEntry{
		Key:        key,
		StatusCode: http.StatusOK,
		StatusText: "OK",
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte(body),
		CachedAt:   cachedAt,
	}
}
