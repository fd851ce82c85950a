package lifecycle

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/cache/cachetest"
	"github.com/saiset-co/sai-offline/registry"
	"github.com/saiset-co/sai-offline/testutil"
	"github.com/saiset-co/sai-offline/types"
)

const origin = "https://app.test"

type claimer struct {
	claimed atomic.Int32
}

func (c *claimer) Claim() {
	c.claimed.Add(1)
}

type fixture struct {
	storage  types.CacheStorage
	fetcher  *testutil.Fetcher
	registry *registry.Registry
	claimer  *claimer
	manager  *Manager
}

func newFixture(t *testing.T, version string) *fixture {
	t.Helper()

	storage := cache.NewMemoryStorage(testutil.Logger())
	require.NoError(t, storage.Start())

	return newFixtureWithStorage(t, storage, version)
}

func newFixtureWithStorage(t *testing.T, storage types.CacheStorage, version string) *fixture {
	t.Helper()

	reg, err := registry.New(&types.PartitionsConfig{
		Prefix:  "app",
		Core:    types.PartitionConfig{MaxEntries: 10, TTL: time.Hour},
		Runtime: types.PartitionConfig{MaxEntries: 10, TTL: time.Hour},
		Images:  types.PartitionConfig{MaxEntries: 10, TTL: time.Hour},
		API:     types.PartitionConfig{MaxEntries: 10, TTL: time.Minute},
	}, version)
	require.NoError(t, err)

	fetcher := testutil.NewFetcher()
	c := &claimer{}

	manager, err := NewManager(Deps{
		Storage:    storage,
		Registry:   reg,
		Fetcher:    fetcher,
		Claimer:    c,
		Logger:     testutil.Logger(),
		Origin:     origin,
		CoreAssets: []string{"/", "/manifest.json"},
	})
	require.NoError(t, err)

	return &fixture{storage: storage, fetcher: fetcher, registry: reg, claimer: c, manager: manager}
}

func (f *fixture) createPartitions(t *testing.T, names ...string) {
	t.Helper()

	for _, name := range names {
		_, err := f.storage.Open(context.Background(), name)
		require.NoError(t, err)
	}
}

func (f *fixture) names(t *testing.T) []string {
	t.Helper()

	names, err := f.storage.Names(context.Background())
	require.NoError(t, err)

	return names
}

func (f *fixture) fill(t *testing.T, name string, keys ...string) {
	t.Helper()

	partition, err := f.storage.Open(context.Background(), name)
	require.NoError(t, err)

	for _, key := range keys {
		require.NoError(t, partition.Put(context.Background(), cachetest.Entry(key, key, time.Now())))
	}
}

// keys reopens name and lists what it holds.
func (f *fixture) keys(t *testing.T, name string) []string {
	t.Helper()

	partition, err := f.storage.Open(context.Background(), name)
	require.NoError(t, err)

	keys, err := partition.Keys(context.Background())
	require.NoError(t, err)

	return keys
}

func (f *fixture) coreKeys(t *testing.T) []string {
	t.Helper()

	has, err := f.storage.Has(context.Background(), "app-core-"+f.registry.Version())
	require.NoError(t, err)
	if !has {
		return nil
	}

	partition, err := f.storage.Open(context.Background(), "app-core-"+f.registry.Version())
	require.NoError(t, err)

	keys, err := partition.Keys(context.Background())
	require.NoError(t, err)

	return keys
}

func TestInstall_PrecachesCoreAssets(t *testing.T) {
	f := newFixture(t, "v1")
	f.fetcher.OK("/", "<html>").OK("/manifest.json", "{}")

	require.NoError(t, f.manager.Install(context.Background()))

	assert.Equal(t, types.LifecycleInstalled, f.manager.State())
	assert.ElementsMatch(t, []string{
		"GET " + origin + "/",
		"GET " + origin + "/manifest.json",
	}, f.coreKeys(t))
}

func TestInstall_AnyFailureWritesNothing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*testutil.Fetcher)
	}{
		{
			name: "network failure",
			setup: func(fetcher *testutil.Fetcher) {
				fetcher.OK("/", "<html>").Fail("/manifest.json")
			},
		},
		{
			name: "non-200 status",
			setup: func(fetcher *testutil.Fetcher) {
				fetcher.OK("/", "<html>").On("/manifest.json", testutil.Reply{Status: http.StatusNotFound})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "v1")
			tt.setup(f.fetcher)

			err := f.manager.Install(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrInstallFailed)

			assert.Equal(t, types.LifecycleRedundant, f.manager.State())
			assert.Empty(t, f.coreKeys(t))

			err = f.manager.Activate(context.Background())
			assert.ErrorIs(t, err, types.ErrLifecycleInvalidState)
			assert.Zero(t, f.claimer.claimed.Load())
		})
	}
}

func TestInstall_OnlyOnce(t *testing.T) {
	f := newFixture(t, "v1")
	f.fetcher.OK("/", "<html>").OK("/manifest.json", "{}")

	require.NoError(t, f.manager.Install(context.Background()))
	assert.ErrorIs(t, f.manager.Install(context.Background()), types.ErrLifecycleInvalidState)
}

func TestActivate_KeepsOnlyCurrentPartitions(t *testing.T) {
	cachetest.ForEach(t, func(t *testing.T, storage types.CacheStorage) {
		ctx := context.Background()

		f := newFixtureWithStorage(t, storage, "v2")
		f.fetcher.OK("/", "<html>").OK("/manifest.json", "{}")
		f.createPartitions(t, "app-runtime", "app-images", "app-api")
		f.fill(t, "app-core-v1", "GET "+origin+"/")
		f.fill(t, "stray", "a", "b")

		require.NoError(t, f.manager.Install(ctx))
		require.NoError(t, f.manager.Activate(ctx))

		assert.ElementsMatch(t, []string{"app-core-v2", "app-runtime", "app-images", "app-api"}, f.names(t))
		assert.Equal(t, types.LifecycleActivated, f.manager.State())
		assert.Equal(t, int32(1), f.claimer.claimed.Load())

		for _, name := range []string{"app-core-v1", "stray"} {
			assert.Empty(t, f.keys(t, name), name)
		}
	})
}

func TestActivate_KeepsEntriesOfCurrentPartitions(t *testing.T) {
	f := newFixture(t, "v2")
	f.fetcher.OK("/", "<html>").OK("/manifest.json", "{}")

	ctx := context.Background()
	runtime, err := f.storage.Open(ctx, "app-runtime")
	require.NoError(t, err)
	require.NoError(t, runtime.Put(ctx, &types.CacheEntry{Key: "GET " + origin + "/app.js", StatusCode: 200, CachedAt: time.Now()}))

	require.NoError(t, f.manager.Install(ctx))
	require.NoError(t, f.manager.Activate(ctx))

	keys, err := runtime.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"GET " + origin + "/app.js"}, keys)
}

func TestActivate_RequiresInstall(t *testing.T) {
	f := newFixture(t, "v1")

	err := f.manager.Activate(context.Background())
	assert.ErrorIs(t, err, types.ErrLifecycleInvalidState)
}

func TestSkipWaiting_Idempotent(t *testing.T) {
	f := newFixture(t, "v1")

	assert.NotPanics(t, func() {
		f.manager.SkipWaiting()
		f.manager.SkipWaiting()
	})
}

func TestClearAll(t *testing.T) {
	f := newFixture(t, "v1")
	f.createPartitions(t, "app-core-v1", "app-runtime", "other")

	removed, err := f.manager.ClearAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, removed)
	assert.Empty(t, f.names(t))
}

func TestRefresh_StoresSuccessfulAssets(t *testing.T) {
	f := newFixture(t, "v1")
	f.fetcher.OK("/", "<html>v2").Fail("/manifest.json")

	refreshed, err := f.manager.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, refreshed)
	assert.Equal(t, []string{"GET " + origin + "/"}, f.coreKeys(t))
}

func TestNewManager_RejectsRelativeOrigin(t *testing.T) {
	_, err := NewManager(Deps{Origin: "/relative", Logger: testutil.Logger()})
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
}
