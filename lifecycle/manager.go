// Package lifecycle runs the version upgrade handshake: install pre-caches
// the core assets into the versioned core partition, activate removes every
// partition a previous version left behind and claims the clients.
package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/registry"
	"github.com/saiset-co/sai-offline/types"
)

// Claimer takes control of requests once activation completes.
type Claimer interface {
	Claim()
}

type Deps struct {
	Storage    types.CacheStorage
	Registry   *registry.Registry
	Fetcher    types.Fetcher
	Codec      *cache.Codec
	Claimer    Claimer
	Logger     types.Logger
	Origin     string
	CoreAssets []string
}

type Manager struct {
	storage     types.CacheStorage
	registry    *registry.Registry
	fetcher     types.Fetcher
	codec       *cache.Codec
	claimer     Claimer
	logger      types.Logger
	assets      []*types.Request
	state       atomic.Value
	skipWaiting chan struct{}
	skipOnce    sync.Once
}

func NewManager(deps Deps) (*Manager, error) {
	base, err := url.Parse(deps.Origin)
	if err != nil || !base.IsAbs() {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "origin %q must be an absolute url", deps.Origin)
	}

	assets := make([]*types.Request, 0, len(deps.CoreAssets))
	for _, asset := range deps.CoreAssets {
		ref, err := url.Parse(asset)
		if err != nil {
			return nil, types.Errorf(types.ErrConfigValidateFailed, "core asset %q: %v", asset, err)
		}

		assets = append(assets, &types.Request{
			Method:      http.MethodGet,
			URL:         base.ResolveReference(ref),
			Header:      make(http.Header),
			Destination: destinationOf(asset),
		})
	}

	codec := deps.Codec
	if codec == nil {
		codec = cache.NewCodec()
	}

	m := &Manager{
		storage:     deps.Storage,
		registry:    deps.Registry,
		fetcher:     deps.Fetcher,
		codec:       codec,
		claimer:     deps.Claimer,
		logger:      deps.Logger,
		assets:      assets,
		skipWaiting: make(chan struct{}),
	}

	m.state.Store(types.LifecycleNew)

	return m, nil
}

func (m *Manager) State() types.LifecycleState {
	return m.state.Load().(types.LifecycleState)
}

// Install fetches every core asset and writes them into the core partition.
// Nothing is written unless all fetches return 200. A failed install leaves
// the manager redundant.
func (m *Manager) Install(ctx context.Context) error {
	if !m.state.CompareAndSwap(types.LifecycleNew, types.LifecycleInstalling) {
		return types.Errorf(types.ErrLifecycleInvalidState, "install from %s", m.State())
	}

	spec, err := m.registry.Spec(types.RoleCore)
	if err != nil {
		m.state.Store(types.LifecycleRedundant)
		return err
	}

	entries, err := m.fetchAssets(ctx)
	if err != nil {
		m.state.Store(types.LifecycleRedundant)
		m.logger.Error("Install failed", zap.String("version", m.registry.Version()), zap.Error(err))
		return fmt.Errorf("%w: %w", types.ErrInstallFailed, err)
	}

	if err = m.writeAll(ctx, spec, entries); err != nil {
		m.state.Store(types.LifecycleRedundant)
		m.logger.ErrorWithErrStack("Install failed", err, zap.String("version", m.registry.Version()))
		return fmt.Errorf("%w: %w", types.ErrInstallFailed, err)
	}

	m.state.Store(types.LifecycleInstalled)
	m.logger.Info("Installed",
		zap.String("version", m.registry.Version()),
		zap.String("partition", spec.Name),
		zap.Int("assets", len(entries)))

	m.SkipWaiting()

	return nil
}

// Activate waits for the skip-waiting signal, deletes every partition that
// does not belong to this version and claims the clients.
func (m *Manager) Activate(ctx context.Context) error {
	if state := m.State(); state != types.LifecycleInstalled {
		return types.Errorf(types.ErrLifecycleInvalidState, "activate from %s", state)
	}

	select {
	case <-m.skipWaiting:
	case <-ctx.Done():
		return types.WrapError(ctx.Err(), "activate interrupted while waiting")
	}

	if !m.state.CompareAndSwap(types.LifecycleInstalled, types.LifecycleActivating) {
		return types.Errorf(types.ErrLifecycleInvalidState, "activate from %s", m.State())
	}

	removed, err := m.deleteSuperseded(ctx)
	if err != nil {
		m.state.Store(types.LifecycleInstalled)
		return fmt.Errorf("%w: %w", types.ErrActivateFailed, err)
	}

	if m.claimer != nil {
		m.claimer.Claim()
	}

	m.state.Store(types.LifecycleActivated)
	m.logger.Info("Activated",
		zap.String("version", m.registry.Version()),
		zap.Strings("removed_partitions", removed))

	return nil
}

// SkipWaiting lets a pending Activate proceed. Repeated calls are no-ops.
func (m *Manager) SkipWaiting() {
	m.skipOnce.Do(func() {
		close(m.skipWaiting)
		m.logger.Debug("Skip waiting signalled", zap.String("version", m.registry.Version()))
	})
}

// ClearAll deletes every partition regardless of name and returns how many
// were removed.
func (m *Manager) ClearAll(ctx context.Context) (int, error) {
	names, err := m.storage.Names(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, name := range names {
		deleted, err := m.storage.Delete(ctx, name)
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
		}
	}

	m.logger.Info("All partitions cleared", zap.Int("removed", removed))

	return removed, nil
}

// Refresh re-fetches the core assets and stores each one that returns 200.
// A failed fetch is logged and skipped; storage failures abort.
func (m *Manager) Refresh(ctx context.Context) (int, error) {
	spec, err := m.registry.Spec(types.RoleCore)
	if err != nil {
		return 0, err
	}

	partition, err := m.storage.Open(ctx, spec.Name)
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for _, req := range m.assets {
		resp, err := m.fetcher.Fetch(ctx, req)
		if err != nil || resp.StatusCode != http.StatusOK {
			m.logger.Debug("Core asset not refreshed", zap.String("url", req.URL.String()), zap.Error(err))
			continue
		}

		entry, err := m.codec.Encode(req.Key(), resp)
		if err != nil {
			m.logger.Warn("Core asset not cacheable", zap.String("url", req.URL.String()), zap.Error(err))
			continue
		}

		if err = partition.Put(ctx, entry); err != nil {
			return refreshed, err
		}
		refreshed++
	}

	if _, err = cache.Trim(ctx, partition, spec.MaxEntries); err != nil {
		return refreshed, err
	}

	return refreshed, nil
}

func (m *Manager) fetchAssets(ctx context.Context) ([]*types.CacheEntry, error) {
	entries := make([]*types.CacheEntry, len(m.assets))

	g, gCtx := errgroup.WithContext(ctx)

	for i, req := range m.assets {
		g.Go(func() error {
			resp, err := m.fetcher.Fetch(gCtx, req)
			if err != nil {
				return types.NetworkError(err)
			}

			if resp.StatusCode != http.StatusOK {
				return types.NewErrorf("%s returned %d", req.URL, resp.StatusCode)
			}

			entry, err := m.codec.Encode(req.Key(), resp)
			if err != nil {
				return err
			}

			entries[i] = entry

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return entries, nil
}

func (m *Manager) writeAll(ctx context.Context, spec types.PartitionSpec, entries []*types.CacheEntry) error {
	partition, err := m.storage.Open(ctx, spec.Name)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err = partition.Put(ctx, entry); err != nil {
			return err
		}
	}

	_, err = cache.Trim(ctx, partition, spec.MaxEntries)

	return err
}

func (m *Manager) deleteSuperseded(ctx context.Context) ([]string, error) {
	names, err := m.storage.Names(ctx)
	if err != nil {
		return nil, err
	}

	removed := make([]string, 0)
	for _, name := range names {
		if m.registry.IsCurrent(name) {
			continue
		}

		deleted, err := m.storage.Delete(ctx, name)
		if err != nil {
			return removed, err
		}
		if deleted {
			removed = append(removed, name)
		}
	}

	return removed, nil
}

func destinationOf(asset string) string {
	if asset == "/" || path.Ext(asset) == ".html" {
		return types.DestinationDocument
	}
	return ""
}
