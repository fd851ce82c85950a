// Package strategy implements the three caching disciplines that serve an
// intercepted request: cache-first, network-first and
// stale-while-revalidate.
package strategy

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/types"
)

const offlineBody = "Offline"

// Fallback supplies the page served to a navigation that has neither network
// nor a cached copy.
type Fallback interface {
	Navigation(ctx context.Context) (*types.Response, error)
}

type Deps struct {
	Storage  types.CacheStorage
	Fetcher  types.Fetcher
	Codec    *cache.Codec
	Logger   types.Logger
	Metrics  types.MetricsManager
	Fallback Fallback
}

// base holds the read, write and fetch steps shared by every executor.
type base struct {
	storage  types.CacheStorage
	fetcher  types.Fetcher
	codec    *cache.Codec
	logger   types.Logger
	metrics  types.MetricsManager
	fallback Fallback
	inflight sync.WaitGroup
}

func newBase(deps Deps) *base {
	codec := deps.Codec
	if codec == nil {
		codec = cache.NewCodec()
	}

	return &base{
		storage:  deps.Storage,
		fetcher:  deps.Fetcher,
		codec:    codec,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		fallback: deps.Fallback,
	}
}

func (b *base) read(ctx context.Context, spec types.PartitionSpec, key string) (*types.CacheEntry, error) {
	partition, err := b.storage.Open(ctx, spec.Name)
	if err != nil {
		return nil, err
	}

	return partition.Match(ctx, key)
}

func (b *base) isFresh(entry *types.CacheEntry, spec types.PartitionSpec) bool {
	return cache.IsFresh(entry, spec.TTL, b.codec.Now())
}

// write stores resp when it is a 200 and trims the partition. An encode
// failure only skips caching; storage failures are returned.
func (b *base) write(ctx context.Context, spec types.PartitionSpec, key string, resp *types.Response) error {
	if resp == nil || resp.StatusCode != http.StatusOK {
		return nil
	}

	entry, err := b.codec.Encode(key, resp)
	if err != nil {
		b.logger.Debug("Response not cached",
			zap.String("key", key),
			zap.String("partition", spec.Name),
			zap.Error(err),
		)
		return nil
	}

	partition, err := b.storage.Open(ctx, spec.Name)
	if err != nil {
		return err
	}

	if err = partition.Put(ctx, entry); err != nil {
		return err
	}

	removed, err := cache.Trim(ctx, partition, spec.MaxEntries)
	if err != nil {
		return err
	}

	if removed > 0 {
		b.logger.Debug("Partition trimmed",
			zap.String("partition", spec.Name),
			zap.Int("removed", removed),
		)
		b.count("cache_evictions_total", map[string]string{"partition": spec.Name}, float64(removed))
	}

	return nil
}

func (b *base) fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	resp, err := b.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, types.NetworkError(err)
	}

	if resp == nil {
		return nil, types.Errorf(types.ErrNetwork, "empty response for %s", req.Key())
	}

	resp.Source = types.SourceNetwork

	return resp, nil
}

func (b *base) fromCache(entry *types.CacheEntry) *types.Response {
	return b.codec.Decode(entry)
}

// offlineOrNavigation answers a request that got nothing from the network
// or the cache.
func (b *base) offlineOrNavigation(ctx context.Context, req *types.Request) *types.Response {
	if req.IsNavigation() && b.fallback != nil {
		resp, err := b.fallback.Navigation(ctx)
		if err != nil {
			b.logger.Warn("Navigation fallback lookup failed", zap.Error(err))
		} else if resp != nil {
			return resp
		}
	}

	return Offline()
}

// revalidate fetches req in the background and writes a successful result.
// The fetch outlives ctx cancellation. The returned channel yields the fetch
// result exactly once.
func (b *base) revalidate(ctx context.Context, req *types.Request, spec types.PartitionSpec) <-chan fetchResult {
	done := make(chan fetchResult, 1)
	bgCtx := context.WithoutCancel(ctx)
	key := req.Key()

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()

		resp, err := b.fetch(bgCtx, req)
		if err == nil {
			if werr := b.write(bgCtx, spec, key, resp); werr != nil {
				b.logger.ErrorWithErrStack("Background cache write failed", werr,
					zap.String("key", key),
					zap.String("partition", spec.Name),
				)
			}
			b.count("cache_revalidations_total", map[string]string{"partition": spec.Name, "result": "success"}, 1)
		} else {
			b.logger.Debug("Background revalidation failed", zap.String("key", key), zap.Error(err))
			b.count("cache_revalidations_total", map[string]string{"partition": spec.Name, "result": "error"}, 1)
		}

		done <- fetchResult{resp: resp, err: err}
	}()

	return done
}

func (b *base) count(name string, labels map[string]string, value float64) {
	if b.metrics == nil {
		return
	}
	b.metrics.Counter(name, labels).Add(value)
}

type fetchResult struct {
	resp *types.Response
	err  error
}

// Offline is the synthetic response for a request with no network and no
// usable cache.
func Offline() *types.Response {
	return &types.Response{
		StatusCode: http.StatusServiceUnavailable,
		StatusText: "Offline",
		Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:       []byte(offlineBody),
		Source:     types.SourceOffline,
	}
}
