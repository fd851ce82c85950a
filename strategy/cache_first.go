package strategy

import (
	"context"

	"github.com/saiset-co/sai-offline/types"
)

// CacheFirst serves a fresh cached entry without touching the network.
// Otherwise it fetches, caching a 200, and on network failure falls back to
// the stale entry or a synthetic offline response.
type CacheFirst struct {
	*base
}

func (s *CacheFirst) Kind() types.StrategyKind {
	return types.StrategyCacheFirst
}

func (s *CacheFirst) Serve(ctx context.Context, req *types.Request, spec types.PartitionSpec) (*types.Response, error) {
	key := req.Key()

	entry, err := s.read(ctx, spec, key)
	if err != nil {
		return nil, err
	}

	if s.isFresh(entry, spec) {
		return s.fromCache(entry), nil
	}

	resp, fetchErr := s.fetch(ctx, req)
	if fetchErr == nil {
		if err = s.write(ctx, spec, key, resp); err != nil {
			return nil, err
		}
		return resp, nil
	}

	if entry != nil {
		return s.fromCache(entry), nil
	}

	return Offline(), nil
}
