package strategy

import (
	"context"

	"github.com/saiset-co/sai-offline/types"
)

// StaleWhileRevalidate answers from any cached entry, fresh or stale, and
// refreshes it in the background. Without a cached entry it waits for that
// same refresh.
type StaleWhileRevalidate struct {
	*base
}

func (s *StaleWhileRevalidate) Kind() types.StrategyKind {
	return types.StrategyStaleWhileRevalidate
}

func (s *StaleWhileRevalidate) Serve(ctx context.Context, req *types.Request, spec types.PartitionSpec) (*types.Response, error) {
	entry, err := s.read(ctx, spec, req.Key())
	if err != nil {
		return nil, err
	}

	refresh := s.revalidate(ctx, req, spec)

	if entry != nil {
		return s.fromCache(entry), nil
	}

	select {
	case result := <-refresh:
		if result.err == nil {
			return result.resp, nil
		}
		return s.offlineOrNavigation(ctx, req), nil
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "request abandoned")
	}
}
