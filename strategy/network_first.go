package strategy

import (
	"context"

	"github.com/saiset-co/sai-offline/types"
)

// NetworkFirst always asks the network first. A failed fetch is answered
// from a fresh cached entry only; otherwise the failure reaches the caller.
type NetworkFirst struct {
	*base
}

func (s *NetworkFirst) Kind() types.StrategyKind {
	return types.StrategyNetworkFirst
}

func (s *NetworkFirst) Serve(ctx context.Context, req *types.Request, spec types.PartitionSpec) (*types.Response, error) {
	key := req.Key()

	resp, fetchErr := s.fetch(ctx, req)
	if fetchErr == nil {
		if err := s.write(ctx, spec, key, resp); err != nil {
			return nil, err
		}
		return resp, nil
	}

	entry, err := s.read(ctx, spec, key)
	if err != nil {
		return nil, err
	}

	if s.isFresh(entry, spec) {
		return s.fromCache(entry), nil
	}

	return nil, fetchErr
}
