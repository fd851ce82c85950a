package strategy

import (
	"github.com/saiset-co/sai-offline/types"
)

// Executors is the closed set of strategies sharing one store and fetcher.
type Executors struct {
	base       *base
	strategies map[types.StrategyKind]types.Strategy
}

func NewExecutors(deps Deps) *Executors {
	b := newBase(deps)

	return &Executors{
		base: b,
		strategies: map[types.StrategyKind]types.Strategy{
			types.StrategyCacheFirst:           &CacheFirst{base: b},
			types.StrategyNetworkFirst:         &NetworkFirst{base: b},
			types.StrategyStaleWhileRevalidate: &StaleWhileRevalidate{base: b},
		},
	}
}

func (e *Executors) Get(kind types.StrategyKind) (types.Strategy, error) {
	strategy, ok := e.strategies[kind]
	if !ok {
		return nil, types.Errorf(types.ErrStrategyUnknown, "kind: %s", kind)
	}
	return strategy, nil
}

// Wait blocks until every background revalidation has finished.
func (e *Executors) Wait() {
	e.base.inflight.Wait()
}
