// Package interceptor is the per-request entry point. It classifies each
// request and hands it to the matching strategy, or passes it through
// untouched when the request is not handled or the worker does not control
// clients yet.
package interceptor

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/registry"
	"github.com/saiset-co/sai-offline/strategy"
	"github.com/saiset-co/sai-offline/types"
)

type Deps struct {
	Classifier types.Classifier
	Registry   *registry.Registry
	Executors  *strategy.Executors
	Fetcher    types.Fetcher
	Logger     types.Logger
	Metrics    types.MetricsManager
}

type Interceptor struct {
	classifier  types.Classifier
	registry    *registry.Registry
	executors   *strategy.Executors
	fetcher     types.Fetcher
	logger      types.Logger
	metrics     types.MetricsManager
	controlling atomic.Bool
}

func New(deps Deps) *Interceptor {
	return &Interceptor{
		classifier: deps.Classifier,
		registry:   deps.Registry,
		executors:  deps.Executors,
		fetcher:    deps.Fetcher,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
	}
}

// Claim makes the interceptor take control of every later request.
func (i *Interceptor) Claim() {
	if i.controlling.CompareAndSwap(false, true) {
		i.logger.Info("Interceptor controls clients", zap.String("version", i.registry.Version()))
	}
}

func (i *Interceptor) Controlling() bool {
	return i.controlling.Load()
}

func (i *Interceptor) Handle(ctx context.Context, req *types.Request) (*types.Response, error) {
	if req == nil || req.URL == nil {
		return nil, types.Errorf(types.ErrRequestInvalid, "request without url")
	}

	if !i.controlling.Load() {
		return i.passThrough(ctx, req, "uncontrolled")
	}

	route, handled := i.classifier.Classify(req)
	if !handled {
		return i.passThrough(ctx, req, "unhandled")
	}

	spec, err := i.registry.Spec(route.Role)
	if err != nil {
		return nil, err
	}

	executor, err := i.executors.Get(route.Strategy)
	if err != nil {
		return nil, err
	}

	resp, err := executor.Serve(ctx, req, spec)

	i.record(string(route.Role), string(route.Strategy), resp, err)

	return resp, err
}

// Wait blocks until background revalidations started by Handle finish.
func (i *Interceptor) Wait() {
	i.executors.Wait()
}

func (i *Interceptor) passThrough(ctx context.Context, req *types.Request, reason string) (*types.Response, error) {
	resp, err := i.fetcher.Fetch(ctx, req)
	if err != nil {
		err = types.NetworkError(err)
		i.record(reason, "passthrough", nil, err)
		return nil, err
	}

	resp.Source = types.SourcePassthrough
	i.record(reason, "passthrough", resp, nil)

	return resp, nil
}

func (i *Interceptor) record(role, strategyName string, resp *types.Response, err error) {
	if i.metrics == nil {
		return
	}

	source := "error"
	if err == nil && resp != nil {
		source = string(resp.Source)
	}

	i.metrics.Counter("intercepted_requests_total", map[string]string{
		"role":     role,
		"strategy": strategyName,
		"source":   source,
	}).Inc()
}
