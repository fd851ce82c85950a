package middleware

import (
	"sort"
	"sync"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

// Manager orders middlewares by weight and wraps handlers with the chain.
type Manager struct {
	config      types.ConfigManager
	logger      types.Logger
	metrics     types.MetricsManager
	middlewares []types.Middleware
	mu          sync.RWMutex
}

func NewManager(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (*Manager, error) {
	manager := &Manager{
		config:  config,
		logger:  logger,
		metrics: metrics,
	}

	if err := manager.registerConfigured(); err != nil {
		return nil, err
	}

	return manager, nil
}

func (m *Manager) registerConfigured() error {
	config := m.config.GetConfig().Middlewares
	if config == nil {
		return nil
	}

	candidates := []struct {
		enabled bool
		create  func() types.Middleware
	}{
		{config.Recovery.Enabled, func() types.Middleware { return NewRecoveryMiddleware(m.config, m.logger, m.metrics) }},
		{config.Logging.Enabled, func() types.Middleware { return NewLoggingMiddleware(m.config, m.logger) }},
		{config.Metadata.Enabled, func() types.Middleware { return NewMetadataMiddleware(m.config, m.logger) }},
		{config.BodyLimit.Enabled, func() types.Middleware { return NewBodyLimitMiddleware(m.config, m.logger) }},
		{config.Compression.Enabled, func() types.Middleware { return NewCompressionMiddleware(m.config, m.logger) }},
	}

	for _, candidate := range candidates {
		if !candidate.enabled {
			continue
		}

		middleware := candidate.create()
		if err := m.Register(middleware); err != nil {
			return err
		}

		m.logger.Info("Middleware registered",
			zap.String("name", middleware.Name()),
			zap.Int("weight", middleware.Weight()))
	}

	return nil
}

func (m *Manager) Register(middleware types.Middleware) error {
	if middleware == nil {
		return types.ErrHandlerIsNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.middlewares {
		if existing.Name() == middleware.Name() {
			return types.Errorf(types.ErrMiddlewareExists, "middleware: %s", middleware.Name())
		}
	}

	m.middlewares = append(m.middlewares, middleware)
	sort.SliceStable(m.middlewares, func(i, j int) bool {
		return m.middlewares[i].Weight() < m.middlewares[j].Weight()
	})

	return nil
}

// Wrap builds the chain once; middlewares registered later do not apply to
// handlers wrapped earlier.
func (m *Manager) Wrap(handler fasthttp.RequestHandler) fasthttp.RequestHandler {
	m.mu.RLock()
	chain := make([]types.Middleware, len(m.middlewares))
	copy(chain, m.middlewares)
	m.mu.RUnlock()

	for i := len(chain) - 1; i >= 0; i-- {
		middleware, next := chain[i], handler
		handler = func(ctx *fasthttp.RequestCtx) {
			middleware.Handle(ctx, next)
		}
	}

	return handler
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, len(m.middlewares))
	for i, middleware := range m.middlewares {
		names[i] = middleware.Name()
	}

	return names
}
