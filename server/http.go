package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// FastHTTPServer accepts intercepted traffic and the admin endpoints on one
// listener.
type FastHTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	middlewares     types.MiddlewareManager
	router          *Router
	server          *fasthttp.Server
	listener        net.Listener
	httpConfig      *types.HTTPConfig
	state           atomic.Value
	shutdownTimeout time.Duration
	serveDone       chan struct{}
	mu              sync.Mutex
}

func NewHTTPServer(
	ctx context.Context,
	config types.ConfigManager,
	logger types.Logger,
	middlewares types.MiddlewareManager,
	router *Router) (*FastHTTPServer, error) {
	if router == nil {
		return nil, types.ErrHandlerIsNil
	}

	httpConfig := config.GetConfig().Server.HTTP
	if httpConfig == nil {
		return nil, types.Errorf(types.ErrConfigNotFound, "server.http")
	}

	serverCtx, cancel := context.WithCancel(ctx)

	shutdownTimeout := 5 * time.Second
	if httpConfig.ShutdownTimeout > 0 {
		shutdownTimeout = time.Duration(httpConfig.ShutdownTimeout) * time.Second
	}

	server := &FastHTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		logger:          logger,
		middlewares:     middlewares,
		router:          router,
		httpConfig:      httpConfig,
		shutdownTimeout: shutdownTimeout,
	}

	server.state.Store(StateStopped)

	return server, nil
}

// Start listens on the configured host and port.
func (h *FastHTTPServer) Start() error {
	addr := fmt.Sprintf("%s:%d", h.httpConfig.Host, h.httpConfig.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return types.Errorf(types.ErrServerStartFailed, "%s: %v", addr, err)
	}

	if err := h.Serve(listener); err != nil {
		_ = listener.Close()
		return err
	}

	return nil
}

// Serve runs the server on an existing listener. Tests pass an in-memory
// listener here.
func (h *FastHTTPServer) Serve(listener net.Listener) error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	handler := h.router.Handler()
	if h.middlewares != nil {
		handler = h.middlewares.Wrap(handler)
	}

	h.mu.Lock()
	h.listener = listener
	h.serveDone = make(chan struct{})
	h.server = &fasthttp.Server{
		Handler:                      handler,
		Name:                         "sai-offline",
		ReadTimeout:                  time.Duration(h.httpConfig.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(h.httpConfig.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(h.httpConfig.IdleTimeout) * time.Second,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
		NoDefaultContentType:         true,
	}
	server, done := h.server, h.serveDone
	h.mu.Unlock()

	go func() {
		defer close(done)

		if err := server.Serve(listener); err != nil {
			h.logger.Error("HTTP server failed", zap.Error(err))
			h.state.Store(StateStopped)
		}
	}()

	h.state.Store(StateRunning)

	h.logger.Info("HTTP server started successfully",
		zap.String("address", listener.Addr().String()),
		zap.String("admin_prefix", h.httpConfig.AdminPrefix))

	return nil
}

func (h *FastHTTPServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		h.state.Store(StateStopped)
		h.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	h.mu.Lock()
	server, done := h.server, h.serveDone
	h.mu.Unlock()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ShutdownWithContext(gCtx); err != nil {
			return types.Errorf(types.ErrServerStopFailed, "%v", err)
		}

		select {
		case <-done:
			return nil
		case <-gCtx.Done():
			return gCtx.Err()
		}
	})

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			h.logger.Warn("Server stop timeout, some connections may not have closed gracefully")
		default:
			h.logger.Error("Error during server shutdown", zap.Error(err))
		}
		return nil
	}

	h.logger.Info("HTTP server stopped gracefully")

	return nil
}

func (h *FastHTTPServer) IsRunning() bool {
	return h.getState() == StateRunning
}

func (h *FastHTTPServer) getState() State {
	return h.state.Load().(State)
}

func (h *FastHTTPServer) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}
