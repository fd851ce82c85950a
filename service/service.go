// Package service assembles every component from the configuration and runs
// them as one process: it serves intercepted traffic, installs and activates
// the configured version and stops everything on signal.
package service

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/cron"
	"github.com/saiset-co/sai-offline/events"
	"github.com/saiset-co/sai-offline/health"
	"github.com/saiset-co/sai-offline/interceptor"
	"github.com/saiset-co/sai-offline/lifecycle"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/middleware"
	"github.com/saiset-co/sai-offline/registry"
	"github.com/saiset-co/sai-offline/server"
	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// RefreshCoreTag is the background-sync tag that re-fetches the core assets.
const RefreshCoreTag = "refresh-core"

type Option func(*options)

type options struct {
	client   types.ClientManager
	listener net.Listener
	signals  bool
}

// WithClient replaces the configured upstream fetcher.
func WithClient(clientManager types.ClientManager) Option {
	return func(o *options) {
		o.client = clientManager
	}
}

// WithListener serves on listener instead of the configured address.
func WithListener(listener net.Listener) Option {
	return func(o *options) {
		o.listener = listener
	}
}

// WithoutSignals disables SIGINT/SIGTERM handling.
func WithoutSignals() Option {
	return func(o *options) {
		o.signals = false
	}
}

type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
	opts            options

	config      types.ConfigManager
	logger      types.LoggerManager
	metrics     types.MetricsManager
	health      *health.Manager
	storage     types.CacheStorage
	client      types.ClientManager
	registry    *registry.Registry
	interceptor *interceptor.Interceptor
	lifecycle   *lifecycle.Manager
	commands    *lifecycle.Commands
	dispatcher  *events.Dispatcher
	cron        *cron.Manager
	collector   *metrics.PartitionCollector
	middlewares *middleware.Manager
	server      *server.FastHTTPServer
}

func NewService(ctx context.Context, configPath string, opts ...Option) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	return NewServiceWithConfig(ctx, configManager, opts...)
}

func NewServiceWithConfig(ctx context.Context, configManager types.ConfigManager, opts ...Option) (*Service, error) {
	serviceCtx, cancel := context.WithCancel(ctx)

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		config:          configManager,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
		opts:            options{signals: true},
	}

	for _, opt := range opts {
		opt(&service.opts)
	}

	service.state.Store(StateStopped)

	if err := service.registerComponents(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register components")
	}

	return service, nil
}

// Start brings every component up, runs install and activate, and blocks
// until the service is stopped.
func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.logger.Warn("Service is already running")
		return types.ErrServiceIsRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				s.logger.Error("Service run panic", zap.String("stack", string(buf[:n])))
				s.state.Store(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	s.logger.Info("Starting service",
		zap.String("name", s.config.GetConfig().Name),
		zap.String("version", s.config.GetConfig().Version))

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		s.state.Store(StateStopped)
		if stopErr := s.stopComponents(); stopErr != nil {
			s.logger.Error("Error during cleanup after failed start", zap.Error(stopErr))
		}
		return types.WrapError(err, "failed to start components")
	}

	s.state.Store(StateRunning)

	if s.opts.signals {
		s.setupSignalHandling()
	}

	s.wg.Add(1)
	go s.contextMonitor()

	s.logger.Info("Service started successfully")

	s.upgrade(ctx)

	<-s.done

	if err := s.stopComponents(); err != nil {
		s.logger.Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.state.Store(StateStopped)

	s.logger.Info("Service stopped gracefully")

	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}

	s.logger.Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) Lifecycle() *lifecycle.Manager {
	return s.lifecycle
}

func (s *Service) Storage() types.CacheStorage {
	return s.storage
}

func (s *Service) Interceptor() *interceptor.Interceptor {
	return s.interceptor
}

func (s *Service) Dispatcher() *events.Dispatcher {
	return s.dispatcher
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

// upgrade dispatches install and then activate, waiting on each task. A
// failed install leaves the interceptor passing every request through.
func (s *Service) upgrade(ctx context.Context) {
	if err := server.WaitTask(ctx, s.dispatcher.Dispatch(ctx, types.Event{Type: types.EventInstall})); err != nil {
		s.logger.Error("Install did not complete, requests pass through", zap.Error(err))
		return
	}

	if err := server.WaitTask(ctx, s.dispatcher.Dispatch(ctx, types.Event{Type: types.EventActivate})); err != nil {
		s.logger.Error("Activate did not complete, requests pass through", zap.Error(err))
	}
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			s.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}
		case <-s.ctx.Done():
		}
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.logger.Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.logger.Warn("Service shutdown: context deadline exceeded")
	default:
		s.logger.Info("Service shutdown: context done")
	}
}
