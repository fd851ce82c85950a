package service

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/classifier"
	"github.com/saiset-co/sai-offline/client"
	"github.com/saiset-co/sai-offline/cron"
	"github.com/saiset-co/sai-offline/events"
	"github.com/saiset-co/sai-offline/health"
	"github.com/saiset-co/sai-offline/interceptor"
	"github.com/saiset-co/sai-offline/lifecycle"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/middleware"
	"github.com/saiset-co/sai-offline/registry"
	"github.com/saiset-co/sai-offline/server"
	"github.com/saiset-co/sai-offline/strategy"
	"github.com/saiset-co/sai-offline/types"
)

const commandBuffer = 16

func (s *Service) registerComponents() error {
	_config := s.config.GetConfig()
	ctx := s.ctx

	loggerManager, err := logger.NewManager(ctx, s.config)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}
	s.logger = loggerManager

	if _config.Metrics != nil && _config.Metrics.Enabled {
		s.metrics, err = metrics.NewManager(ctx, s.config, s.logger)
		if err != nil {
			return types.WrapError(err, "failed to register metrics manager")
		}
	}

	if _config.Health != nil && _config.Health.Enabled {
		s.health, err = health.NewManager(ctx, s.config, s.logger)
		if err != nil {
			return types.WrapError(err, "failed to register health manager")
		}
	}

	s.storage, err = cache.NewCacheStorage(ctx, s.config, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register cache storage")
	}

	s.client = s.opts.client
	if s.client == nil {
		s.client, err = client.NewManager(ctx, s.config, s.logger, s.metrics)
		if err != nil {
			return types.WrapError(err, "failed to register client manager")
		}
	}

	s.registry, err = registry.New(_config.Partitions, _config.Version)
	if err != nil {
		return types.WrapError(err, "failed to build partition registry")
	}

	requestClassifier, err := classifier.New(_config.Interception)
	if err != nil {
		return types.WrapError(err, "failed to build classifier")
	}

	if err = s.registerInterception(requestClassifier); err != nil {
		return err
	}

	s.dispatcher = events.NewDispatcher(ctx, s.logger, s.metrics)
	if err = s.registerEvents(); err != nil {
		return err
	}

	if _config.Sync != nil && _config.Sync.Enabled {
		s.cron, err = cron.NewManager(ctx, s.config, s.logger, s.metrics)
		if err != nil {
			return types.WrapError(err, "failed to register cron manager")
		}

		if err = cron.ScheduleSync(s.cron, s.dispatcher, _config.Sync.Jobs); err != nil {
			return err
		}
	}

	if s.metrics != nil {
		interval := _config.Metrics.CollectInterval
		s.collector = metrics.NewPartitionCollector(ctx, s.logger, s.metrics, s.storage, interval)
	}

	if s.health != nil {
		s.registerHealthChecks()
	}

	return s.registerHTTP()
}

func (s *Service) registerInterception(requestClassifier *classifier.Classifier) error {
	_config := s.config.GetConfig()
	origin := requestClassifier.Origin()

	codec := cache.NewCodec(
		cache.WithMaxEntryBytes(_config.Interception.MaxEntryBytes),
		cache.WithCompressAbove(_config.Storage.CompressAbove),
	)

	coreSpec, err := s.registry.Spec(types.RoleCore)
	if err != nil {
		return err
	}

	runtimeSpec, err := s.registry.Spec(types.RoleRuntime)
	if err != nil {
		return err
	}

	fallback, err := strategy.NewCachedDocument(s.storage, origin, _config.Interception.NavigationFallback,
		coreSpec.Name, runtimeSpec.Name)
	if err != nil {
		return types.WrapError(err, "failed to build navigation fallback")
	}

	executors := strategy.NewExecutors(strategy.Deps{
		Storage:  s.storage,
		Fetcher:  s.client,
		Codec:    codec,
		Logger:   s.logger,
		Metrics:  s.metrics,
		Fallback: fallback,
	})

	s.interceptor = interceptor.New(interceptor.Deps{
		Classifier: requestClassifier,
		Registry:   s.registry,
		Executors:  executors,
		Fetcher:    s.client,
		Logger:     s.logger,
		Metrics:    s.metrics,
	})

	s.lifecycle, err = lifecycle.NewManager(lifecycle.Deps{
		Storage:    s.storage,
		Registry:   s.registry,
		Fetcher:    s.client,
		Codec:      codec,
		Claimer:    s.interceptor,
		Logger:     s.logger,
		Origin:     origin,
		CoreAssets: _config.Interception.CoreAssets,
	})
	if err != nil {
		return types.WrapError(err, "failed to register lifecycle manager")
	}

	s.commands = lifecycle.NewCommands(s.ctx, s.lifecycle, s.logger, commandBuffer)

	return nil
}

func (s *Service) registerEvents() error {
	_config := s.config.GetConfig()

	notifications := _config.Notifications
	if notifications == nil {
		notifications = &types.NotificationsConfig{}
	}

	var notifier types.Notifier = events.NewLogNotifier(s.logger)
	if notifications.WebhookURL != "" {
		notifier = events.NewWebhookNotifier(notifications, s.logger)
	}

	defaultURL := notifications.DefaultURL
	if defaultURL == "" {
		defaultURL = "/"
	}

	clickHandler, err := events.NotificationClickHandler(events.NewWindowTracker(s.logger),
		_config.Interception.Origin, defaultURL)
	if err != nil {
		return types.WrapError(err, "failed to register notification click handler")
	}

	s.dispatcher.On(types.EventInstall, func(ctx context.Context, _ types.Event) error {
		return s.lifecycle.Install(ctx)
	})
	s.dispatcher.On(types.EventActivate, func(ctx context.Context, _ types.Event) error {
		return s.lifecycle.Activate(ctx)
	})
	s.dispatcher.On(types.EventPush, events.PushHandler(notifier, notifications.DefaultTitle))
	s.dispatcher.On(types.EventNotificationClick, clickHandler)

	s.dispatcher.RegisterSync(RefreshCoreTag, func(ctx context.Context) error {
		refreshed, err := s.lifecycle.Refresh(ctx)
		if err != nil {
			return err
		}
		s.logger.Info("Core assets refreshed", zap.Int("refreshed", refreshed))
		return nil
	})

	return nil
}

func (s *Service) registerHealthChecks() {
	s.health.RegisterChecker("storage", health.StorageChecker(s.storage))
	s.health.RegisterChecker("lifecycle", health.LifecycleChecker(s.lifecycle))

	if httpClient, ok := s.client.(*client.HTTPClient); ok {
		s.health.RegisterChecker("upstream", health.UpstreamChecker(httpClient.Breaker()))
	}
}

func (s *Service) registerHTTP() error {
	_config := s.config.GetConfig()

	middlewareManager, err := middleware.NewManager(s.config, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register middleware manager")
	}
	s.middlewares = middlewareManager

	proxy, err := server.NewProxyHandler(s.ctx, s.interceptor, _config.Interception.Origin, s.logger)
	if err != nil {
		return types.WrapError(err, "failed to register proxy handler")
	}

	adminDeps := server.AdminDeps{
		Commands:   s.commands,
		Dispatcher: s.dispatcher,
		Storage:    s.storage,
		Plan:       s.registry,
		Logger:     s.logger,
	}
	if s.health != nil {
		adminDeps.Health = s.health
	}
	if s.metrics != nil {
		adminDeps.Metrics = s.metrics
	}
	if s.cron != nil {
		adminDeps.Cron = s.cron
	}

	router := server.NewRouter()
	server.RegisterAdminRoutes(s.ctx, router, strings.TrimSuffix(_config.Server.HTTP.AdminPrefix, "/"), adminDeps)
	router.Fallback(proxy.Handle)

	s.server, err = server.NewHTTPServer(s.ctx, s.config, s.logger, s.middlewares, router)
	if err != nil {
		return types.WrapError(err, "failed to register HTTP server")
	}

	return nil
}

// startComponents starts the leaves first so nothing serves before its
// dependencies run. Install and activate follow once the server is up.
func (s *Service) startComponents(ctx context.Context) error {
	if err := s.logger.Start(); err != nil {
		return types.WrapError(err, "failed to start logger")
	}

	g, gCtx := errgroup.WithContext(ctx)

	for _, component := range s.foundation() {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := component.manager.Start(); err != nil {
					return types.Errorf(types.ErrComponentStartFailed, "%s: %v", component.name, err)
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
			return err
		}
	}

	if err := s.dispatcher.Start(); err != nil {
		return types.WrapError(err, "failed to start event dispatcher")
	}

	if err := s.commands.Start(); err != nil {
		return types.WrapError(err, "failed to start command channel")
	}

	if s.collector != nil {
		if err := s.collector.Start(); err != nil {
			s.logger.Error("Failed to start partition collector", zap.Error(err))
		}
	}

	var err error
	if s.opts.listener != nil {
		err = s.server.Serve(s.opts.listener)
	} else {
		err = s.server.Start()
	}
	if err != nil {
		return types.WrapError(err, "failed to start HTTP server")
	}

	if s.cron != nil {
		if err := s.cron.Start(); err != nil {
			s.logger.Error("Failed to start cron manager", zap.Error(err))
		}
	}

	s.logger.Info("All components started successfully")

	return nil
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errors []error

	s.logger.Info("Stopping service components...")

	stop := func(name string, manager types.LifecycleManager) {
		if !manager.IsRunning() {
			return
		}
		if err := manager.Stop(); err != nil {
			s.logger.Error("Failed to stop "+name, zap.Error(err))
			errors = append(errors, err)
		}
	}

	if s.cron != nil {
		stop("cron manager", s.cron)
	}
	stop("HTTP server", s.server)
	if s.collector != nil {
		stop("partition collector", s.collector)
	}
	stop("command channel", s.commands)
	stop("event dispatcher", s.dispatcher)

	waited := make(chan struct{})
	go func() {
		s.interceptor.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		s.logger.Warn("Background revalidations still running at shutdown")
	}

	g, _ := errgroup.WithContext(ctx)

	for _, component := range s.foundation() {
		if !component.manager.IsRunning() {
			continue
		}

		g.Go(func() error {
			if err := component.manager.Stop(); err != nil {
				s.logger.Error("Failed to stop "+component.name, zap.Error(err))
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errors)
	}

	s.logger.Info("All components stopped successfully")

	if err := s.logger.Stop(); err != nil {
		return types.WrapError(err, "failed to stop logger")
	}

	return nil
}

type component struct {
	name    string
	manager types.LifecycleManager
}

// foundation lists the components everything else depends on. They start
// and stop concurrently.
func (s *Service) foundation() []component {
	components := make([]component, 0, 4)

	if s.metrics != nil {
		components = append(components, component{"metrics manager", s.metrics})
	}
	if s.health != nil {
		components = append(components, component{"health manager", s.health})
	}

	return append(components,
		component{"cache storage", s.storage},
		component{"client manager", s.client})
}
