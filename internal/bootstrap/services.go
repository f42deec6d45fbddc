package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/buildingvitals/timeseries-api/config"
	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/data"
	"github.com/buildingvitals/timeseries-api/internal/observability/notify/pagerduty"
	"github.com/buildingvitals/timeseries-api/internal/observability/notify/slack"
	"github.com/buildingvitals/timeseries-api/internal/observability/statsd"
	"github.com/buildingvitals/timeseries-api/internal/queue"
	"github.com/buildingvitals/timeseries-api/internal/service"
	"github.com/buildingvitals/timeseries-api/internal/service/failurenotifier"
	"github.com/buildingvitals/timeseries-api/internal/upstream"
)

// ServiceContainer holds the application services the HTTP surface needs.
type ServiceContainer struct {
	Orchestrator  *service.Orchestrator
	Jobs          *service.JobManager
	DLQ           *service.DLQProcessor
	Notifications core.NotificationRepository
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	DB            *sql.DB
	Redis         redis.UniversalClient
	JobRepo       *data.JobRepo
	AnalyticsRepo *data.AnalyticsRepo
	RecoveryRepo  *data.RecoveryRepo
	Notifications *data.NotificationRepo
	CacheIndex    *data.CacheIndexRepo
	Blobs         *data.RedisBlobStore
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "timeseries",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: buildFailureNotifier(obsLogger, cfg.Notifications),
		NotifierConfig:  cfg.Notifications,
	}
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(db *sql.DB, redisClient redis.UniversalClient, cacheCfg config.CacheConfig) *serviceRepositories {
	repos := &serviceRepositories{
		DB:    db,
		Redis: redisClient,
	}
	if db != nil {
		repos.JobRepo = data.NewJobRepo(db, data.RepoConfig{})
		repos.AnalyticsRepo = data.NewAnalyticsRepo(db, data.RepoConfig{})
		repos.RecoveryRepo = data.NewRecoveryRepo(db, data.RepoConfig{})
		repos.Notifications = data.NewNotificationRepo(db, data.RepoConfig{})
		if cacheCfg.IndexEnabled {
			repos.CacheIndex = data.NewCacheIndexRepo(db, data.RepoConfig{})
		}
	}
	if redisClient != nil {
		repos.Blobs = data.NewRedisBlobStore(redisClient)
	}
	return repos
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{
			Logger: baseLogger.With("component", "failure_notifier"),
		})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:    cfg.Slack.WebhookURL,
			Channel:       cfg.Slack.Channel,
			Username:      cfg.Slack.Username,
			Timeout:       cfg.Timeout,
			RetryLimit:    cfg.RetryLimit,
			SiteURLPrefix: cfg.Slack.SiteURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "slack",
				Sink: client,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "pagerduty",
				Sink: client,
			})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger: baseLogger.With("component", "failure_notifier"),
		Sinks:  sinks,
	})
}

// NewServices wires the fetch pipeline services for the HTTP surface. The
// worker adapters build their own instances so each process keeps a distinct
// queue consumer identity.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service dependencies are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appCfg := deps.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	observability := buildObservability(logger, appCfg.Observability)
	repos := buildRepositories(deps.DB, deps.RedisClient, appCfg.Cache)

	if repos.JobRepo == nil {
		return ServiceContainer{}, errors.New("database connection is required")
	}
	if repos.Blobs == nil {
		return ServiceContainer{}, errors.New("redis connection is required")
	}

	durableQueue, err := queue.New(queue.Config{
		Client:            deps.RedisClient,
		Prefix:            appCfg.Queue.Prefix,
		Group:             appCfg.Queue.Group,
		ConsumerID:        "api-" + uuid.NewString(),
		BlockTimeout:      appCfg.Queue.BlockTimeout,
		VisibilityTimeout: appCfg.Queue.VisibilityTimeout,
		DeadStreamMaxLen:  appCfg.Queue.DeadStreamMaxLen,
		Logger:            logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create queue: %w", err)
	}

	fetcher, err := upstream.NewClient(upstream.Config{
		BaseURL:    appCfg.Upstream.BaseURL,
		APIKey:     appCfg.Upstream.APIKey,
		PageSize:   appCfg.Upstream.PageSize,
		MaxPages:   appCfg.Upstream.MaxPages,
		HTTPClient: &http.Client{Timeout: appCfg.Upstream.RequestTimeout},
		Logger:     logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create upstream client: %w", err)
	}

	var cacheIndex core.CacheIndexRepository
	if repos.CacheIndex != nil {
		cacheIndex = repos.CacheIndex
	}
	cacheStore := service.NewCacheStore(service.CacheStoreOptions{
		Blobs:  repos.Blobs,
		Index:  cacheIndex,
		Config: service.CacheStoreConfig{MaxCacheAge: appCfg.Cache.MaxAge},
		Logger: logger,
	})

	jobManager := service.NewJobManager(service.JobManagerOptions{
		Jobs:    repos.JobRepo,
		Queue:   durableQueue,
		Fetcher: fetcher,
		Cache:   cacheStore,
		Config: service.JobManagerConfig{
			MaxRetries:     appCfg.FetchWorker.MaxRetries,
			BaseRetryDelay: appCfg.FetchWorker.BaseRetryDelay,
			MaxRetryDelay:  appCfg.FetchWorker.MaxRetryDelay,
			FetchTimeout:   appCfg.FetchWorker.JobFetchTimeout,
		},
		Logger:  logger,
		Metrics: observability.MetricsSink,
	})

	orchestrator := service.NewOrchestrator(service.OrchestratorOptions{
		Router: service.NewRouter(service.RouterConfig{
			SamplesPerDay:  appCfg.Fetch.SamplesPerDay,
			SmallThreshold: appCfg.Fetch.SmallThreshold,
			LargeThreshold: appCfg.Fetch.LargeThreshold,
		}),
		Fetcher:   fetcher,
		Cache:     cacheStore,
		Jobs:      jobManager,
		Analytics: analyticsOrNil(repos),
		Blobs:     repos.Blobs,
		Config: service.OrchestratorConfig{
			DirectTimeout: appCfg.Fetch.DirectTimeout,
			SitesCacheTTL: appCfg.Fetch.SitesCacheTTL,
		},
		Logger:  logger,
		Metrics: observability.MetricsSink,
	})

	dlqProcessor := service.NewDLQProcessor(service.DLQProcessorOptions{
		Queue: durableQueue,
		Stores: service.DLQStores{
			Jobs:          repos.JobRepo,
			Recovery:      recoveryOrNil(repos),
			Notifications: notificationsOrNil(repos),
			Blobs:         repos.Blobs,
		},
		Alerts:  observability.FailureNotifier,
		Config:  service.DLQProcessorConfig{BatchSize: appCfg.DLQWorker.BatchSize},
		Logger:  logger,
		Metrics: observability.MetricsSink,
	})

	return ServiceContainer{
		Orchestrator:  orchestrator,
		Jobs:          jobManager,
		DLQ:           dlqProcessor,
		Notifications: notificationsOrNil(repos),
		Observability: observability,
	}, nil
}

// nil-interface guards: a typed nil pointer must not reach the services as a
// non-nil interface value.
func analyticsOrNil(repos *serviceRepositories) core.AnalyticsRepository {
	if repos.AnalyticsRepo == nil {
		return nil
	}
	return repos.AnalyticsRepo
}

func recoveryOrNil(repos *serviceRepositories) core.RecoveryRepository {
	if repos.RecoveryRepo == nil {
		return nil
	}
	return repos.RecoveryRepo
}

func notificationsOrNil(repos *serviceRepositories) core.NotificationRepository {
	if repos.Notifications == nil {
		return nil
	}
	return repos.Notifications
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:   deps.cfg.Config,
		Services: deps.cfg.Services,
		Logger:   deps.logger,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)

	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newFetchWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeFetchWorker,
		name: "fetch worker",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Config == nil {
				return nil
			}
			return RunFetchWorker(ctx, FetchWorkerConfig{
				DB:          deps.cfg.DB,
				RedisClient: deps.cfg.RedisClient,
				Logger:      deps.logger,
				Worker:      deps.cfg.Config.FetchWorker,
				Upstream:    deps.cfg.Config.Upstream,
				Cache:       deps.cfg.Config.Cache,
				Queue:       deps.cfg.Config.Queue,
				Metrics:     deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func newDLQWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeDLQWorker,
		name: "dlq worker",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Config == nil {
				return nil
			}
			return RunDLQWorker(ctx, DLQWorkerConfig{
				DB:          deps.cfg.DB,
				RedisClient: deps.cfg.RedisClient,
				Logger:      deps.logger,
				Worker:      deps.cfg.Config.DLQWorker,
				Queue:       deps.cfg.Config.Queue,
				Alerts:      deps.cfg.Services.Observability.FailureNotifier,
				Metrics:     deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func newArchiverBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeArchiver,
		name: "archiver",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Config == nil {
				return nil
			}
			return RunArchiver(ctx, ArchiverRunConfig{
				DB:          deps.cfg.DB,
				RedisClient: deps.cfg.RedisClient,
				Logger:      deps.logger,
				Config:      deps.cfg.Config.Archiver,
				Cache:       deps.cfg.Config.Cache,
				Metrics:     deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func newSyncBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeSync,
		name: "sync",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Config == nil {
				return nil
			}
			return RunSync(ctx, SyncRunConfig{
				DB:          deps.cfg.DB,
				RedisClient: deps.cfg.RedisClient,
				Logger:      deps.logger,
				Config:      deps.cfg.Config.Sync,
				Upstream:    deps.cfg.Config.Upstream,
				Cache:       deps.cfg.Config.Cache,
				Metrics:     deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newFetchWorkerBackgroundService(deps),
		newDLQWorkerBackgroundService(deps),
		newArchiverBackgroundService(deps),
		newSyncBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	ctx := context.Background()
	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	// Start all enabled services
	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  result.HTTPServer,
		logger:      logger,
		backgrounds: result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	size := errorChannelCapacity(enabled) + 1
	if size < 1 {
		return 1
	}
	return size
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop attempts to gracefully stop all services.
func gracefulStop(cfg shutdownConfig) error {
	// Gracefully stop HTTP server if running
	if cfg.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(cfg.ctx, shutdownWaitTimeout)
		defer cancel()

		if err := ShutdownHTTPServer(ShutdownConfig{
			Context: shutdownCtx,
			Server:  cfg.httpServer,
			Logger:  cfg.logger,
		}); err != nil {
			return err
		}
	}

	// Wait for background services to finish
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	return nil
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
