package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/outbound-dispatch/config"
	"github.com/target/outbound-dispatch/internal/adapters/dispatchtarget"
	"github.com/target/outbound-dispatch/internal/adapters/memqueue"
	"github.com/target/outbound-dispatch/internal/adapters/reaper"
	"github.com/target/outbound-dispatch/internal/adapters/redisqueue"
	"github.com/target/outbound-dispatch/internal/adapters/scheduler"
	"github.com/target/outbound-dispatch/internal/adapters/worker"
	"github.com/target/outbound-dispatch/internal/core"
	"github.com/target/outbound-dispatch/internal/data"
	"github.com/target/outbound-dispatch/internal/data/memstore"
	"github.com/target/outbound-dispatch/internal/observability/notify/pagerduty"
	"github.com/target/outbound-dispatch/internal/observability/notify/slack"
	"github.com/target/outbound-dispatch/internal/observability/statsd"
	"github.com/target/outbound-dispatch/internal/service"
	"github.com/target/outbound-dispatch/internal/service/failurenotifier"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs       *service.JobService
	Campaigns  *service.CampaignService
	Sync       *service.SyncService
	Reconciler *service.Reconciler
	Tokens     *service.TokenService
	Slotter    *service.Slotter

	Backends      Backends
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// Sink returns the metrics sink, or nil when metrics are disabled.
func (o ObservabilityContainer) Sink() statsd.Sink {
	if o.MetricsSink == nil {
		return nil
	}
	return o.MetricsSink
}

// ServiceDeps groups dependencies for service initialization. DB is nil for
// STORE_BACKEND=memory; RedisClient is nil for QUEUE_BACKEND=memory.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// Backends are the storage and queue ports selected by configuration.
type Backends struct {
	Jobs      core.JobStore
	Campaigns core.CampaignStore
	Reaper    core.ReaperRepository
	Cache     core.CacheRepository
	Queue     core.DispatchQueue
}

// buildObservability configures the metrics and failure notification adapters.
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
			Prefix:  cfg.Metrics.Prefix,
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
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
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
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger: baseLogger.With("component", "failure_notifier"),
		Sinks:  sinks,
	})
}

// buildBackends builds the ports backing services; no business rules here.
func buildBackends(deps *ServiceDeps) (Backends, error) {
	cfg := deps.Config
	var b Backends

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		if deps.DB == nil {
			return Backends{}, errors.New("postgres store requires a database connection")
		}
		jobs := data.NewJobRepo(deps.DB, data.RepoConfig{})
		b.Jobs, b.Reaper = jobs, jobs
		b.Campaigns = data.NewCampaignRepo(deps.DB, data.RepoConfig{})
	case config.BackendMemory:
		jobs := memstore.NewJobStore(nil)
		b.Jobs, b.Reaper = jobs, jobs
		b.Campaigns = memstore.NewCampaignStore(nil)
	default:
		return Backends{}, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}

	switch cfg.QueueBackend {
	case config.BackendRedis:
		if deps.RedisClient == nil {
			return Backends{}, errors.New("redis queue requires a redis connection")
		}
		q, err := redisqueue.New(redisqueue.Options{
			Client:       deps.RedisClient,
			KeyPrefix:    cfg.Redis.KeyPrefix,
			StallTimeout: cfg.Worker.StallTimeout,
			Logger:       deps.Logger,
		})
		if err != nil {
			return Backends{}, fmt.Errorf("redis queue: %w", err)
		}
		b.Queue = q
	case config.BackendMemory:
		b.Queue = memqueue.New(memqueue.Options{StallTimeout: cfg.Worker.StallTimeout, Logger: deps.Logger})
	default:
		return Backends{}, fmt.Errorf("unsupported queue backend %q", cfg.QueueBackend)
	}

	if deps.RedisClient != nil {
		b.Cache = data.NewRedisCacheRepo(deps.RedisClient, cfg.Redis.KeyPrefix+":cache")
	} else {
		b.Cache = memstore.NewCache(nil)
	}
	return b, nil
}

// NewServices wires the domain services over the configured backends.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backends, err := buildBackends(deps)
	if err != nil {
		return ServiceContainer{}, err
	}
	obs := buildObservability(logger, deps.Config.Observability)
	sink := obs.Sink()
	sched := deps.Config.Scheduling

	slotter, err := service.NewSlotter(service.SlotterOptions{
		Jobs:      backends.Jobs,
		MaxChecks: sched.MaxSlotChecks,
		Logger:    logger,
	})
	if err != nil {
		return ServiceContainer{}, err
	}
	tokens, err := service.NewTokenService(service.TokenServiceOptions{
		Cache:  backends.Cache,
		Grace:  sched.TokenGrace,
		Logger: logger,
	})
	if err != nil {
		return ServiceContainer{}, err
	}
	syncSvc, err := service.NewSyncService(service.SyncServiceOptions{
		Jobs:    backends.Jobs,
		Queue:   backends.Queue,
		Config:  sched,
		Logger:  logger,
		Metrics: sink,
	})
	if err != nil {
		return ServiceContainer{}, err
	}
	jobs, err := service.NewJobService(service.JobServiceOptions{
		Jobs:    backends.Jobs,
		Queue:   backends.Queue,
		Slotter: slotter,
		Config:  sched,
		Tokens:  tokens,
		Sync:    syncSvc,
		Logger:  logger,
		Metrics: sink,
	})
	if err != nil {
		return ServiceContainer{}, err
	}
	campaigns, err := service.NewCampaignService(service.CampaignServiceOptions{
		Campaigns: backends.Campaigns,
		Jobs:      backends.Jobs,
		Config:    sched,
		Tokens:    tokens,
		Sync:      syncSvc,
		Logger:    logger,
		Metrics:   sink,
	})
	if err != nil {
		return ServiceContainer{}, err
	}
	reconcilerOpts := service.ReconcilerOptions{
		Jobs:    backends.Jobs,
		Queue:   backends.Queue,
		Slotter: slotter,
		Config:  sched,
		Tokens:  tokens,
		Sync:    syncSvc,
		Logger:  logger,
		Metrics: sink,
	}
	if obs.FailureNotifier.Enabled() {
		reconcilerOpts.Notifier = obs.FailureNotifier
	}
	reconciler, err := service.NewReconciler(reconcilerOpts)
	if err != nil {
		return ServiceContainer{}, err
	}

	return ServiceContainer{
		Jobs:          jobs,
		Campaigns:     campaigns,
		Sync:          syncSvc,
		Reconciler:    reconciler,
		Tokens:        tokens,
		Slotter:       slotter,
		Backends:      backends,
		Observability: obs,
	}, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	DB       *sql.DB
	Logger   *slog.Logger

	// Target overrides the HTTP dispatch target; used by tests and the memory profile.
	Target core.DispatchTarget
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
					"service", descriptor.name,
					"error", errMsg,
				)
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

func newSyncBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeSync,
		name: "scheduler sync",
		start: func(ctx context.Context) error {
			runner, err := scheduler.NewRunner(scheduler.RunnerOptions{
				Syncer:   deps.cfg.Services.Sync,
				Interval: deps.cfg.Config.Scheduling.ResyncInterval,
				Logger:   deps.logger,
				Metrics:  deps.cfg.Services.Observability.Sink(),
			})
			if err != nil {
				return err
			}
			return runner.Run(ctx)
		},
	}
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "dispatch worker",
		start: func(ctx context.Context) error {
			target := deps.cfg.Target
			if target == nil {
				client, err := dispatchtarget.New(dispatchtarget.Options{
					Config: deps.cfg.Config.DispatchTarget,
					Logger: deps.logger,
				})
				if err != nil {
					return fmt.Errorf("dispatch target: %w", err)
				}
				target = client
			}
			runner, err := worker.NewRunner(worker.RunnerOptions{
				Queue:   deps.cfg.Services.Backends.Queue,
				Jobs:    deps.cfg.Services.Backends.Jobs,
				Target:  target,
				Config:  deps.cfg.Config.Worker,
				Logger:  deps.logger,
				Metrics: deps.cfg.Services.Observability.Sink(),
			})
			if err != nil {
				return err
			}
			return runner.Run(ctx)
		},
	}
}

// The reconciler runs wherever workers run so queue events are always consumed.
func newReconcilerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "reconciler",
		start: func(ctx context.Context) error {
			return deps.cfg.Services.Reconciler.Run(ctx)
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			runner, err := reaper.NewRunner(reaper.RunnerOptions{
				DB:      deps.cfg.DB,
				Repo:    deps.cfg.Services.Backends.Reaper,
				Config:  deps.cfg.Config.Reaper,
				Logger:  deps.logger,
				Metrics: deps.cfg.Services.Observability.Sink(),
			})
			if err != nil {
				return err
			}
			return runner.Run(ctx)
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newSyncBackgroundService(deps),
		newWorkerBackgroundService(deps),
		newReconcilerBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
	}
	services := buildBackgroundServices(deps)
	deps.errCh = make(chan error, errorChannelBufferSize(services, enabledServices))

	handles := startBackgroundServices(deps, services)

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       deps.errCh,
		sync:        cfg.Services.Sync,
		logger:      logger,
		backgrounds: handles,
	})
}

// errorChannelCapacity counts the background services that will start.
func errorChannelCapacity(services []backgroundService, enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, svc := range services {
		if enabled[svc.mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(services []backgroundService, enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(services, enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	sync        *service.SyncService
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
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services and in-flight sync passes.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	if cfg.sync != nil {
		done := make(chan struct{})
		go func() {
			cfg.sync.Wait()
			close(done)
		}()
		waitForService(done, "triggered sync", cfg.logger)
	}
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
