package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/buildingvitals/timeseries-api/config"
	"github.com/buildingvitals/timeseries-api/internal/adapters/archiverrunner"
	"github.com/buildingvitals/timeseries-api/internal/adapters/dlqrunner"
	"github.com/buildingvitals/timeseries-api/internal/adapters/fetchrunner"
	"github.com/buildingvitals/timeseries-api/internal/adapters/syncrunner"
	"github.com/buildingvitals/timeseries-api/internal/observability/statsd"
	"github.com/buildingvitals/timeseries-api/internal/service/failurenotifier"
)

// FetchWorkerConfig contains configuration for the fetch worker.
type FetchWorkerConfig struct {
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	Worker      config.FetchWorkerConfig
	Upstream    config.UpstreamConfig
	Cache       config.CacheConfig
	Queue       config.QueueConfig
	Metrics     statsd.Sink
}

// RunFetchWorker starts the fetch worker service.
func RunFetchWorker(ctx context.Context, cfg FetchWorkerConfig) error {
	runner, err := fetchrunner.NewRunner(fetchrunner.RunnerOptions{
		DB:          cfg.DB,
		RedisClient: cfg.RedisClient,
		Logger:      cfg.Logger,
		Worker:      cfg.Worker,
		Upstream:    cfg.Upstream,
		Cache:       cfg.Cache,
		QueueConfig: cfg.Queue,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create fetch runner: %w", err)
	}

	return runner.Run(ctx)
}

// DLQWorkerConfig contains configuration for the dead-letter worker.
type DLQWorkerConfig struct {
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	Worker      config.DLQWorkerConfig
	Queue       config.QueueConfig
	Alerts      *failurenotifier.Service
	Metrics     statsd.Sink
}

// RunDLQWorker starts the dead-letter worker service.
func RunDLQWorker(ctx context.Context, cfg DLQWorkerConfig) error {
	runner, err := dlqrunner.NewRunner(dlqrunner.RunnerOptions{
		DB:          cfg.DB,
		RedisClient: cfg.RedisClient,
		Logger:      cfg.Logger,
		Worker:      cfg.Worker,
		QueueConfig: cfg.Queue,
		Alerts:      cfg.Alerts,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create dlq runner: %w", err)
	}

	return runner.Run(ctx)
}

// ArchiverRunConfig contains configuration for the archiver.
type ArchiverRunConfig struct {
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	Config      config.ArchiverConfig
	Cache       config.CacheConfig
	Metrics     statsd.Sink
}

// RunArchiver starts the retention archiver service.
func RunArchiver(ctx context.Context, cfg ArchiverRunConfig) error {
	runner, err := archiverrunner.NewRunner(archiverrunner.RunnerOptions{
		DB:          cfg.DB,
		RedisClient: cfg.RedisClient,
		Config:      cfg.Config,
		Cache:       cfg.Cache,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create archiver runner: %w", err)
	}

	return runner.Run(ctx)
}

// SyncRunConfig contains configuration for the cache warmer.
type SyncRunConfig struct {
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	Config      config.SyncConfig
	Upstream    config.UpstreamConfig
	Cache       config.CacheConfig
	Metrics     statsd.Sink
}

// RunSync starts the cache warmer service.
func RunSync(ctx context.Context, cfg SyncRunConfig) error {
	runner, err := syncrunner.NewRunner(syncrunner.RunnerOptions{
		DB:          cfg.DB,
		RedisClient: cfg.RedisClient,
		Config:      cfg.Config,
		Upstream:    cfg.Upstream,
		Cache:       cfg.Cache,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create sync runner: %w", err)
	}

	return runner.Run(ctx)
}
