// Package archiverrunner provides the adapter for running the storage
// hygiene loop.
package archiverrunner

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/buildingvitals/timeseries-api/config"
	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/data"
	"github.com/buildingvitals/timeseries-api/internal/observability/statsd"
	"github.com/buildingvitals/timeseries-api/internal/service"
)

// Runner provides a simple adapter to run the archiver loop.
type Runner struct {
	archiver *service.Archiver
	logger   *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Config      config.ArchiverConfig
	Cache       config.CacheConfig
	Logger      *slog.Logger

	// Optional dependency injection for testing/decoupling
	JobsRepo      core.JobRepository
	AnalyticsRepo core.AnalyticsRepository
	Blobs         core.BlobStore
	Metrics       statsd.Sink
}

// NewRunner creates a new archiver runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	jobsRepo := opts.JobsRepo
	if jobsRepo == nil {
		if opts.DB == nil {
			return nil, errors.New("archiver runner requires a DB handle or an explicit JobRepository")
		}
		jobsRepo = data.NewJobRepo(opts.DB, data.RepoConfig{})
	}

	analyticsRepo := opts.AnalyticsRepo
	if analyticsRepo == nil && opts.DB != nil {
		analyticsRepo = data.NewAnalyticsRepo(opts.DB, data.RepoConfig{})
	}

	blobs := opts.Blobs
	if blobs == nil && opts.RedisClient != nil {
		blobs = data.NewRedisBlobStore(opts.RedisClient)
	}

	var cache *service.CacheStore
	if blobs != nil {
		var cacheIndex core.CacheIndexRepository
		if opts.Cache.IndexEnabled && opts.DB != nil {
			cacheIndex = data.NewCacheIndexRepo(opts.DB, data.RepoConfig{})
		}
		cache = service.NewCacheStore(service.CacheStoreOptions{
			Blobs:  blobs,
			Index:  cacheIndex,
			Config: service.CacheStoreConfig{MaxCacheAge: opts.Cache.MaxAge},
			Logger: logger,
		})
	}

	archiver := service.NewArchiver(service.ArchiverOptions{
		Jobs:      jobsRepo,
		Cache:     cache,
		Analytics: analyticsRepo,
		Config: service.ArchiverConfig{
			Interval:           opts.Config.Interval,
			JobRetention:       opts.Config.JobRetention,
			AnalyticsRetention: opts.Config.AnalyticsRetention,
		},
		Logger:  logger,
		Metrics: opts.Metrics,
	})

	return &Runner{archiver: archiver, logger: logger}, nil
}

// Run starts the archiver loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting archiver runner")
	return r.archiver.Run(ctx)
}
