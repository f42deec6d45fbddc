// Package syncrunner provides the adapter for running the cache warmer.
package syncrunner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/buildingvitals/timeseries-api/config"
	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/data"
	"github.com/buildingvitals/timeseries-api/internal/observability/statsd"
	"github.com/buildingvitals/timeseries-api/internal/service"
	"github.com/buildingvitals/timeseries-api/internal/upstream"
)

// Runner provides a simple adapter to run the cache warmer loop.
type Runner struct {
	syncer *service.Syncer
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Config      config.SyncConfig
	Upstream    config.UpstreamConfig
	Cache       config.CacheConfig
	Logger      *slog.Logger

	// Optional dependency injection for testing/decoupling
	Fetcher core.UpstreamFetcher
	Blobs   core.BlobStore
	Metrics statsd.Sink
}

// NewRunner creates a new cache warmer runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	targets, err := opts.Config.ParseTargets()
	if err != nil {
		return nil, fmt.Errorf("parse sync targets: %w", err)
	}

	blobs := opts.Blobs
	if blobs == nil {
		if opts.RedisClient == nil {
			return nil, errors.New("sync runner requires a Redis client or an explicit BlobStore")
		}
		blobs = data.NewRedisBlobStore(opts.RedisClient)
	}

	var cacheIndex core.CacheIndexRepository
	if opts.Cache.IndexEnabled && opts.DB != nil {
		cacheIndex = data.NewCacheIndexRepo(opts.DB, data.RepoConfig{})
	}
	cache := service.NewCacheStore(service.CacheStoreOptions{
		Blobs:  blobs,
		Index:  cacheIndex,
		Config: service.CacheStoreConfig{MaxCacheAge: opts.Cache.MaxAge},
		Logger: logger,
	})

	fetcher := opts.Fetcher
	if fetcher == nil {
		client, clientErr := upstream.NewClient(upstream.Config{
			BaseURL:    opts.Upstream.BaseURL,
			APIKey:     opts.Upstream.APIKey,
			PageSize:   opts.Upstream.PageSize,
			MaxPages:   opts.Upstream.MaxPages,
			HTTPClient: &http.Client{Timeout: opts.Upstream.RequestTimeout},
			Logger:     logger,
		})
		if clientErr != nil {
			return nil, fmt.Errorf("create upstream client: %w", clientErr)
		}
		fetcher = client
	}

	syncTargets := make([]service.SyncTarget, 0, len(targets))
	for _, t := range targets {
		syncTargets = append(syncTargets, service.SyncTarget{Site: t.Site, Points: t.Points})
	}

	syncer := service.NewSyncer(service.SyncerOptions{
		Fetcher: fetcher,
		Cache:   cache,
		Config: service.SyncerConfig{
			Interval:     opts.Config.Interval,
			Window:       opts.Config.Window,
			FetchTimeout: opts.Config.FetchTimeout,
			Targets:      syncTargets,
		},
		Logger:  logger,
		Metrics: opts.Metrics,
	})

	return &Runner{syncer: syncer, logger: logger}, nil
}

// Run starts the cache warmer loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting sync runner")
	return r.syncer.Run(ctx)
}
