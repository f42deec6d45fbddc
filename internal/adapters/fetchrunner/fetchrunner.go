// Package fetchrunner provides the worker adapter that drains the fetch job
// queue and executes queued timeseries fetches.
package fetchrunner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/buildingvitals/timeseries-api/config"
	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/data"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
	"github.com/buildingvitals/timeseries-api/internal/observability/statsd"
	"github.com/buildingvitals/timeseries-api/internal/queue"
	"github.com/buildingvitals/timeseries-api/internal/service"
	"github.com/buildingvitals/timeseries-api/internal/upstream"
)

// RunnerOptions configures the fetch worker adapter.
type RunnerOptions struct {
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger

	Worker      config.FetchWorkerConfig
	Upstream    config.UpstreamConfig
	Cache       config.CacheConfig
	QueueConfig config.QueueConfig

	// Optional dependency injections (useful for tests/decoupling)
	JobsRepo core.JobRepository
	Queue    core.DurableQueue
	Fetcher  core.UpstreamFetcher
	Blobs    core.BlobStore
	Metrics  statsd.Sink
}

// Runner processes queued fetch jobs using the job manager service.
type Runner struct {
	manager *service.JobManager
	queue   core.DurableQueue
	logger  *slog.Logger
	workers int
}

// NewRunner creates a new fetch worker runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	deps, err := resolveDependencies(opts, logger)
	if err != nil {
		return nil, err
	}

	cache := service.NewCacheStore(service.CacheStoreOptions{
		Blobs:  deps.blobs,
		Index:  deps.cacheIndex,
		Config: service.CacheStoreConfig{MaxCacheAge: opts.Cache.MaxAge},
		Logger: logger,
	})

	manager := service.NewJobManager(service.JobManagerOptions{
		Jobs:    deps.jobsRepo,
		Queue:   deps.queue,
		Fetcher: deps.fetcher,
		Cache:   cache,
		Config: service.JobManagerConfig{
			MaxRetries:     opts.Worker.MaxRetries,
			BaseRetryDelay: opts.Worker.BaseRetryDelay,
			MaxRetryDelay:  opts.Worker.MaxRetryDelay,
			FetchTimeout:   opts.Worker.JobFetchTimeout,
		},
		Logger:  logger,
		Metrics: opts.Metrics,
	})

	workers := opts.Worker.Concurrency
	if workers < 1 {
		workers = 1
	}

	return &Runner{
		manager: manager,
		queue:   deps.queue,
		logger:  logger,
		workers: workers,
	}, nil
}

// Run starts the fetch workers and processes jobs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if q, ok := r.queue.(*queue.Queue); ok {
		if err := q.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize queue: %w", err)
		}
	}

	r.logger.InfoContext(ctx, "starting fetch workers", "workers", r.workers)

	group, gctx := errgroup.WithContext(ctx)
	for range r.workers {
		group.Go(func() error { return r.runWorkerLoop(gctx) })
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runWorkerLoop receives and processes one delivery at a time. A delivery is
// acked only after the job manager resolved it; unacked messages come back
// after the visibility timeout.
func (r *Runner) runWorkerLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		deliveries, err := r.queue.Receive(ctx, 1)
		switch {
		case err == nil:
			for _, d := range deliveries {
				r.processDelivery(ctx, d)
			}
		case errors.Is(err, model.ErrNoMessagesAvailable):
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			r.logger.ErrorContext(ctx, "failed to receive fetch jobs", "error", err)
			return err
		}
	}
	return ctx.Err()
}

func (r *Runner) processDelivery(ctx context.Context, d core.Delivery) {
	if err := r.manager.ProcessJob(ctx, d); err != nil {
		r.logger.ErrorContext(ctx, "fetch job left unacked for redelivery",
			"job_id", d.Message.JobID, "message_id", d.MessageID, "error", err)
		return
	}
	if err := r.queue.Ack(ctx, d); err != nil {
		r.logger.ErrorContext(ctx, "failed to ack fetch job",
			"job_id", d.Message.JobID, "message_id", d.MessageID, "error", err)
	}
}

type runnerDeps struct {
	jobsRepo   core.JobRepository
	queue      core.DurableQueue
	fetcher    core.UpstreamFetcher
	blobs      core.BlobStore
	cacheIndex core.CacheIndexRepository
}

func resolveDependencies(opts RunnerOptions, logger *slog.Logger) (*runnerDeps, error) {
	deps := &runnerDeps{
		jobsRepo: opts.JobsRepo,
		queue:    opts.Queue,
		fetcher:  opts.Fetcher,
		blobs:    opts.Blobs,
	}

	if deps.jobsRepo == nil {
		if opts.DB == nil {
			return nil, errors.New("fetch runner requires a DB handle or an explicit JobRepository")
		}
		deps.jobsRepo = data.NewJobRepo(opts.DB, data.RepoConfig{})
	}

	if deps.blobs == nil {
		if opts.RedisClient == nil {
			return nil, errors.New("fetch runner requires a Redis client or an explicit BlobStore")
		}
		deps.blobs = data.NewRedisBlobStore(opts.RedisClient)
	}

	if opts.Cache.IndexEnabled && opts.DB != nil {
		deps.cacheIndex = data.NewCacheIndexRepo(opts.DB, data.RepoConfig{})
	}

	if deps.queue == nil {
		if opts.RedisClient == nil {
			return nil, errors.New("fetch runner requires a Redis client or an explicit DurableQueue")
		}
		q, err := queue.New(queue.Config{
			Client:            opts.RedisClient,
			Prefix:            opts.QueueConfig.Prefix,
			Group:             opts.QueueConfig.Group,
			ConsumerID:        "fetch-worker-" + uuid.NewString(),
			BlockTimeout:      opts.QueueConfig.BlockTimeout,
			VisibilityTimeout: opts.QueueConfig.VisibilityTimeout,
			DeadStreamMaxLen:  opts.QueueConfig.DeadStreamMaxLen,
			Logger:            logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create queue: %w", err)
		}
		deps.queue = q
	}

	if deps.fetcher == nil {
		client, err := upstream.NewClient(upstream.Config{
			BaseURL:    opts.Upstream.BaseURL,
			APIKey:     opts.Upstream.APIKey,
			PageSize:   opts.Upstream.PageSize,
			MaxPages:   opts.Upstream.MaxPages,
			HTTPClient: &http.Client{Timeout: opts.Upstream.RequestTimeout},
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create upstream client: %w", err)
		}
		deps.fetcher = client
	}

	return deps, nil
}
