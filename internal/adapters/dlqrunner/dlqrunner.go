// Package dlqrunner provides the worker adapter that drains the dead-letter
// queue on an interval.
package dlqrunner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/buildingvitals/timeseries-api/config"
	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/data"
	"github.com/buildingvitals/timeseries-api/internal/observability/statsd"
	"github.com/buildingvitals/timeseries-api/internal/queue"
	"github.com/buildingvitals/timeseries-api/internal/service"
	"github.com/buildingvitals/timeseries-api/internal/service/failurenotifier"
)

// RunnerOptions configures the DLQ worker adapter.
type RunnerOptions struct {
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger

	Worker      config.DLQWorkerConfig
	QueueConfig config.QueueConfig

	// Optional dependency injections (useful for tests/decoupling)
	Queue             core.DurableQueue
	JobsRepo          core.JobRepository
	RecoveryRepo      core.RecoveryRepository
	NotificationsRepo core.NotificationRepository
	Blobs             core.BlobStore
	Alerts            *failurenotifier.Service
	Metrics           statsd.Sink
}

// Runner drains the dead-letter queue using the DLQ processor service.
type Runner struct {
	processor *service.DLQProcessor
	queue     core.DurableQueue
	logger    *slog.Logger
	interval  time.Duration
}

// NewRunner creates a new DLQ worker runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	deps, err := resolveDependencies(opts, logger)
	if err != nil {
		return nil, err
	}

	processor := service.NewDLQProcessor(service.DLQProcessorOptions{
		Queue: deps.queue,
		Stores: service.DLQStores{
			Jobs:          deps.jobsRepo,
			Recovery:      deps.recoveryRepo,
			Notifications: deps.notificationsRepo,
			Blobs:         deps.blobs,
		},
		Alerts:  opts.Alerts,
		Config:  service.DLQProcessorConfig{BatchSize: opts.Worker.BatchSize},
		Logger:  logger,
		Metrics: opts.Metrics,
	})

	interval := opts.Worker.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &Runner{
		processor: processor,
		queue:     deps.queue,
		logger:    logger,
		interval:  interval,
	}, nil
}

// Run drains the dead-letter queue every interval until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if q, ok := r.queue.(*queue.Queue); ok {
		if err := q.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize queue: %w", err)
		}
	}

	r.logger.InfoContext(ctx, "starting dlq worker", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		result, err := r.processor.ProcessBatch(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case err != nil:
			r.logger.ErrorContext(ctx, "dlq batch failed", "error", err)
		case result.Processed > 0:
			// More dead letters may be waiting; drain without sleeping.
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type runnerDeps struct {
	queue             core.DurableQueue
	jobsRepo          core.JobRepository
	recoveryRepo      core.RecoveryRepository
	notificationsRepo core.NotificationRepository
	blobs             core.BlobStore
}

func resolveDependencies(opts RunnerOptions, logger *slog.Logger) (*runnerDeps, error) {
	deps := &runnerDeps{
		queue:             opts.Queue,
		jobsRepo:          opts.JobsRepo,
		recoveryRepo:      opts.RecoveryRepo,
		notificationsRepo: opts.NotificationsRepo,
		blobs:             opts.Blobs,
	}

	if deps.jobsRepo == nil {
		if opts.DB == nil {
			return nil, errors.New("dlq runner requires a DB handle or an explicit JobRepository")
		}
		deps.jobsRepo = data.NewJobRepo(opts.DB, data.RepoConfig{})
	}
	if deps.recoveryRepo == nil && opts.DB != nil {
		deps.recoveryRepo = data.NewRecoveryRepo(opts.DB, data.RepoConfig{})
	}
	if deps.notificationsRepo == nil && opts.DB != nil {
		deps.notificationsRepo = data.NewNotificationRepo(opts.DB, data.RepoConfig{})
	}
	if deps.blobs == nil && opts.RedisClient != nil {
		deps.blobs = data.NewRedisBlobStore(opts.RedisClient)
	}

	if deps.queue == nil {
		if opts.RedisClient == nil {
			return nil, errors.New("dlq runner requires a Redis client or an explicit DurableQueue")
		}
		q, err := queue.New(queue.Config{
			Client:            opts.RedisClient,
			Prefix:            opts.QueueConfig.Prefix,
			Group:             opts.QueueConfig.Group,
			ConsumerID:        "dlq-worker-" + uuid.NewString(),
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

	return deps, nil
}
