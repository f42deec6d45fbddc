package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/domain/fetcherr"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
	"github.com/buildingvitals/timeseries-api/internal/observability/metrics"
	"github.com/buildingvitals/timeseries-api/internal/observability/statsd"
)

// jobIDNamespace makes job ids a pure function of the request identity.
// Identical requests produce identical ids and coalesce onto one job row.
var jobIDNamespace = uuid.MustParse("5f9c2b1e-7d34-4c8a-9b06-3f21a8e4d570")

const (
	defaultJobMaxRetries   = 3
	defaultBaseRetryDelay  = 30 * time.Second
	defaultMaxRetryDelay   = 15 * time.Minute
	defaultJobFetchTimeout = 10 * time.Minute
)

// ErrNoJobResult is returned by JobResult when the job has not produced a
// retrievable payload: still running, failed, or the cached entry expired.
var ErrNoJobResult = errors.New("job result not available")

// resultCache is the behavior JobManager needs from the object cache.
type resultCache interface {
	Key(req *model.TimeseriesRequest) string
	Put(ctx context.Context, key string, payload []byte, meta model.CacheMetadata) error
	Get(ctx context.Context, key string) (*model.CacheEntry, error)
}

// JobManagerConfig tunes the retry policy and fetch execution.
type JobManagerConfig struct {
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	FetchTimeout   time.Duration
}

// JobManagerOptions groups dependencies for JobManager.
type JobManagerOptions struct {
	Jobs    core.JobRepository   // Required: lifecycle row store
	Queue   core.DurableQueue    // Required: durable message channel
	Fetcher core.UpstreamFetcher // Required: paginated upstream client
	Cache   resultCache          // Required: result persistence
	Config  JobManagerConfig
	Logger  *slog.Logger // Optional
	Metrics statsd.Sink  // Optional
	Now     func() time.Time
}

// JobManager owns the background fetch job lifecycle: it turns large requests
// into durable jobs, executes them from the queue and applies the retry
// policy. The job row is the authoritative state machine; the queue only
// carries identity and execution options.
type JobManager struct {
	jobs    core.JobRepository
	queue   core.DurableQueue
	fetcher core.UpstreamFetcher
	cache   resultCache
	cfg     JobManagerConfig
	logger  *slog.Logger
	metrics statsd.Sink
	now     func() time.Time
}

// NewJobManager constructs a JobManager.
func NewJobManager(opts JobManagerOptions) *JobManager {
	if opts.Jobs == nil {
		panic("JobRepository is required")
	}
	if opts.Queue == nil {
		panic("DurableQueue is required")
	}
	if opts.Fetcher == nil {
		panic("UpstreamFetcher is required")
	}
	if opts.Cache == nil {
		panic("result cache is required")
	}

	cfg := opts.Config
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultJobMaxRetries
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = defaultBaseRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = defaultMaxRetryDelay
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultJobFetchTimeout
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	logger := opts.Logger
	if logger != nil {
		logger = logger.With("component", "jobmanager")
	}

	return &JobManager{
		jobs:    opts.Jobs,
		queue:   opts.Queue,
		fetcher: opts.Fetcher,
		cache:   opts.Cache,
		cfg:     cfg,
		logger:  logger,
		metrics: opts.Metrics,
		now:     now,
	}
}

// JobID derives the deterministic job id for a request.
func (m *JobManager) JobID(req *model.TimeseriesRequest) string {
	return uuid.NewSHA1(jobIDNamespace, []byte(m.cache.Key(req))).String()
}

// QueueLargeRequest turns a request into a durable background job. The job id
// is derived from the request identity, so a duplicate request while an
// equivalent job is live returns the existing job instead of a new one. A
// duplicate arriving after a terminal failure revives the old row and runs it
// again. Returns the job and whether a new run was started.
func (m *JobManager) QueueLargeRequest(
	ctx context.Context,
	req *model.TimeseriesRequest,
	priority model.JobPriority,
	estimatedSize int64,
) (*model.FetchJob, bool, error) {
	if req == nil {
		return nil, false, errors.New("timeseries request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, false, fetcherr.Wrap(fetcherr.KindClientFault, "queue request", err)
	}
	if priority == "" {
		priority = model.PriorityNormal
	}

	cacheKey := m.cache.Key(req)
	jobID := uuid.NewSHA1(jobIDNamespace, []byte(cacheKey)).String()

	job, created, err := m.jobs.Create(ctx, &model.CreateJobRequest{
		ID:            jobID,
		Site:          req.Site,
		Points:        req.NormalizedPoints(),
		StartTime:     req.StartTime.UTC(),
		EndTime:       req.EndTime.UTC(),
		UserID:        req.UserID,
		Priority:      priority,
		EstimatedSize: estimatedSize,
		CacheKey:      &cacheKey,
		MaxRetries:    m.cfg.MaxRetries,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}

	if !created {
		switch job.Status {
		case model.JobStatusFailed, model.JobStatusCancelled:
			revived, resetErr := m.jobs.Reset(ctx, jobID)
			if resetErr != nil {
				return nil, false, fmt.Errorf("reset job %s: %w", jobID, resetErr)
			}
			if !revived {
				// Lost a race with archival or another reviver; hand back
				// whatever the row says now.
				job, err = m.jobs.GetByID(ctx, jobID)
				if err != nil {
					return nil, false, fmt.Errorf("reload job %s: %w", jobID, err)
				}
				return job, false, nil
			}
			job, err = m.jobs.GetByID(ctx, jobID)
			if err != nil {
				return nil, false, fmt.Errorf("reload job %s: %w", jobID, err)
			}
			if m.logger != nil {
				m.logger.InfoContext(ctx, "revived terminal job",
					"job_id", jobID, "site", req.Site)
			}
		default:
			// Live or already completed; the caller coalesces onto it.
			return job, false, nil
		}
	}

	msg := model.QueueMessage{
		JobID:          jobID,
		Site:           req.Site,
		Points:         req.NormalizedPoints(),
		StartTime:      req.StartTime.UTC(),
		EndTime:        req.EndTime.UTC(),
		UserID:         req.UserID,
		Format:         req.Format,
		PersistToCache: true,
		CacheKey:       cacheKey,
	}
	if err := m.queue.Send(ctx, msg, priority); err != nil {
		// A job row with no message would wait forever; fail it now so the
		// caller sees a clean error instead of a stuck job.
		if _, failErr := m.jobs.MarkFailed(ctx, core.FailJobParams{
			JobID:      jobID,
			ErrorText:  fmt.Sprintf("enqueue: %v", err),
			ErrorClass: string(fetcherr.KindServerFault),
		}); failErr != nil && m.logger != nil {
			m.logger.ErrorContext(ctx, "failed to mark unenqueued job failed",
				"job_id", jobID, "error", failErr)
		}
		return nil, false, fmt.Errorf("enqueue job %s: %w", jobID, err)
	}

	if m.logger != nil {
		m.logger.InfoContext(ctx, "job queued",
			"job_id", jobID,
			"site", req.Site,
			"points", len(msg.Points),
			"priority", priority,
			"estimated_size", estimatedSize)
	}
	metrics.EmitJobLifecycle(m.metrics, metrics.JobMetric{
		Site:       req.Site,
		Transition: "enqueue",
		Result:     metrics.ResultSuccess,
	})
	return job, true, nil
}

// ProcessJob executes one delivered job message. A nil return means the
// message is resolved and must be acked, including messages dropped as stale;
// a non-nil return leaves the message unacked for redelivery after the
// visibility timeout.
func (m *JobManager) ProcessJob(ctx context.Context, d core.Delivery) error {
	msg := d.Message

	job, err := m.jobs.GetByID(ctx, msg.JobID)
	if errors.Is(err, core.ErrJobNotFound) {
		if m.logger != nil {
			m.logger.WarnContext(ctx, "dropping message for unknown job", "job_id", msg.JobID)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", msg.JobID, err)
	}
	if !model.ValidTransition(job.Status, model.JobStatusProcessing) {
		// Terminal, cancelled, or claimed by another worker.
		return nil
	}

	ok, err := m.jobs.MarkProcessing(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("mark processing %s: %w", msg.JobID, err)
	}
	if !ok {
		// Another worker already holds it; redelivery resolves here.
		return nil
	}

	if m.logger != nil {
		m.logger.InfoContext(ctx, "job processing started",
			"job_id", msg.JobID, "site", msg.Site, "attempt", d.Attempt)
	}
	started := m.now()

	result, err := m.fetcher.FetchAll(ctx, &model.TimeseriesRequest{
		Site:      msg.Site,
		Points:    msg.Points,
		StartTime: msg.StartTime,
		EndTime:   msg.EndTime,
		UserID:    msg.UserID,
		Format:    msg.Format,
	}, core.FetchOptions{
		Timeout: m.cfg.FetchTimeout,
		Progress: func(percent int) {
			if progressErr := m.jobs.UpdateProgress(ctx, msg.JobID, percent); progressErr != nil && m.logger != nil {
				m.logger.WarnContext(ctx, "progress update failed",
					"job_id", msg.JobID, "error", progressErr)
			}
		},
	})
	if err != nil {
		return m.resolveFailure(ctx, job, msg, err)
	}

	// Cancellation is advisory; check before persisting the result.
	current, err := m.jobs.GetByID(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("reload job %s: %w", msg.JobID, err)
	}
	if current.Status != model.JobStatusProcessing {
		if m.logger != nil {
			m.logger.InfoContext(ctx, "discarding result for job no longer processing",
				"job_id", msg.JobID, "status", current.Status)
		}
		return nil
	}

	body, err := newTimeseriesPayload(&model.TimeseriesRequest{
		Site:      msg.Site,
		Points:    msg.Points,
		StartTime: msg.StartTime,
		EndTime:   msg.EndTime,
	}, result).Encode()
	if err != nil {
		return m.resolveFailure(ctx, job, msg, err)
	}

	if msg.PersistToCache && msg.CacheKey != "" {
		// Persisting the result is the whole point of a queued job, so a
		// cache write failure goes through the retry path rather than
		// degrading to a miss.
		if cacheErr := m.cache.Put(ctx, msg.CacheKey, body, model.CacheMetadata{
			PointsCount:  len(result.Series),
			SamplesCount: result.Series.TotalSamples(),
			Tags:         map[string]string{"site": msg.Site, "source": "job"},
		}); cacheErr != nil {
			return m.resolveFailure(ctx, job, msg, fetcherr.Wrap(
				fetcherr.KindServerFault, "persist result", cacheErr))
		}
	}

	completed, err := m.jobs.Complete(ctx, core.CompleteJobParams{
		JobID:        msg.JobID,
		SamplesCount: result.Series.TotalSamples(),
		DataSize:     int64(len(body)),
		CacheKey:     msg.CacheKey,
		Truncated:    result.Truncated,
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", msg.JobID, err)
	}
	if !completed {
		// Cancelled between the status check and the final write.
		return nil
	}

	duration := m.now().Sub(started)
	if m.logger != nil {
		m.logger.InfoContext(ctx, "job completed",
			"job_id", msg.JobID,
			"site", msg.Site,
			"samples", result.Series.TotalSamples(),
			"bytes", len(body),
			"truncated", result.Truncated,
			"duration", duration)
	}
	metrics.EmitJobLifecycle(m.metrics, metrics.JobMetric{
		Site:       msg.Site,
		Transition: "complete",
		Result:     metrics.ResultSuccess,
		Duration:   duration,
	})
	return nil
}

// resolveFailure applies the retry policy to a failed attempt. It always
// resolves the current delivery (nil return): retries re-enter through a
// fresh delayed message, never through queue redelivery.
func (m *JobManager) resolveFailure(
	ctx context.Context,
	job *model.FetchJob,
	msg model.QueueMessage,
	cause error,
) error {
	errClass := string(fetcherr.KindOf(cause))

	if !fetcherr.Retryable(cause) {
		if _, err := m.jobs.MarkFailed(ctx, core.FailJobParams{
			JobID:      msg.JobID,
			ErrorText:  cause.Error(),
			ErrorClass: errClass,
		}); err != nil {
			return fmt.Errorf("mark failed %s: %w", msg.JobID, err)
		}
		if err := m.queue.DeadLetter(ctx, msg, cause.Error()); err != nil {
			return fmt.Errorf("dead letter %s: %w", msg.JobID, err)
		}
		if m.logger != nil {
			m.logger.ErrorContext(ctx, "job failed permanently",
				"job_id", msg.JobID, "site", msg.Site,
				"error_class", errClass, "error", cause)
		}
		m.emitFailure(msg.Site, cause)
		return nil
	}

	status, retryCount, err := m.jobs.FailOrRetry(ctx, core.FailJobParams{
		JobID:      msg.JobID,
		ErrorText:  cause.Error(),
		ErrorClass: errClass,
	})
	if err != nil {
		return fmt.Errorf("fail or retry %s: %w", msg.JobID, err)
	}

	switch status {
	case model.JobStatusRetrying:
		delay := m.backoffDelay(retryCount)
		if err := m.queue.SendDelayed(ctx, msg, job.Priority, delay); err != nil {
			return fmt.Errorf("schedule retry %s: %w", msg.JobID, err)
		}
		if m.logger != nil {
			m.logger.WarnContext(ctx, "job retry scheduled",
				"job_id", msg.JobID, "site", msg.Site,
				"retry_count", retryCount, "delay", delay,
				"error_class", errClass, "error", cause)
		}
		metrics.EmitJobLifecycle(m.metrics, metrics.JobMetric{
			Site:       msg.Site,
			Transition: "retry",
			Result:     metrics.ResultError,
			Err:        cause,
		})
	case model.JobStatusFailed:
		if err := m.queue.DeadLetter(ctx, msg, cause.Error()); err != nil {
			return fmt.Errorf("dead letter %s: %w", msg.JobID, err)
		}
		if m.logger != nil {
			m.logger.ErrorContext(ctx, "job retry budget exhausted",
				"job_id", msg.JobID, "site", msg.Site,
				"retry_count", retryCount, "error", cause)
		}
		m.emitFailure(msg.Site, cause)
	default:
		// Cancelled or otherwise resolved while the attempt was in flight.
	}
	return nil
}

// backoffDelay computes the exponential backoff for the given attempt:
// base * 2^(n-1), capped at MaxRetryDelay.
func (m *JobManager) backoffDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := m.cfg.BaseRetryDelay
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= m.cfg.MaxRetryDelay {
			return m.cfg.MaxRetryDelay
		}
	}
	if delay > m.cfg.MaxRetryDelay {
		return m.cfg.MaxRetryDelay
	}
	return delay
}

func (m *JobManager) emitFailure(site string, cause error) {
	metrics.EmitJobLifecycle(m.metrics, metrics.JobMetric{
		Site:       site,
		Transition: "fail",
		Result:     metrics.ResultError,
		Err:        cause,
	})
}

// GetJobStatus returns the current job row.
func (m *JobManager) GetJobStatus(ctx context.Context, id string) (*model.FetchJob, error) {
	job, err := m.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	return job, nil
}

// JobResult returns the cached payload a completed job produced. Expired or
// evicted entries surface as ErrNoJobResult; callers should re-submit the
// original request in that case.
func (m *JobManager) JobResult(ctx context.Context, id string) (*model.CacheEntry, error) {
	job, err := m.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job.Status != model.JobStatusCompleted || job.CacheKey == nil {
		return nil, ErrNoJobResult
	}
	entry, err := m.cache.Get(ctx, *job.CacheKey)
	if errors.Is(err, ErrCacheMiss) {
		return nil, ErrNoJobResult
	}
	if err != nil {
		return nil, fmt.Errorf("read job result %s: %w", id, err)
	}
	return entry, nil
}

// CancelJob marks a non-terminal job cancelled. Returns false when the job is
// already terminal.
func (m *JobManager) CancelJob(ctx context.Context, id string) (bool, error) {
	cancelled, err := m.jobs.Cancel(ctx, id)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	if cancelled && m.logger != nil {
		m.logger.InfoContext(ctx, "job cancelled", "job_id", id)
	}
	return cancelled, nil
}

// Stats returns job counts by status.
func (m *JobManager) Stats(ctx context.Context) (*model.JobStats, error) {
	return m.jobs.Stats(ctx)
}

// ListRecent returns the most recently created jobs.
func (m *JobManager) ListRecent(ctx context.Context, limit int) ([]*model.FetchJob, error) {
	return m.jobs.ListRecent(ctx, limit)
}

// QueueDepths exposes the transport depths for the stats surface.
func (m *JobManager) QueueDepths(ctx context.Context) (map[string]int64, error) {
	return m.queue.Depths(ctx)
}
