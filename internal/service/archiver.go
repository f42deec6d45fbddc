package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildingvitals/timeseries-api/internal/core"
	obserrors "github.com/buildingvitals/timeseries-api/internal/observability/errors"
	"github.com/buildingvitals/timeseries-api/internal/observability/metrics"
	"github.com/buildingvitals/timeseries-api/internal/observability/statsd"
)

const (
	defaultArchiveInterval   = time.Hour
	defaultJobRetention      = 7 * 24 * time.Hour
	defaultAnalyticsRetain   = 30 * 24 * time.Hour
)

// ArchiverConfig tunes the retention loop.
type ArchiverConfig struct {
	Interval           time.Duration
	JobRetention       time.Duration
	AnalyticsRetention time.Duration
}

// ArchiverOptions groups dependencies for Archiver.
type ArchiverOptions struct {
	Jobs      core.JobRepository       // Required: terminal job archival
	Cache     *CacheStore              // Optional: expired entry sweep
	Analytics core.AnalyticsRepository // Optional: old row pruning
	Config    ArchiverConfig
	Logger    *slog.Logger // Optional
	Metrics   statsd.Sink  // Optional
	Now       func() time.Time
}

// Archiver is the storage hygiene loop: terminal job rows move to history
// after the retention window, expired cache entries are swept and old
// analytics rows are pruned. Correctness never depends on it running.
type Archiver struct {
	jobs      core.JobRepository
	cache     *CacheStore
	analytics core.AnalyticsRepository
	cfg       ArchiverConfig
	logger    *slog.Logger
	metrics   statsd.Sink
	now       func() time.Time
}

// NewArchiver constructs an Archiver.
func NewArchiver(opts ArchiverOptions) *Archiver {
	if opts.Jobs == nil {
		panic("JobRepository is required")
	}

	cfg := opts.Config
	if cfg.Interval <= 0 {
		cfg.Interval = defaultArchiveInterval
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = defaultJobRetention
	}
	if cfg.AnalyticsRetention <= 0 {
		cfg.AnalyticsRetention = defaultAnalyticsRetain
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	logger := opts.Logger
	if logger != nil {
		logger = logger.With("component", "archiver")
	}

	return &Archiver{
		jobs:      opts.Jobs,
		cache:     opts.Cache,
		analytics: opts.Analytics,
		cfg:       cfg,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       now,
	}
}

// Run starts the retention loop and runs until the context is cancelled.
// Returns nil on graceful shutdown.
func (a *Archiver) Run(ctx context.Context) error {
	if a.logger != nil {
		a.logger.InfoContext(ctx, "starting archiver",
			"interval", a.cfg.Interval,
			"job_retention", a.cfg.JobRetention,
			"analytics_retention", a.cfg.AnalyticsRetention)
	}

	// Jitter spreads concurrent instances so they do not contend on the
	// archival advisory lock at the same instant.
	a.waitWithJitter(ctx)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	if err := a.RunOnce(ctx); err != nil {
		a.logSweepError(err)
	}

	for {
		select {
		case <-ctx.Done():
			if a.logger != nil {
				a.logger.InfoContext(ctx, "archiver stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				a.logSweepError(err)
			}
		}
	}
}

// RunOnce performs one full retention sweep. Each step runs regardless of
// failures in the previous one.
func (a *Archiver) RunOnce(ctx context.Context) error {
	start := a.now()
	var errs []error

	archived, err := a.jobs.ArchiveTerminal(ctx, start.Add(-a.cfg.JobRetention))
	if err != nil {
		errs = append(errs, fmt.Errorf("archive terminal jobs: %w", err))
	} else if archived > 0 && a.logger != nil {
		a.logger.InfoContext(ctx, "archived terminal jobs",
			"count", archived, "retention", a.cfg.JobRetention)
	}
	a.emitStepMetric("archive_jobs", archived, err)

	var evicted int64
	if a.cache != nil {
		n, cacheErr := a.cache.Cleanup(ctx)
		evicted = int64(n)
		if cacheErr != nil {
			errs = append(errs, fmt.Errorf("cache cleanup: %w", cacheErr))
		} else if n > 0 && a.logger != nil {
			a.logger.InfoContext(ctx, "evicted expired cache entries", "count", n)
		}
		a.emitStepMetric("cache_cleanup", evicted, cacheErr)
	}

	var pruned int64
	if a.analytics != nil {
		n, pruneErr := a.analytics.DeleteOlderThan(ctx, start.Add(-a.cfg.AnalyticsRetention))
		pruned = n
		if pruneErr != nil {
			errs = append(errs, fmt.Errorf("prune analytics: %w", pruneErr))
		} else if n > 0 && a.logger != nil {
			a.logger.InfoContext(ctx, "pruned analytics rows",
				"count", n, "retention", a.cfg.AnalyticsRetention)
		}
		a.emitStepMetric("prune_analytics", pruned, pruneErr)
	}

	a.emitSweepMetric(archived+evicted+pruned, a.now().Sub(start), errs)

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("retention sweep failed: %w", joined)
	}
	return nil
}

func (a *Archiver) waitWithJitter(ctx context.Context) {
	maxJitter := int64(a.cfg.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if a.logger != nil {
			a.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (a *Archiver) emitStepMetric(operation string, count int64, err error) {
	if a.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	a.metrics.Count("archiver.operation", 1, tags)
	if err == nil && count > 0 {
		a.metrics.Count("archiver.rows_processed", count, metrics.CloneTags(tags))
	}
}

func (a *Archiver) emitSweepMetric(total int64, elapsed time.Duration, errs []error) {
	if a.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if len(errs) > 0 {
		result = metrics.ResultError
	} else if total == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{"result": result}
	a.metrics.Count("archiver.sweep", 1, tags)
	if elapsed > 0 {
		a.metrics.Timing("archiver.sweep_duration", elapsed, metrics.CloneTags(tags))
	}
	if len(errs) == 0 {
		a.metrics.Gauge("archiver.last_success_epoch", float64(a.now().Unix()), nil)
	}
}

func (a *Archiver) logSweepError(err error) {
	if err == nil || a.logger == nil {
		return
	}
	if isContextCancellation(err) {
		a.logger.Debug("retention sweep cancelled by context", "error", err)
		return
	}
	a.logger.Error("retention sweep failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
