package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
	"github.com/buildingvitals/timeseries-api/internal/observability/metrics"
	"github.com/buildingvitals/timeseries-api/internal/observability/statsd"
)

const (
	defaultSyncInterval = 5 * time.Minute
	defaultSyncWindow   = time.Hour
	defaultSyncTimeout  = 2 * time.Minute
)

// SyncTarget names one site and the points kept warm for it.
type SyncTarget struct {
	Site   string
	Points []string
}

// SyncerConfig tunes the warm loop.
type SyncerConfig struct {
	Interval     time.Duration
	Window       time.Duration
	FetchTimeout time.Duration
	Targets      []SyncTarget
}

// SyncerOptions groups dependencies for Syncer.
type SyncerOptions struct {
	Fetcher core.UpstreamFetcher // Required
	Cache   *CacheStore          // Required
	Config  SyncerConfig
	Logger  *slog.Logger // Optional
	Metrics statsd.Sink  // Optional
	Now     func() time.Time
}

// Syncer keeps the recent window warm: every Interval it fetches the last
// Window of data for each target and refreshes its cache entry. Window bounds
// are truncated to the interval so successive sweeps overwrite a stable set
// of keys, and a request for the same rounded window hits warm data.
type Syncer struct {
	fetcher core.UpstreamFetcher
	cache   *CacheStore
	cfg     SyncerConfig
	logger  *slog.Logger
	metrics statsd.Sink
	now     func() time.Time
}

// NewSyncer constructs a Syncer.
func NewSyncer(opts SyncerOptions) *Syncer {
	if opts.Fetcher == nil {
		panic("UpstreamFetcher is required")
	}
	if opts.Cache == nil {
		panic("CacheStore is required")
	}

	cfg := opts.Config
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSyncInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultSyncWindow
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultSyncTimeout
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	logger := opts.Logger
	if logger != nil {
		logger = logger.With("component", "syncer")
	}

	return &Syncer{
		fetcher: opts.Fetcher,
		cache:   opts.Cache,
		cfg:     cfg,
		logger:  logger,
		metrics: opts.Metrics,
		now:     now,
	}
}

// Run starts the warm loop and runs until the context is cancelled. Returns
// nil on graceful shutdown.
func (s *Syncer) Run(ctx context.Context) error {
	if len(s.cfg.Targets) == 0 {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "syncer has no targets, idling")
		}
		<-ctx.Done()
		return nil
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting syncer",
			"interval", s.cfg.Interval,
			"window", s.cfg.Window,
			"targets", len(s.cfg.Targets))
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "syncer stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce refreshes every target once. Per-target failures are logged and do
// not stop the sweep.
func (s *Syncer) RunOnce(ctx context.Context) {
	for _, target := range s.cfg.Targets {
		if ctx.Err() != nil {
			return
		}
		if err := s.warmTarget(ctx, target); err != nil {
			if isContextCancellation(err) {
				return
			}
			if s.logger != nil {
				s.logger.WarnContext(ctx, "warm sweep failed for target",
					"site", target.Site, "error", err)
			}
		}
	}
}

func (s *Syncer) warmTarget(ctx context.Context, target SyncTarget) error {
	start := s.now()
	req := s.targetRequest(target)
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid sync target %s: %w", target.Site, err)
	}

	result, err := s.fetcher.FetchAll(ctx, req, core.FetchOptions{Timeout: s.cfg.FetchTimeout})
	s.emitWarm(target.Site, s.now().Sub(start), err)
	if err != nil {
		return fmt.Errorf("fetch recent window: %w", err)
	}

	body, err := newTimeseriesPayload(req, result).Encode()
	if err != nil {
		return err
	}
	key := s.cache.Key(req)
	if err := s.cache.Put(ctx, key, body, model.CacheMetadata{
		PointsCount:  len(result.Series),
		SamplesCount: result.Series.TotalSamples(),
		Tags:         map[string]string{"site": target.Site, "source": "sync"},
	}); err != nil {
		return fmt.Errorf("refresh cache entry: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "warmed recent window",
			"site", target.Site,
			"points", len(target.Points),
			"samples", result.Series.TotalSamples(),
			"key", key)
	}
	return nil
}

// targetRequest builds the rounded recent-window request for a target.
func (s *Syncer) targetRequest(target SyncTarget) *model.TimeseriesRequest {
	end := s.now().UTC().Truncate(s.cfg.Interval)
	return &model.TimeseriesRequest{
		Site:      target.Site,
		Points:    target.Points,
		StartTime: end.Add(-s.cfg.Window),
		EndTime:   end,
	}
}

func (s *Syncer) emitWarm(site string, elapsed time.Duration, err error) {
	if s.metrics == nil {
		return
	}
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	tags := map[string]string{"site": site, "result": result}
	s.metrics.Count("sync.warm", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("sync.warm_duration", elapsed, metrics.CloneTags(tags))
	}
}
