package service

import (
	"context"
	"encoding/json"
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

const (
	defaultDirectTimeout   = 30 * time.Second
	defaultSitesCacheTTL   = 5 * time.Minute
	sitesCacheKey          = "sites:upstream"
	analyticsSummaryWindow = 24 * time.Hour
)

// OrchestratorConfig tunes synchronous execution.
type OrchestratorConfig struct {
	DirectTimeout time.Duration
	SitesCacheTTL time.Duration
}

// OrchestratorOptions groups dependencies for Orchestrator.
type OrchestratorOptions struct {
	Router    *Router              // Required: size estimation and routing
	Fetcher   core.UpstreamFetcher // Required: synchronous fetch path
	Cache     *CacheStore          // Required: cached route storage
	Jobs      *JobManager          // Required: queued route
	Analytics core.AnalyticsRepository // Optional: per-request observability rows
	Blobs     core.BlobStore           // Optional: site list cache
	Config    OrchestratorConfig
	Logger    *slog.Logger // Optional
	Metrics   statsd.Sink  // Optional
	Now       func() time.Time
}

// FetchResponse is the orchestrated outcome handed to the transport layer.
// Direct and cached routes carry the payload body; the queued route carries
// the job to poll instead.
type FetchResponse struct {
	Route         model.RouteType
	CacheHit      bool
	Payload       []byte
	Job           *model.FetchJob
	JobStarted    bool
	EstimatedSize int64
	Duration      time.Duration
}

// Orchestrator routes each timeseries request to the cheapest strategy that
// can serve it: small requests fetch inline, medium ones go through the
// object cache, large ones become durable background jobs.
type Orchestrator struct {
	router    *Router
	fetcher   core.UpstreamFetcher
	cache     *CacheStore
	jobs      *JobManager
	analytics core.AnalyticsRepository
	blobs     core.BlobStore
	cfg       OrchestratorConfig
	logger    *slog.Logger
	metrics   statsd.Sink
	now       func() time.Time
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	if opts.Router == nil {
		panic("Router is required")
	}
	if opts.Fetcher == nil {
		panic("UpstreamFetcher is required")
	}
	if opts.Cache == nil {
		panic("CacheStore is required")
	}
	if opts.Jobs == nil {
		panic("JobManager is required")
	}

	cfg := opts.Config
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = defaultDirectTimeout
	}
	if cfg.SitesCacheTTL <= 0 {
		cfg.SitesCacheTTL = defaultSitesCacheTTL
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	logger := opts.Logger
	if logger != nil {
		logger = logger.With("component", "orchestrator")
	}

	return &Orchestrator{
		router:    opts.Router,
		fetcher:   opts.Fetcher,
		cache:     opts.Cache,
		jobs:      opts.Jobs,
		analytics: opts.Analytics,
		blobs:     opts.Blobs,
		cfg:       cfg,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       now,
	}
}

// FetchTimeseries executes one request end to end: estimate, route, run. The
// analytics row and request metric are recorded on every path, including
// failures.
func (o *Orchestrator) FetchTimeseries(
	ctx context.Context,
	requestID string,
	req *model.TimeseriesRequest,
	override model.RouteType,
) (*FetchResponse, error) {
	if req == nil {
		return nil, errors.New("timeseries request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, fetcherr.Wrap(fetcherr.KindClientFault, "fetch timeseries", err)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	started := o.now()
	route, estimate := o.router.Route(len(req.NormalizedPoints()), req.StartTime, req.EndTime, override)

	var (
		resp *FetchResponse
		err  error
	)
	switch route {
	case model.RouteDirect:
		resp, err = o.fetchDirect(ctx, req)
	case model.RouteCached:
		resp, err = o.fetchCached(ctx, req)
	default:
		resp, err = o.fetchQueued(ctx, req, model.PriorityNormal, estimate)
	}

	duration := o.now().Sub(started)
	if resp != nil {
		resp.Route = route
		resp.EstimatedSize = estimate
		resp.Duration = duration
	}

	o.record(ctx, requestID, req, route, resp, duration, err)

	if o.logger != nil {
		if err != nil {
			o.logger.WarnContext(ctx, "timeseries request failed",
				"request_id", requestID,
				"site", req.Site,
				"route", route,
				"estimated_size", estimate,
				"duration", duration,
				"error", err)
		} else {
			o.logger.InfoContext(ctx, "timeseries request served",
				"request_id", requestID,
				"site", req.Site,
				"route", route,
				"estimated_size", estimate,
				"cache_hit", resp.CacheHit,
				"duration", duration)
		}
	}
	return resp, err
}

// Backfill forces a request onto the queued route at low priority, regardless
// of its estimated size.
func (o *Orchestrator) Backfill(
	ctx context.Context,
	requestID string,
	req *model.TimeseriesRequest,
) (*FetchResponse, error) {
	if req == nil {
		return nil, errors.New("timeseries request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, fetcherr.Wrap(fetcherr.KindClientFault, "backfill", err)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	started := o.now()
	_, estimate := o.router.Route(len(req.NormalizedPoints()), req.StartTime, req.EndTime, "")

	resp, err := o.fetchQueued(ctx, req, model.PriorityLow, estimate)
	duration := o.now().Sub(started)
	if resp != nil {
		resp.Route = model.RouteQueued
		resp.EstimatedSize = estimate
		resp.Duration = duration
	}
	o.record(ctx, requestID, req, model.RouteQueued, resp, duration, err)
	return resp, err
}

func (o *Orchestrator) fetchDirect(ctx context.Context, req *model.TimeseriesRequest) (*FetchResponse, error) {
	result, err := o.fetcher.FetchAll(ctx, req, core.FetchOptions{Timeout: o.cfg.DirectTimeout})
	if err != nil {
		return nil, err
	}
	body, err := newTimeseriesPayload(req, result).Encode()
	if err != nil {
		return nil, err
	}
	return &FetchResponse{Payload: body}, nil
}

func (o *Orchestrator) fetchCached(ctx context.Context, req *model.TimeseriesRequest) (*FetchResponse, error) {
	key := o.cache.Key(req)

	entry, err := o.cache.Get(ctx, key)
	if err == nil {
		return &FetchResponse{Payload: entry.Payload, CacheHit: true}, nil
	}
	if !errors.Is(err, ErrCacheMiss) && o.logger != nil {
		// A broken cache degrades to a miss, never to a failed request.
		o.logger.WarnContext(ctx, "cache read failed, fetching upstream",
			"key", key, "error", err)
	}

	result, err := o.fetcher.FetchAll(ctx, req, core.FetchOptions{Timeout: o.cfg.DirectTimeout})
	if err != nil {
		return nil, err
	}
	body, err := newTimeseriesPayload(req, result).Encode()
	if err != nil {
		return nil, err
	}

	// The caller does not wait on cache persistence.
	go func(payload []byte, samples int64, points int) {
		putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if putErr := o.cache.Put(putCtx, key, payload, model.CacheMetadata{
			PointsCount:  points,
			SamplesCount: samples,
			Tags:         map[string]string{"site": req.Site, "source": "request"},
		}); putErr != nil && o.logger != nil {
			o.logger.WarnContext(putCtx, "cache write failed", "key", key, "error", putErr)
		}
	}(body, result.Series.TotalSamples(), len(result.Series))

	return &FetchResponse{Payload: body}, nil
}

func (o *Orchestrator) fetchQueued(
	ctx context.Context,
	req *model.TimeseriesRequest,
	priority model.JobPriority,
	estimate int64,
) (*FetchResponse, error) {
	job, started, err := o.jobs.QueueLargeRequest(ctx, req, priority, estimate)
	if err != nil {
		return nil, err
	}
	return &FetchResponse{Job: job, JobStarted: started}, nil
}

// record writes the analytics row and emits the request metric. Best effort.
func (o *Orchestrator) record(
	ctx context.Context,
	requestID string,
	req *model.TimeseriesRequest,
	route model.RouteType,
	resp *FetchResponse,
	duration time.Duration,
	cause error,
) {
	cacheHit := resp != nil && resp.CacheHit

	if o.analytics != nil {
		row := &model.RequestAnalytics{
			RequestID:  requestID,
			Site:       req.Site,
			Route:      route,
			PointCount: len(req.NormalizedPoints()),
			CacheHit:   cacheHit,
			Success:    cause == nil,
			Duration:   duration,
		}
		if cause != nil {
			class := string(fetcherr.KindOf(cause))
			row.ErrorClass = &class
		}
		if err := o.analytics.Insert(ctx, row); err != nil && o.logger != nil {
			o.logger.WarnContext(ctx, "analytics insert failed",
				"request_id", requestID, "error", err)
		}
	}

	result := metrics.ResultSuccess
	if cause != nil {
		result = metrics.ResultError
	}
	metrics.EmitFetchRequest(o.metrics, metrics.RequestMetric{
		Site:     req.Site,
		Route:    string(route),
		CacheHit: cacheHit,
		Result:   result,
		Duration: duration,
		Err:      cause,
	})
}

// SystemStats aggregates job, queue, cache and request statistics. Job counts
// are required; the other sections degrade to empty when their backend is
// briefly unavailable rather than failing the whole read.
func (o *Orchestrator) SystemStats(ctx context.Context) (*model.SystemStats, error) {
	if o.jobs == nil {
		return nil, errors.New("job manager is not configured")
	}
	jobStats, err := o.jobs.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}

	stats := &model.SystemStats{Jobs: jobStats, QueueDepths: map[string]int64{}}

	if depths, depthsErr := o.jobs.QueueDepths(ctx); depthsErr == nil {
		stats.QueueDepths = depths
	} else if o.logger != nil {
		o.logger.WarnContext(ctx, "queue depth lookup failed", "error", depthsErr)
	}

	if o.cache != nil {
		if cacheStats, cacheErr := o.cache.Stats(ctx); cacheErr == nil {
			stats.Cache = cacheStats
		} else if o.logger != nil {
			o.logger.WarnContext(ctx, "cache stats lookup failed", "error", cacheErr)
		}
	}

	if o.analytics != nil {
		since := o.now().Add(-analyticsSummaryWindow)
		if summary, sumErr := o.analytics.Summary(ctx, since); sumErr == nil {
			stats.Analytics = summary
		} else if o.logger != nil {
			o.logger.WarnContext(ctx, "analytics summary failed", "error", sumErr)
		}
	}

	return stats, nil
}

// Sites returns the upstream site list, cached briefly so dashboard loads do
// not hammer the metering API.
func (o *Orchestrator) Sites(ctx context.Context) ([]string, error) {
	if o.blobs != nil {
		if payload, _, err := o.blobs.Get(ctx, sitesCacheKey); err == nil {
			var sites []string
			if jsonErr := json.Unmarshal(payload, &sites); jsonErr == nil {
				return sites, nil
			}
		}
	}

	sites, err := o.fetcher.Sites(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}

	if o.blobs != nil {
		if payload, jsonErr := json.Marshal(sites); jsonErr == nil {
			if putErr := o.blobs.Put(ctx, sitesCacheKey, payload, map[string]string{
				"cached_at": o.now().UTC().Format(time.RFC3339),
			}, o.cfg.SitesCacheTTL); putErr != nil && o.logger != nil {
				o.logger.WarnContext(ctx, "site list cache write failed", "error", putErr)
			}
		}
	}
	return sites, nil
}
