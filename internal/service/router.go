package service

import (
	"math"
	"time"

	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

// Routing defaults. True sample density is unknown until fetched, so the
// estimate is a deliberately coarse heuristic.
const (
	DefaultSamplesPerDay  = 100
	DefaultSmallThreshold = 1_000
	DefaultLargeThreshold = 100_000
)

// RouterConfig tunes the size estimator thresholds.
type RouterConfig struct {
	SamplesPerDay  int64
	SmallThreshold int64
	LargeThreshold int64
}

// Router assigns each request one of three execution strategies based on an
// estimate of how many samples it will produce. Pure and side-effect free.
type Router struct {
	samplesPerDay  int64
	smallThreshold int64
	largeThreshold int64
}

// NewRouter constructs a Router, applying defaults for unset fields.
func NewRouter(cfg RouterConfig) *Router {
	samplesPerDay := cfg.SamplesPerDay
	if samplesPerDay <= 0 {
		samplesPerDay = DefaultSamplesPerDay
	}
	smallThreshold := cfg.SmallThreshold
	if smallThreshold <= 0 {
		smallThreshold = DefaultSmallThreshold
	}
	largeThreshold := cfg.LargeThreshold
	if largeThreshold <= smallThreshold {
		largeThreshold = DefaultLargeThreshold
	}

	return &Router{
		samplesPerDay:  samplesPerDay,
		smallThreshold: smallThreshold,
		largeThreshold: largeThreshold,
	}
}

// EstimateSamples returns the estimated sample count for pointCount points
// over the given range. Ranges shorter than a day count as one day.
func (r *Router) EstimateSamples(pointCount int, start, end time.Time) int64 {
	if pointCount <= 0 || end.Before(start) {
		return 0
	}
	days := int64(math.Ceil(end.Sub(start).Hours() / 24))
	if days < 1 {
		days = 1
	}
	return int64(pointCount) * days * r.samplesPerDay
}

// Route picks the execution strategy for a request. A valid caller-supplied
// override always wins.
func (r *Router) Route(pointCount int, start, end time.Time, override model.RouteType) (model.RouteType, int64) {
	estimated := r.EstimateSamples(pointCount, start, end)
	if override.Valid() {
		return override, estimated
	}

	switch {
	case estimated < r.smallThreshold:
		return model.RouteDirect, estimated
	case estimated < r.largeThreshold:
		return model.RouteCached, estimated
	default:
		return model.RouteQueued, estimated
	}
}
