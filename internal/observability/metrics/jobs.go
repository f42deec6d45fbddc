package metrics

import (
	"time"

	obserrors "github.com/buildingvitals/timeseries-api/internal/observability/errors"
	"github.com/buildingvitals/timeseries-api/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a fetch job lifecycle event for metric emission.
type JobMetric struct {
	Site       string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"site":       in.Site,
		"transition": in.Transition,
		"result":     in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// RequestMetric captures one orchestrated timeseries request.
type RequestMetric struct {
	Site     string
	Route    string
	CacheHit bool
	Result   string
	Duration time.Duration
	Err      error
}

// EmitFetchRequest emits per-request routing metrics.
func EmitFetchRequest(sink statsd.Sink, in RequestMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"site":   in.Site,
		"route":  in.Route,
		"result": in.Result,
	}
	if in.CacheHit {
		tags["cache"] = "hit"
	} else {
		tags["cache"] = "miss"
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("request.fetch", 1, tags)
	if in.Duration > 0 {
		sink.Timing("request.duration", in.Duration, CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
