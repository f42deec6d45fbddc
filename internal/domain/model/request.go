package model

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// RouteType identifies which execution strategy a request was assigned.
type RouteType string

const (
	// RouteDirect executes the fetch synchronously in the caller's request.
	RouteDirect RouteType = "direct"
	// RouteCached consults the object cache before fetching synchronously.
	RouteCached RouteType = "cached"
	// RouteQueued turns the request into a durable background job.
	RouteQueued RouteType = "queued"
)

// Valid returns true if the RouteType is one of the defined routes.
func (r RouteType) Valid() bool {
	return r == RouteDirect || r == RouteCached || r == RouteQueued
}

// TimeseriesRequest is the normalized identity of a fetch: one site, a set of
// points and a half-open time range. Point order is not significant.
type TimeseriesRequest struct {
	Site      string    `json:"site"`
	Points    []string  `json:"points"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	UserID    *string   `json:"userId,omitempty"`
	Format    string    `json:"format,omitempty"`
}

// Validate checks the request is well-formed.
func (r *TimeseriesRequest) Validate() error {
	if strings.TrimSpace(r.Site) == "" {
		return errors.New("site is required")
	}
	if len(r.Points) == 0 {
		return errors.New("at least one point is required")
	}
	for _, p := range r.Points {
		if strings.TrimSpace(p) == "" {
			return errors.New("point names must be non-empty")
		}
	}
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return errors.New("start and end time are required")
	}
	if r.EndTime.Before(r.StartTime) {
		return errors.New("end time must not precede start time")
	}
	return nil
}

// NormalizedPoints returns the point list sorted and deduplicated. Two requests
// naming the same points in any order share the same normalized form.
func (r *TimeseriesRequest) NormalizedPoints() []string {
	points := slices.Clone(r.Points)
	slices.Sort(points)
	return slices.Compact(points)
}

// Sample is one time-stamped reading for a point.
type Sample struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// PointSeries maps a point name to its ordered samples.
type PointSeries map[string][]Sample

// TotalSamples returns the sample count across all points.
func (ps PointSeries) TotalSamples() int64 {
	var n int64
	for _, samples := range ps {
		n += int64(len(samples))
	}
	return n
}

// FetchResult is the outcome of a complete paginated fetch.
type FetchResult struct {
	Series    PointSeries `json:"series"`
	Pages     int         `json:"pages"`
	Truncated bool        `json:"truncated"`
}
