// Package testutil provides testing utilities and helpers for the timeseries fetch system.
package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
func NewJobRequest() *JobRequestBuilder {
	start := TestTime().Add(-24 * time.Hour)
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			ID:         uuid.NewString(),
			Site:       "plant-a",
			Points:     []string{"chiller1.power"},
			StartTime:  start,
			EndTime:    TestTime(),
			Priority:   model.PriorityNormal,
			MaxRetries: 3,
		},
	}
}

// WithID sets the job ID.
func (b *JobRequestBuilder) WithID(id string) *JobRequestBuilder {
	b.req.ID = id
	return b
}

// WithSite sets the site.
func (b *JobRequestBuilder) WithSite(site string) *JobRequestBuilder {
	b.req.Site = site
	return b
}

// WithPoints sets the point names.
func (b *JobRequestBuilder) WithPoints(points ...string) *JobRequestBuilder {
	b.req.Points = points
	return b
}

// WithWindow sets the fetch window.
func (b *JobRequestBuilder) WithWindow(start, end time.Time) *JobRequestBuilder {
	b.req.StartTime = start
	b.req.EndTime = end
	return b
}

// WithUserID sets the requesting user.
func (b *JobRequestBuilder) WithUserID(userID string) *JobRequestBuilder {
	b.req.UserID = &userID
	return b
}

// WithPriority sets the job priority.
func (b *JobRequestBuilder) WithPriority(priority model.JobPriority) *JobRequestBuilder {
	b.req.Priority = priority
	return b
}

// WithEstimatedSize sets the estimated sample count.
func (b *JobRequestBuilder) WithEstimatedSize(size int64) *JobRequestBuilder {
	b.req.EstimatedSize = size
	return b
}

// WithCacheKey sets the cache key the job result should land under.
func (b *JobRequestBuilder) WithCacheKey(key string) *JobRequestBuilder {
	b.req.CacheKey = &key
	return b
}

// WithMaxRetries sets the retry budget.
func (b *JobRequestBuilder) WithMaxRetries(max int) *JobRequestBuilder {
	b.req.MaxRetries = max
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	copied := *b.req
	return &copied
}

// TimeseriesRequestBuilder provides a fluent interface for building TimeseriesRequest objects for testing.
type TimeseriesRequestBuilder struct {
	req *model.TimeseriesRequest
}

// NewTimeseriesRequest creates a new TimeseriesRequestBuilder with sensible defaults.
func NewTimeseriesRequest() *TimeseriesRequestBuilder {
	return &TimeseriesRequestBuilder{
		req: &model.TimeseriesRequest{
			Site:      "plant-a",
			Points:    []string{"chiller1.power"},
			StartTime: TestTime().Add(-24 * time.Hour),
			EndTime:   TestTime(),
		},
	}
}

// WithSite sets the site.
func (b *TimeseriesRequestBuilder) WithSite(site string) *TimeseriesRequestBuilder {
	b.req.Site = site
	return b
}

// WithPoints sets the point names.
func (b *TimeseriesRequestBuilder) WithPoints(points ...string) *TimeseriesRequestBuilder {
	b.req.Points = points
	return b
}

// WithWindow sets the fetch window.
func (b *TimeseriesRequestBuilder) WithWindow(start, end time.Time) *TimeseriesRequestBuilder {
	b.req.StartTime = start
	b.req.EndTime = end
	return b
}

// WithUserID sets the requesting user.
func (b *TimeseriesRequestBuilder) WithUserID(userID string) *TimeseriesRequestBuilder {
	b.req.UserID = &userID
	return b
}

// WithFormat sets the response format.
func (b *TimeseriesRequestBuilder) WithFormat(format string) *TimeseriesRequestBuilder {
	b.req.Format = format
	return b
}

// Build returns the constructed TimeseriesRequest.
func (b *TimeseriesRequestBuilder) Build() *model.TimeseriesRequest {
	copied := *b.req
	return &copied
}
