package model

import "time"

// RequestAnalytics is one append-only observability row per fetch request.
// It never participates in correctness decisions.
type RequestAnalytics struct {
	ID         string        `json:"id"                 db:"id"`
	RequestID  string        `json:"requestId"          db:"request_id"`
	Site       string        `json:"site"               db:"site"`
	Route      RouteType     `json:"route"              db:"route"`
	PointCount int           `json:"pointCount"         db:"point_count"`
	CacheHit   bool          `json:"cacheHit"           db:"cache_hit"`
	Success    bool          `json:"success"            db:"success"`
	Duration   time.Duration `json:"duration"           db:"duration_ms"`
	ErrorClass *string       `json:"errorClass,omitempty" db:"error_class"`
	CreatedAt  time.Time     `json:"createdAt"          db:"created_at"`
}

// AnalyticsSummary aggregates request analytics for the stats endpoint.
type AnalyticsSummary struct {
	TotalRequests int64               `json:"totalRequests"`
	CacheHits     int64               `json:"cacheHits"`
	Failures      int64               `json:"failures"`
	ByRoute       map[RouteType]int64 `json:"byRoute"`
	AvgDurationMS float64             `json:"avgDurationMs"`
}

// SystemStats combines job, queue, cache and request bookkeeping for the
// stats endpoint. Cache and Analytics are omitted when their backend is
// unavailable.
type SystemStats struct {
	Jobs        *JobStats         `json:"jobs"`
	QueueDepths map[string]int64  `json:"queueDepths"`
	Cache       *CacheStats       `json:"cache,omitempty"`
	Analytics   *AnalyticsSummary `json:"analytics,omitempty"`
}
