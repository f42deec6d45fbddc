// Package model defines the core data types used throughout the timeseries fetch system.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current status of a fetch job.
type JobStatus string

// JobPriority is a queue-ordering hint; it never affects correctness.
type JobPriority string

const (
	// JobStatusQueued indicates the job is waiting to be picked up by a worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusProcessing indicates a worker is currently fetching data for the job.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates the job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job exhausted its retry budget.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed transiently and is awaiting re-delivery.
	JobStatusRetrying JobStatus = "retrying"
	// JobStatusCancelled indicates the job was cancelled before reaching a terminal state.
	JobStatusCancelled JobStatus = "cancelled"

	// PriorityLow is for jobs that can wait behind everything else.
	PriorityLow JobPriority = "low"
	// PriorityNormal is the default ordering hint.
	PriorityNormal JobPriority = "normal"
	// PriorityHigh is for jobs that should jump the queue.
	PriorityHigh JobPriority = "high"
)

// ErrNoMessagesAvailable is returned when the queue has nothing to deliver.
var ErrNoMessagesAvailable = errors.New("no messages available")

// Valid returns true if the JobStatus is one of the defined states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted,
		JobStatusFailed, JobStatusRetrying, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal returns true if no further transitions are allowed out of the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ValidTransition reports whether the state machine permits moving from one
// status to another. Terminal states never transition; cancellation is allowed
// from any non-terminal state.
func ValidTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == JobStatusCancelled {
		return true
	}
	switch from {
	case JobStatusQueued:
		return to == JobStatusProcessing
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusRetrying || to == JobStatusFailed
	case JobStatusRetrying:
		return to == JobStatusProcessing
	default:
		return false
	}
}

// UnmarshalText implements encoding.TextUnmarshaler for JobPriority to allow
// env and JSON parsing. Empty text means the zero value and decodes as normal.
func (p *JobPriority) UnmarshalText(text []byte) error {
	v := JobPriority(strings.ToLower(strings.TrimSpace(string(text))))
	if v == "" {
		*p = PriorityNormal
		return nil
	}
	if !v.Valid() {
		return fmt.Errorf("invalid JobPriority: %q", v)
	}
	*p = v
	return nil
}

// Valid returns true if the JobPriority is one of the defined levels.
func (p JobPriority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// FetchJob represents one queued fetch request with its lifecycle bookkeeping.
type FetchJob struct {
	ID            string      `json:"jobId"                 db:"id"`
	Site          string      `json:"site"                  db:"site"`
	Points        []string    `json:"points"                db:"points"`
	StartTime     time.Time   `json:"startTime"             db:"start_time"`
	EndTime       time.Time   `json:"endTime"               db:"end_time"`
	UserID        *string     `json:"userId,omitempty"      db:"user_id"`
	Status        JobStatus   `json:"status"                db:"status"`
	Priority      JobPriority `json:"priority"              db:"priority"`
	Progress      int         `json:"progress"              db:"progress"`
	EstimatedSize int64       `json:"estimatedSize"         db:"estimated_size"`
	SamplesCount  int64       `json:"samplesCount"          db:"samples_count"`
	DataSize      int64       `json:"dataSize"              db:"data_size"`
	CacheKey      *string     `json:"cacheKey,omitempty"    db:"cache_key"`
	LastError     *string     `json:"error,omitempty"       db:"last_error"`
	ErrorClass    *string     `json:"errorClass,omitempty"  db:"error_class"`
	RetryCount    int         `json:"retryCount"            db:"retry_count"`
	MaxRetries    int         `json:"maxRetries"            db:"max_retries"`
	Truncated     bool        `json:"truncated"             db:"truncated"`
	CreatedAt     time.Time   `json:"createdAt"             db:"created_at"`
	StartedAt     *time.Time  `json:"startedAt,omitempty"   db:"started_at"`
	CompletedAt   *time.Time  `json:"completedAt,omitempty" db:"completed_at"`
	FailedAt      *time.Time  `json:"failedAt,omitempty"    db:"failed_at"`
	CancelledAt   *time.Time  `json:"cancelledAt,omitempty" db:"cancelled_at"`
	UpdatedAt     time.Time   `json:"updatedAt"             db:"updated_at"`
}

// CreateJobRequest represents a request to persist a new fetch job.
type CreateJobRequest struct {
	ID            string      `json:"jobId"`
	Site          string      `json:"site"`
	Points        []string    `json:"points"`
	StartTime     time.Time   `json:"startTime"`
	EndTime       time.Time   `json:"endTime"`
	UserID        *string     `json:"userId,omitempty"`
	Priority      JobPriority `json:"priority,omitempty"`
	EstimatedSize int64       `json:"estimatedSize,omitempty"`
	CacheKey      *string     `json:"cacheKey,omitempty"`
	MaxRetries    int         `json:"maxRetries"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(r.Site) == "" {
		return errors.New("site is required")
	}
	if len(r.Points) == 0 {
		return errors.New("at least one point is required")
	}
	if r.EndTime.Before(r.StartTime) {
		return errors.New("end time must not precede start time")
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return fmt.Errorf("invalid priority: %q", r.Priority)
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// JobStats represents counts of jobs in each state.
type JobStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Retrying   int `json:"retrying"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// QueueMessage is the payload carried by the durable queue for one fetch job.
// The job row is authoritative for lifecycle state; the message only carries
// identity and execution options needed to process the job.
type QueueMessage struct {
	JobID          string    `json:"jobId"`
	Site           string    `json:"site"`
	Points         []string  `json:"points"`
	StartTime      time.Time `json:"startTime"`
	EndTime        time.Time `json:"endTime"`
	UserID         *string   `json:"userId,omitempty"`
	Format         string    `json:"format,omitempty"`
	PersistToCache bool      `json:"persistToCache"`
	CacheKey       string    `json:"cacheKey,omitempty"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}
