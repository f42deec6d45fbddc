// Package core defines the ports between the service layer and the storage,
// queue and upstream adapters. Services depend on these interfaces, never on
// concrete backends, so every backend can be swapped for a fake in tests.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

// ErrBlobNotFound is returned by BlobStore reads for missing or expired keys.
var ErrBlobNotFound = errors.New("blob not found")

// ErrJobNotFound is returned by JobRepository reads for job ids with no row.
var ErrJobNotFound = errors.New("job not found")

// CompleteJobParams groups the result bookkeeping written when a job completes.
type CompleteJobParams struct {
	JobID        string
	SamplesCount int64
	DataSize     int64
	CacheKey     string
	Truncated    bool
}

// FailJobParams groups the bookkeeping written when a job attempt fails.
type FailJobParams struct {
	JobID      string
	ErrorText  string
	ErrorClass string
}

// JobRepository is the row-store port for fetch job lifecycle state. All
// mutations are single-row conditional writes; a false return means the row
// was not in a status that permits the transition.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.FetchJob, bool, error)
	GetByID(ctx context.Context, id string) (*model.FetchJob, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	UpdateProgress(ctx context.Context, id string, progress int) error
	Complete(ctx context.Context, params CompleteJobParams) (bool, error)
	// FailOrRetry applies the retry policy to a processing job: moves it to
	// retrying while budget remains, to failed once exhausted. The returned
	// status reflects the row after the write.
	FailOrRetry(ctx context.Context, params FailJobParams) (model.JobStatus, int, error)
	// MarkFailed forces a non-terminal job to failed regardless of budget.
	// Used by the dead-letter path; idempotent when the row is already failed.
	MarkFailed(ctx context.Context, params FailJobParams) (bool, error)
	Cancel(ctx context.Context, id string) (bool, error)
	// Reset revives a failed or cancelled job back to queued with a clean
	// retry budget, so an identical request can run again after a terminal
	// failure without waiting for archival.
	Reset(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (*model.JobStats, error)
	ListRecent(ctx context.Context, limit int) ([]*model.FetchJob, error)
	// ArchiveTerminal moves terminal jobs older than the cutoff into the
	// history table and returns how many rows moved.
	ArchiveTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}

// BlobStore is the content-addressed object store port. Implementations keep
// payload bytes and a small string-keyed metadata document per key.
type BlobStore interface {
	Put(ctx context.Context, key string, payload []byte, metadata map[string]string, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, map[string]string, error)
	Metadata(ctx context.Context, key string) (map[string]string, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Delivery is one at-least-once message handed to a consumer. Attempt counts
// deliveries of this message including the current one; it is advisory, the
// job row's retry count is authoritative. Stream identifies the channel the
// message came from and must be passed back on Ack.
type Delivery struct {
	MessageID string
	Stream    string
	Message   model.QueueMessage
	Attempt   int64
	ErrorText string
}

// DurableQueue is the at-least-once message channel port for fetch jobs.
// Receive blocks up to the implementation's poll interval; unacked messages
// become eligible for redelivery after the visibility timeout.
type DurableQueue interface {
	Send(ctx context.Context, msg model.QueueMessage, priority model.JobPriority) error
	// SendDelayed schedules delivery after the given delay (retry backoff).
	SendDelayed(ctx context.Context, msg model.QueueMessage, priority model.JobPriority, delay time.Duration) error
	Receive(ctx context.Context, max int64) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// DeadLetter routes a message to the dead-letter channel with its final error.
	DeadLetter(ctx context.Context, msg model.QueueMessage, errText string) error
	ReceiveDLQ(ctx context.Context, max int64) ([]Delivery, error)
	AckDLQ(ctx context.Context, d Delivery) error
	Depths(ctx context.Context) (map[string]int64, error)
}

// AnalyticsRepository is the append-only request analytics port.
type AnalyticsRepository interface {
	Insert(ctx context.Context, rec *model.RequestAnalytics) error
	Summary(ctx context.Context, since time.Time) (*model.AnalyticsSummary, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CreateRecoveryParams groups fields for a new dead-letter recovery record.
type CreateRecoveryParams struct {
	JobID       string
	MessageBody []byte
	ErrorText   string
	Category    model.FailureCategory
	RetryCount  int
}

// RecoveryRepository is the port for dead-letter recovery records.
type RecoveryRepository interface {
	// Create inserts a pending record unless one already exists for the job;
	// the bool reports whether a new record was written.
	Create(ctx context.Context, params CreateRecoveryParams) (bool, error)
	Stats(ctx context.Context) (*model.DLQStats, error)
	ListRecent(ctx context.Context, limit int) ([]*model.RecoveryRecord, error)
	UpdateStatus(ctx context.Context, id string, status model.RecoveryStatus) (bool, error)
}

// NotificationRepository stores user-facing failure notifications.
type NotificationRepository interface {
	Create(ctx context.Context, n *model.UserNotification) error
	ListForUser(ctx context.Context, userID string, limit int) ([]*model.UserNotification, error)
}

// CacheIndexRepository mirrors blob-store metadata into the row store for fast
// aggregate queries. Redundant with blob metadata on purpose.
type CacheIndexRepository interface {
	Upsert(ctx context.Context, key string, meta model.CacheMetadata) error
	Remove(ctx context.Context, key string) error
	Stats(ctx context.Context) (*model.CacheStats, error)
}

// ProgressFunc receives coarse fetch progress in the range 0-100.
type ProgressFunc func(percent int)

// FetchOptions tunes one upstream fetch.
type FetchOptions struct {
	Timeout  time.Duration
	Progress ProgressFunc
}

// UpstreamFetcher is the paginated metering-API port.
type UpstreamFetcher interface {
	FetchAll(ctx context.Context, req *model.TimeseriesRequest, opts FetchOptions) (*model.FetchResult, error)
	Sites(ctx context.Context) ([]string, error)
}
