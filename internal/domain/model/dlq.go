package model

import "time"

// FailureCategory classifies why a job exhausted its retry budget.
type FailureCategory string

const (
	// FailureRecoverable covers transient upstream conditions worth re-queueing.
	FailureRecoverable FailureCategory = "RECOVERABLE"
	// FailureUserError covers failures caused by the original request itself.
	FailureUserError FailureCategory = "USER_ERROR"
	// FailureSystemError covers internal faults that need operator attention.
	FailureSystemError FailureCategory = "SYSTEM_ERROR"
	// FailureUnknown is the fallback when no signal matches.
	FailureUnknown FailureCategory = "UNKNOWN"
)

// RecoveryStatus tracks the lifecycle of a dead-lettered job's recovery record.
type RecoveryStatus string

const (
	// RecoveryPending marks a record awaiting manual or automated re-queue.
	RecoveryPending RecoveryStatus = "pending"
	// RecoveryRecovered marks a record whose job was successfully re-queued.
	RecoveryRecovered RecoveryStatus = "recovered"
	// RecoveryAbandoned marks a record an operator gave up on.
	RecoveryAbandoned RecoveryStatus = "abandoned"
)

// RecoveryRecord captures a permanently failed job for post-mortem and re-queue.
type RecoveryRecord struct {
	ID          string          `json:"id"          db:"id"`
	JobID       string          `json:"jobId"       db:"job_id"`
	MessageBody []byte          `json:"-"           db:"message_body"`
	ErrorText   string          `json:"errorText"   db:"error_text"`
	Category    FailureCategory `json:"category"    db:"category"`
	RetryCount  int             `json:"retryCount"  db:"retry_count"`
	Status      RecoveryStatus  `json:"status"      db:"status"`
	CreatedAt   time.Time       `json:"createdAt"   db:"created_at"`
	UpdatedAt   time.Time       `json:"updatedAt"   db:"updated_at"`
}

// UserNotification is a stored, user-facing explanation of a failed request.
type UserNotification struct {
	ID        string    `json:"id"        db:"id"`
	UserID    string    `json:"userId"    db:"user_id"`
	JobID     string    `json:"jobId"     db:"job_id"`
	Title     string    `json:"title"     db:"title"`
	Message   string    `json:"message"   db:"message"`
	Read      bool      `json:"read"      db:"read"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// DLQBatchResult reports the outcome of one dead-letter batch. Processed
// counts deliveries consumed; Recovered counts recovery records created,
// Stored counts user notifications written.
type DLQBatchResult struct {
	Processed int `json:"processed"`
	Stored    int `json:"stored"`
	Alerted   int `json:"alerted"`
	Recovered int `json:"recovered"`
	Errors    int `json:"errors"`
}

// DLQStats summarizes recovery-queue state for operational dashboards.
type DLQStats struct {
	Pending    int64                     `json:"pending"`
	Recovered  int64                     `json:"recovered"`
	Abandoned  int64                     `json:"abandoned"`
	ByCategory map[FailureCategory]int64 `json:"byCategory"`
}
