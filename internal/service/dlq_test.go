package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/domain/fetcherr"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
	"github.com/buildingvitals/timeseries-api/internal/observability/notify"
)

type recordingAlerter struct {
	mu       sync.Mutex
	payloads []notify.JobFailurePayload
}

func (a *recordingAlerter) NotifyJobFailure(_ context.Context, payload notify.JobFailurePayload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payloads = append(a.payloads, payload)
}

func (a *recordingAlerter) Enabled() bool { return true }

type dlqHarness struct {
	processor *DLQProcessor
	jobs      *memJobs
	queue     *memQueue
	blobs     *memBlobs
	recovery  *memRecovery
	notes     *memNotifications
	alerter   *recordingAlerter
}

func setupDLQ(t *testing.T) *dlqHarness {
	t.Helper()

	jobs := newMemJobs()
	queue := newMemQueue()
	blobs := newMemBlobs()
	recovery := &memRecovery{}
	notes := &memNotifications{}
	alerter := &recordingAlerter{}

	processor := NewDLQProcessor(DLQProcessorOptions{
		Queue: queue,
		Stores: DLQStores{
			Jobs:          jobs,
			Recovery:      recovery,
			Notifications: notes,
			Blobs:         blobs,
		},
		Alerts: alerter,
	})

	return &dlqHarness{
		processor: processor,
		jobs:      jobs,
		queue:     queue,
		blobs:     blobs,
		recovery:  recovery,
		notes:     notes,
		alerter:   alerter,
	}
}

// seedDeadJob puts a failed job row and a matching dead letter in place.
func seedDeadJob(t *testing.T, h *dlqHarness, jobID, errText, errClass string, userID *string) model.QueueMessage {
	t.Helper()
	ctx := context.Background()

	_, _, err := h.jobs.Create(ctx, &model.CreateJobRequest{
		ID:        jobID,
		Site:      "bldg1",
		Points:    []string{"bldg1/temp"},
		StartTime: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		UserID:    userID,
	})
	require.NoError(t, err)
	h.jobs.setStatus(jobID, model.JobStatusProcessing)
	if errClass != "" {
		_, _, err = h.jobs.FailOrRetry(ctx, core.FailJobParams{
			JobID:      jobID,
			ErrorText:  errText,
			ErrorClass: errClass,
		})
		require.NoError(t, err)
	}

	msg := model.QueueMessage{
		JobID:     jobID,
		Site:      "bldg1",
		Points:    []string{"bldg1/temp"},
		StartTime: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		UserID:    userID,
	}
	require.NoError(t, h.queue.DeadLetter(ctx, msg, errText))
	return msg
}

func TestDLQProcessor_EmptyBatch(t *testing.T) {
	h := setupDLQ(t)

	result, err := h.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	assert.Zero(t, result.Stored)
	assert.Zero(t, result.Recovered)
	assert.Zero(t, result.Alerted)
	assert.Zero(t, result.Errors)
}

func TestDLQProcessor_RecoverableFailure(t *testing.T) {
	h := setupDLQ(t)
	ctx := context.Background()
	seedDeadJob(t, h, "job-1", "fetch page: upstream status 503", string(fetcherr.KindTransient), nil)

	result, err := h.processor.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Recovered)
	assert.Zero(t, result.Stored)
	assert.Zero(t, result.Alerted)

	require.Len(t, h.recovery.records, 1)
	rec := h.recovery.records[0]
	assert.Equal(t, "job-1", rec.JobID)
	assert.Equal(t, model.FailureRecoverable, rec.Category)
	assert.Equal(t, model.RecoveryPending, rec.Status)
	assert.NotEmpty(t, rec.MessageBody)

	// Job row is terminal regardless of what the worker last wrote.
	job, err := h.jobs.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)

	// Raw message preserved for post-mortem.
	payload, meta, err := h.blobs.Get(ctx, "diag:job-1")
	require.NoError(t, err)
	assert.NotEmpty(t, payload)
	assert.Equal(t, "bldg1", meta["site"])

	// The dead channel is drained.
	assert.Empty(t, h.queue.dead)
}

func TestDLQProcessor_RecoverableIsIdempotent(t *testing.T) {
	h := setupDLQ(t)
	ctx := context.Background()

	seedDeadJob(t, h, "job-1", "timeout while fetching", string(fetcherr.KindTransient), nil)
	_, err := h.processor.ProcessBatch(ctx)
	require.NoError(t, err)

	// The same job dead-lettered again must not duplicate the record.
	seedDeadJob(t, h, "job-1", "timeout while fetching", string(fetcherr.KindTransient), nil)
	result, err := h.processor.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Zero(t, result.Recovered)
	assert.Len(t, h.recovery.records, 1)
}

func TestDLQProcessor_UserErrorNotifiesUser(t *testing.T) {
	h := setupDLQ(t)
	ctx := context.Background()
	userID := "user-42"
	seedDeadJob(t, h, "job-2", "fetch page: upstream status 403", string(fetcherr.KindClientFault), &userID)

	result, err := h.processor.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stored)

	require.Len(t, h.notes.notes, 1)
	note := h.notes.notes[0]
	assert.Equal(t, "user-42", note.UserID)
	assert.Equal(t, "job-2", note.JobID)
	assert.Contains(t, note.Message, "bldg1")
	assert.Contains(t, note.Message, "1 point(s)")
	assert.Contains(t, note.Message, "403")
	assert.Empty(t, h.alerter.payloads)
	assert.Empty(t, h.recovery.records)
}

func TestDLQProcessor_UserErrorWithoutUserSkipsNotification(t *testing.T) {
	h := setupDLQ(t)
	seedDeadJob(t, h, "job-3", "bad request: inverted time range", string(fetcherr.KindClientFault), nil)

	result, err := h.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Stored)
	assert.Empty(t, h.notes.notes)
}

func TestDLQProcessor_SystemErrorAlertsOperators(t *testing.T) {
	h := setupDLQ(t)
	seedDeadJob(t, h, "job-4", "persist result: store unavailable", string(fetcherr.KindServerFault), nil)

	result, err := h.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Alerted)

	require.Len(t, h.alerter.payloads, 1)
	payload := h.alerter.payloads[0]
	assert.Equal(t, "job-4", payload.JobID)
	assert.Equal(t, "bldg1", payload.Site)
	assert.Equal(t, string(model.FailureSystemError), payload.Category)
	assert.Equal(t, notify.SeverityCritical, payload.Severity)
	assert.Equal(t, "1", payload.Metadata["points"])
}

func TestDLQProcessor_StorageFailureDoesNotBlockAck(t *testing.T) {
	h := setupDLQ(t)
	h.recovery.createErr = assert.AnError
	seedDeadJob(t, h, "job-5", "timeout", string(fetcherr.KindTransient), nil)

	result, err := h.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Errors)
	assert.Empty(t, h.queue.dead)
}

func TestDLQProcessor_StatsAndRecentFailures(t *testing.T) {
	h := setupDLQ(t)
	ctx := context.Background()
	seedDeadJob(t, h, "job-6", "timeout", string(fetcherr.KindTransient), nil)
	_, err := h.processor.ProcessBatch(ctx)
	require.NoError(t, err)

	stats, err := h.processor.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.ByCategory[model.FailureRecoverable])

	records, err := h.processor.ListRecentFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "job-6", records[0].JobID)
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name     string
		errClass string
		errText  string
		want     model.FailureCategory
	}{
		{"stored transient class wins", "transient", "something opaque", model.FailureRecoverable},
		{"stored client fault class wins", "client_fault", "something opaque", model.FailureUserError},
		{"stored server fault class wins", "server_fault", "something opaque", model.FailureSystemError},
		{"timeout phrase", "", "context deadline exceeded: timed out", model.FailureRecoverable},
		{"rate limit phrase", "", "upstream said 429 too many requests", model.FailureRecoverable},
		{"auth phrase", "", "upstream status 401 unauthorized", model.FailureUserError},
		{"internal phrase", "", "internal server error from metering api", model.FailureSystemError},
		{"no signal", "", "something went sideways", model.FailureUnknown},
		{"unknown class falls back to text", "unknown", "request timed out", model.FailureRecoverable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyFailure(tt.errClass, tt.errText))
		})
	}
}
