package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/domain/fetcherr"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

type jobManagerHarness struct {
	manager *JobManager
	jobs    *memJobs
	queue   *memQueue
	blobs   *memBlobs
	cache   *CacheStore
	fetcher *fakeFetcher
}

func setupJobManager(t *testing.T, fetcher *fakeFetcher) *jobManagerHarness {
	t.Helper()

	jobs := newMemJobs()
	queue := newMemQueue()
	blobs := newMemBlobs()
	cache := NewCacheStore(CacheStoreOptions{Blobs: blobs})

	if fetcher == nil {
		fetcher = &fakeFetcher{
			fetchAll: func(context.Context, *model.TimeseriesRequest, core.FetchOptions) (*model.FetchResult, error) {
				return singleSeriesResult("bldg1/temp", 3), nil
			},
		}
	}

	manager := NewJobManager(JobManagerOptions{
		Jobs:    jobs,
		Queue:   queue,
		Fetcher: fetcher,
		Cache:   cache,
		Config: JobManagerConfig{
			MaxRetries:     3,
			BaseRetryDelay: time.Second,
			MaxRetryDelay:  5 * time.Second,
		},
	})

	return &jobManagerHarness{
		manager: manager,
		jobs:    jobs,
		queue:   queue,
		blobs:   blobs,
		cache:   cache,
		fetcher: fetcher,
	}
}

func testTimeseriesRequest() *model.TimeseriesRequest {
	return &model.TimeseriesRequest{
		Site:      "bldg1",
		Points:    []string{"bldg1/temp", "bldg1/rh"},
		StartTime: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	}
}

func TestJobManager_QueueLargeRequest(t *testing.T) {
	h := setupJobManager(t, nil)
	ctx := context.Background()
	req := testTimeseriesRequest()

	job, created, err := h.manager.QueueLargeRequest(ctx, req, model.PriorityHigh, 700_000)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, model.PriorityHigh, job.Priority)
	assert.Equal(t, int64(700_000), job.EstimatedSize)
	require.NotNil(t, job.CacheKey)
	assert.Equal(t, h.cache.Key(req), *job.CacheKey)

	require.Len(t, h.queue.sent, 1)
	msg := h.queue.sent[0]
	assert.Equal(t, model.PriorityHigh, msg.Priority)
	assert.Equal(t, job.ID, msg.Msg.JobID)
	assert.True(t, msg.Msg.PersistToCache)
	assert.Equal(t, *job.CacheKey, msg.Msg.CacheKey)
	assert.Equal(t, []string{"bldg1/rh", "bldg1/temp"}, msg.Msg.Points)
}

func TestJobManager_QueueLargeRequestCoalesces(t *testing.T) {
	h := setupJobManager(t, nil)
	ctx := context.Background()
	req := testTimeseriesRequest()

	first, created, err := h.manager.QueueLargeRequest(ctx, req, model.PriorityNormal, 0)
	require.NoError(t, err)
	require.True(t, created)

	t.Run("live job is reused", func(t *testing.T) {
		// Same points in a different order: same normalized identity.
		dup := testTimeseriesRequest()
		dup.Points = []string{"bldg1/rh", "bldg1/temp"}

		second, created, err := h.manager.QueueLargeRequest(ctx, dup, model.PriorityNormal, 0)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.Len(t, h.queue.sent, 1)
	})

	t.Run("completed job is reused", func(t *testing.T) {
		h.jobs.setStatus(first.ID, model.JobStatusCompleted)

		second, created, err := h.manager.QueueLargeRequest(ctx, req, model.PriorityNormal, 0)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, model.JobStatusCompleted, second.Status)
		assert.Len(t, h.queue.sent, 1)
	})

	t.Run("failed job is revived", func(t *testing.T) {
		h.jobs.setStatus(first.ID, model.JobStatusFailed)

		second, created, err := h.manager.QueueLargeRequest(ctx, req, model.PriorityNormal, 0)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, model.JobStatusQueued, second.Status)
		assert.Zero(t, second.RetryCount)
		assert.Len(t, h.queue.sent, 2)
	})
}

func TestJobManager_QueueLargeRequestEnqueueFailure(t *testing.T) {
	h := setupJobManager(t, nil)
	h.queue.sendErr = errors.New("stream unavailable")
	ctx := context.Background()

	_, _, err := h.manager.QueueLargeRequest(ctx, testTimeseriesRequest(), model.PriorityNormal, 0)
	require.Error(t, err)

	// The orphaned row must not sit queued forever.
	jobID := h.manager.JobID(testTimeseriesRequest())
	job, getErr := h.jobs.GetByID(ctx, jobID)
	require.NoError(t, getErr)
	assert.Equal(t, model.JobStatusFailed, job.Status)
}

func TestJobManager_QueueLargeRequestInvalid(t *testing.T) {
	h := setupJobManager(t, nil)

	req := testTimeseriesRequest()
	req.Points = nil

	_, _, err := h.manager.QueueLargeRequest(context.Background(), req, model.PriorityNormal, 0)
	require.Error(t, err)
	assert.Equal(t, fetcherr.KindClientFault, fetcherr.KindOf(err))
}

func TestJobManager_ProcessJobSuccess(t *testing.T) {
	var progressSeen []int
	fetcher := &fakeFetcher{
		fetchAll: func(_ context.Context, req *model.TimeseriesRequest, opts core.FetchOptions) (*model.FetchResult, error) {
			if opts.Progress != nil {
				opts.Progress(50)
			}
			progressSeen = append(progressSeen, 50)
			return singleSeriesResult(req.Points[0], 4), nil
		},
	}
	h := setupJobManager(t, fetcher)
	ctx := context.Background()
	req := testTimeseriesRequest()

	job, _, err := h.manager.QueueLargeRequest(ctx, req, model.PriorityNormal, 0)
	require.NoError(t, err)

	deliveries, err := h.queue.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	require.NoError(t, h.manager.ProcessJob(ctx, deliveries[0]))

	done, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, int64(4), done.SamplesCount)
	assert.Positive(t, done.DataSize)
	assert.NotEmpty(t, progressSeen)

	entry, err := h.cache.Get(ctx, *done.CacheKey)
	require.NoError(t, err)
	var payload TimeseriesPayload
	require.NoError(t, json.Unmarshal(entry.Payload, &payload))
	assert.Equal(t, "bldg1", payload.Site)
	assert.Equal(t, int64(4), payload.SamplesCount)
	assert.Len(t, payload.Series["bldg1/rh"], 4)
}

func TestJobManager_ProcessJobDropsStaleMessages(t *testing.T) {
	h := setupJobManager(t, &fakeFetcher{
		fetchAll: func(context.Context, *model.TimeseriesRequest, core.FetchOptions) (*model.FetchResult, error) {
			t.Fatal("fetch must not run for stale messages")
			return nil, nil
		},
	})
	ctx := context.Background()

	t.Run("unknown job", func(t *testing.T) {
		err := h.manager.ProcessJob(ctx, core.Delivery{
			Message: model.QueueMessage{JobID: "ghost", Site: "bldg1"},
		})
		require.NoError(t, err)
	})

	t.Run("terminal job", func(t *testing.T) {
		job, _, err := h.manager.QueueLargeRequest(ctx, testTimeseriesRequest(), model.PriorityNormal, 0)
		require.NoError(t, err)
		h.jobs.setStatus(job.ID, model.JobStatusCancelled)

		deliveries, err := h.queue.Receive(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, h.manager.ProcessJob(ctx, deliveries[0]))
		assert.Zero(t, h.fetcher.calls)
	})

	t.Run("job claimed by another worker", func(t *testing.T) {
		job, _, err := h.manager.QueueLargeRequest(ctx, requestSized(40, 200), model.PriorityNormal, 0)
		require.NoError(t, err)
		h.jobs.setStatus(job.ID, model.JobStatusProcessing)

		deliveries, err := h.queue.Receive(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, h.manager.ProcessJob(ctx, deliveries[0]))
		assert.Zero(t, h.fetcher.calls)

		current, err := h.jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, current.Status)
	})
}

func TestJobManager_ProcessJobRetriesThenDeadLetters(t *testing.T) {
	fetcher := &fakeFetcher{
		fetchAll: func(context.Context, *model.TimeseriesRequest, core.FetchOptions) (*model.FetchResult, error) {
			return nil, fetcherr.FromStatus("fetch page", 503, nil)
		},
	}
	h := setupJobManager(t, fetcher)
	ctx := context.Background()

	job, _, err := h.manager.QueueLargeRequest(ctx, testTimeseriesRequest(), model.PriorityHigh, 0)
	require.NoError(t, err)

	deliveries, err := h.queue.Receive(ctx, 1)
	require.NoError(t, err)
	msg := deliveries[0]

	// Attempt 1 of 3: scheduled for retry with base backoff.
	require.NoError(t, h.manager.ProcessJob(ctx, msg))
	current, _ := h.jobs.GetByID(ctx, job.ID)
	assert.Equal(t, model.JobStatusRetrying, current.Status)
	assert.Equal(t, 1, current.RetryCount)
	require.Len(t, h.queue.delayed, 1)
	assert.Equal(t, time.Second, h.queue.delayed[0].Delay)
	assert.Equal(t, model.PriorityHigh, h.queue.delayed[0].Priority)

	// Attempt 2 of 3: backoff doubles.
	require.NoError(t, h.manager.ProcessJob(ctx, msg))
	require.Len(t, h.queue.delayed, 2)
	assert.Equal(t, 2*time.Second, h.queue.delayed[1].Delay)

	// Attempt 3 of 3: budget exhausted, dead-lettered.
	require.NoError(t, h.manager.ProcessJob(ctx, msg))
	current, _ = h.jobs.GetByID(ctx, job.ID)
	assert.Equal(t, model.JobStatusFailed, current.Status)
	assert.Equal(t, 3, current.RetryCount)
	require.Len(t, h.queue.dead, 1)
	assert.Contains(t, h.queue.dead[0].ErrText, "503")
	require.NotNil(t, current.ErrorClass)
	assert.Equal(t, string(fetcherr.KindTransient), *current.ErrorClass)
}

func TestJobManager_ProcessJobClientFaultFailsImmediately(t *testing.T) {
	h := setupJobManager(t, &fakeFetcher{
		fetchAll: func(context.Context, *model.TimeseriesRequest, core.FetchOptions) (*model.FetchResult, error) {
			return nil, fetcherr.FromStatus("fetch page", 401, nil)
		},
	})
	ctx := context.Background()

	job, _, err := h.manager.QueueLargeRequest(ctx, testTimeseriesRequest(), model.PriorityNormal, 0)
	require.NoError(t, err)

	deliveries, err := h.queue.Receive(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, h.manager.ProcessJob(ctx, deliveries[0]))

	current, _ := h.jobs.GetByID(ctx, job.ID)
	assert.Equal(t, model.JobStatusFailed, current.Status)
	assert.Zero(t, current.RetryCount)
	assert.Empty(t, h.queue.delayed)
	require.Len(t, h.queue.dead, 1)
}

func TestJobManager_ProcessJobDiscardsResultAfterCancel(t *testing.T) {
	h := setupJobManager(t, nil)
	ctx := context.Background()

	job, _, err := h.manager.QueueLargeRequest(ctx, testTimeseriesRequest(), model.PriorityNormal, 0)
	require.NoError(t, err)

	h.fetcher.fetchAll = func(context.Context, *model.TimeseriesRequest, core.FetchOptions) (*model.FetchResult, error) {
		// Cancelled out from under the worker mid-fetch.
		h.jobs.setStatus(job.ID, model.JobStatusCancelled)
		return singleSeriesResult("bldg1/temp", 2), nil
	}

	deliveries, err := h.queue.Receive(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, h.manager.ProcessJob(ctx, deliveries[0]))

	current, _ := h.jobs.GetByID(ctx, job.ID)
	assert.Equal(t, model.JobStatusCancelled, current.Status)

	_, err = h.cache.Get(ctx, *job.CacheKey)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestJobManager_ProcessJobRetriesOnCacheWriteFailure(t *testing.T) {
	h := setupJobManager(t, nil)
	h.blobs.putErr = errors.New("store unavailable")
	ctx := context.Background()

	job, _, err := h.manager.QueueLargeRequest(ctx, testTimeseriesRequest(), model.PriorityNormal, 0)
	require.NoError(t, err)

	deliveries, err := h.queue.Receive(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, h.manager.ProcessJob(ctx, deliveries[0]))

	current, _ := h.jobs.GetByID(ctx, job.ID)
	assert.Equal(t, model.JobStatusRetrying, current.Status)
	require.Len(t, h.queue.delayed, 1)
}

func TestJobManager_JobResult(t *testing.T) {
	h := setupJobManager(t, nil)
	ctx := context.Background()

	job, _, err := h.manager.QueueLargeRequest(ctx, testTimeseriesRequest(), model.PriorityNormal, 0)
	require.NoError(t, err)

	t.Run("not ready while queued", func(t *testing.T) {
		_, err := h.manager.JobResult(ctx, job.ID)
		assert.ErrorIs(t, err, ErrNoJobResult)
	})

	deliveries, err := h.queue.Receive(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, h.manager.ProcessJob(ctx, deliveries[0]))

	t.Run("payload after completion", func(t *testing.T) {
		entry, err := h.manager.JobResult(ctx, job.ID)
		require.NoError(t, err)
		var payload TimeseriesPayload
		require.NoError(t, json.Unmarshal(entry.Payload, &payload))
		assert.Equal(t, "bldg1", payload.Site)
	})

	t.Run("evicted result reports unavailable", func(t *testing.T) {
		done, err := h.jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		_, err = h.cache.Delete(ctx, *done.CacheKey)
		require.NoError(t, err)

		_, err = h.manager.JobResult(ctx, job.ID)
		assert.ErrorIs(t, err, ErrNoJobResult)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := h.manager.JobResult(ctx, "ghost")
		assert.ErrorIs(t, err, core.ErrJobNotFound)
	})
}

func TestJobManager_CancelJob(t *testing.T) {
	h := setupJobManager(t, nil)
	ctx := context.Background()

	job, _, err := h.manager.QueueLargeRequest(ctx, testTimeseriesRequest(), model.PriorityNormal, 0)
	require.NoError(t, err)

	cancelled, err := h.manager.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	again, err := h.manager.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestJobManager_BackoffDelayCap(t *testing.T) {
	h := setupJobManager(t, nil)

	assert.Equal(t, time.Second, h.manager.backoffDelay(1))
	assert.Equal(t, 2*time.Second, h.manager.backoffDelay(2))
	assert.Equal(t, 4*time.Second, h.manager.backoffDelay(3))
	assert.Equal(t, 5*time.Second, h.manager.backoffDelay(4))
	assert.Equal(t, 5*time.Second, h.manager.backoffDelay(10))
}
