package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
	"github.com/buildingvitals/timeseries-api/internal/service"
)

type fakeJobService struct {
	job       *model.FetchJob
	jobErr    error
	result    *model.CacheEntry
	resultErr error
	cancelled bool
	cancelErr error
	recent    []*model.FetchJob
	recentErr error

	lastLimit int
}

func (f *fakeJobService) GetJobStatus(_ context.Context, _ string) (*model.FetchJob, error) {
	return f.job, f.jobErr
}

func (f *fakeJobService) JobResult(_ context.Context, _ string) (*model.CacheEntry, error) {
	return f.result, f.resultErr
}

func (f *fakeJobService) CancelJob(_ context.Context, _ string) (bool, error) {
	return f.cancelled, f.cancelErr
}

func (f *fakeJobService) ListRecent(_ context.Context, limit int) ([]*model.FetchJob, error) {
	f.lastLimit = limit
	return f.recent, f.recentErr
}

// routerWith builds a full router so path values resolve like production.
func routerWith(svc JobService) http.Handler {
	return NewRouter(RouterServices{
		Timeseries: &fakeTimeseriesService{},
		Jobs:       svc,
	})
}

func TestJobHandlers_GetJob(t *testing.T) {
	svc := &fakeJobService{job: &model.FetchJob{ID: "job-1", Status: model.JobStatusProcessing, Progress: 40}}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	routerWith(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var job model.FetchJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, model.JobStatusProcessing, job.Status)
	assert.Equal(t, 40, job.Progress)
}

func TestJobHandlers_GetJob_CompletedCarriesDataURL(t *testing.T) {
	key := "ts:abc"
	svc := &fakeJobService{job: &model.FetchJob{
		ID:       "job-9",
		Status:   model.JobStatusCompleted,
		CacheKey: &key,
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-9", nil)
	rec := httptest.NewRecorder()
	routerWith(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "/api/jobs/job-9/data", resp["dataUrl"])
}

func TestJobHandlers_GetJobData(t *testing.T) {
	svc := &fakeJobService{result: &model.CacheEntry{Payload: []byte(`{"series":{}}`)}}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-9/data", nil)
	rec := httptest.NewRecorder()
	routerWith(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"series":{}}`, rec.Body.String())
}

func TestJobHandlers_GetJobData_Unavailable(t *testing.T) {
	svc := &fakeJobService{resultErr: service.ErrNoJobResult}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-9/data", nil)
	rec := httptest.NewRecorder()
	routerWith(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "job_result_unavailable")
}

func TestJobHandlers_GetJob_NotFound(t *testing.T) {
	svc := &fakeJobService{jobErr: core.ErrJobNotFound}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	rec := httptest.NewRecorder()
	routerWith(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "job_not_found")
}

func TestJobHandlers_CancelJob(t *testing.T) {
	svc := &fakeJobService{cancelled: true}

	req := httptest.NewRequest(http.MethodDelete, "/api/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	routerWith(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobId":"job-1","status":"cancelled"}`, rec.Body.String())
}

func TestJobHandlers_CancelJob_AlreadyTerminal(t *testing.T) {
	svc := &fakeJobService{cancelled: false}

	req := httptest.NewRequest(http.MethodDelete, "/api/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	routerWith(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "job_already_finished")
}

func TestJobHandlers_ListJobs_ClampsLimit(t *testing.T) {
	svc := &fakeJobService{recent: []*model.FetchJob{{ID: "a"}, {ID: "b"}}}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?limit=9999", nil)
	rec := httptest.NewRecorder()
	routerWith(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxJobListLimit, svc.lastLimit)
}

func TestJobHandlers_ListJobs_EmptyIsArray(t *testing.T) {
	svc := &fakeJobService{}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	routerWith(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs":[]}`, rec.Body.String())
}

type fakeStatsService struct {
	stats *model.SystemStats
	err   error
}

func (f *fakeStatsService) SystemStats(_ context.Context) (*model.SystemStats, error) {
	return f.stats, f.err
}

func TestStatsHandlers_GetStats(t *testing.T) {
	svc := &fakeStatsService{stats: &model.SystemStats{
		Jobs:        &model.JobStats{Queued: 3, Completed: 10},
		QueueDepths: map[string]int64{"high": 1, "normal": 2},
		Cache:       &model.CacheStats{Entries: 7},
		Analytics:   &model.AnalyticsSummary{TotalRequests: 42},
	}}

	router := NewRouter(RouterServices{
		Timeseries: &fakeTimeseriesService{},
		Jobs:       &fakeJobService{},
		Stats:      svc,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.SystemStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Jobs.Queued)
	assert.EqualValues(t, 2, resp.QueueDepths["normal"])
	assert.EqualValues(t, 7, resp.Cache.Entries)
	assert.EqualValues(t, 42, resp.Analytics.TotalRequests)
}

func TestStatsHandlers_GetStats_Failure(t *testing.T) {
	router := NewRouter(RouterServices{
		Timeseries: &fakeTimeseriesService{},
		Jobs:       &fakeJobService{},
		Stats:      &fakeStatsService{err: errors.New("db down")},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "stats_failed")
}
