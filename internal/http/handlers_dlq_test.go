package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

type fakeDLQService struct {
	stats      *model.DLQStats
	statsErr   error
	records    []*model.RecoveryRecord
	recordsErr error

	lastLimit int
}

func (f *fakeDLQService) Stats(_ context.Context) (*model.DLQStats, error) {
	return f.stats, f.statsErr
}

func (f *fakeDLQService) ListRecentFailures(_ context.Context, limit int) ([]*model.RecoveryRecord, error) {
	f.lastLimit = limit
	return f.records, f.recordsErr
}

func dlqRouter(svc DLQService) http.Handler {
	return NewRouter(RouterServices{
		Timeseries: &fakeTimeseriesService{},
		Jobs:       &fakeJobService{},
		DLQ:        svc,
	})
}

func TestDLQHandlers_Stats(t *testing.T) {
	svc := &fakeDLQService{
		stats: &model.DLQStats{
			Pending:   4,
			Recovered: 9,
			ByCategory: map[model.FailureCategory]int64{
				model.FailureRecoverable: 3,
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/queue/dlq/stats", nil)
	rec := httptest.NewRecorder()
	dlqRouter(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var stats model.DLQStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 4, stats.Pending)
	assert.EqualValues(t, 9, stats.Recovered)
}

func TestDLQHandlers_ListFailures(t *testing.T) {
	svc := &fakeDLQService{
		records: []*model.RecoveryRecord{
			{ID: "r1", JobID: "job-1", ErrorText: "upstream status 503", CreatedAt: time.Now().UTC()},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/queue/dlq/failures?limit=5", nil)
	rec := httptest.NewRecorder()
	dlqRouter(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, svc.lastLimit)
	assert.Contains(t, rec.Body.String(), "job-1")
}

func TestDLQHandlers_NotRegisteredWithoutService(t *testing.T) {
	router := NewRouter(RouterServices{
		Timeseries: &fakeTimeseriesService{},
		Jobs:       &fakeJobService{},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/queue/dlq/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
