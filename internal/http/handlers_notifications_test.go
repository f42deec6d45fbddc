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

type fakeNotificationService struct {
	notifications []*model.UserNotification
	err           error

	lastUserID string
	lastLimit  int
}

func (f *fakeNotificationService) ListForUser(
	_ context.Context, userID string, limit int,
) ([]*model.UserNotification, error) {
	f.lastUserID = userID
	f.lastLimit = limit
	return f.notifications, f.err
}

func notificationRouter(svc NotificationService) http.Handler {
	return NewRouter(RouterServices{
		Timeseries:    &fakeTimeseriesService{},
		Jobs:          &fakeJobService{},
		Notifications: svc,
	})
}

func TestNotificationHandlers_List(t *testing.T) {
	svc := &fakeNotificationService{
		notifications: []*model.UserNotification{{
			ID:        "note-1",
			UserID:    "user-7",
			JobID:     "job-3",
			Title:     "Data fetch failed",
			Message:   "The request for bldg1 could not be completed.",
			CreatedAt: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
		}},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/notifications?user_id=user-7&limit=10", nil)
	rec := httptest.NewRecorder()
	notificationRouter(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-7", svc.lastUserID)
	assert.Equal(t, 10, svc.lastLimit)

	var body struct {
		Notifications []*model.UserNotification `json:"notifications"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Notifications, 1)
	assert.Equal(t, "note-1", body.Notifications[0].ID)
	assert.Equal(t, "job-3", body.Notifications[0].JobID)
}

func TestNotificationHandlers_List_RequiresUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	rec := httptest.NewRecorder()
	notificationRouter(&fakeNotificationService{}).ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_user_id")
}

func TestNotificationHandlers_List_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/notifications?user_id=user-9", nil)
	rec := httptest.NewRecorder()
	notificationRouter(&fakeNotificationService{}).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"notifications":[]}`, rec.Body.String())
}

func TestNotificationRoutesAbsentWithoutService(t *testing.T) {
	router := NewRouter(RouterServices{
		Timeseries: &fakeTimeseriesService{},
		Jobs:       &fakeJobService{},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/notifications?user_id=user-9", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
