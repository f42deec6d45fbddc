package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

// NotificationService is the read surface the notification handlers need.
// core.NotificationRepository satisfies it.
type NotificationService interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]*model.UserNotification, error)
}

// NotificationHandlers serves the per-user failure notifications written by
// the dead-letter processor.
type NotificationHandlers struct {
	Svc NotificationService
}

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 200
)

// List handles GET /api/notifications.
func (h *NotificationHandlers) List(w http.ResponseWriter, r *http.Request) {
	userID := firstQueryValue(r.URL.Query(), "user_id", "userId")
	if userID == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "missing_user_id",
			Err:     errors.New("user_id query parameter is required"),
		})
		return
	}

	limit := parseLimit(r, defaultNotificationLimit, maxNotificationLimit)
	notifications, err := h.Svc.ListForUser(r.Context(), userID, limit)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "notifications_failed", Err: err})
		return
	}
	if notifications == nil {
		notifications = []*model.UserNotification{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}
