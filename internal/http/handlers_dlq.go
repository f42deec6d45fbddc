package httpx

import (
	"context"
	"net/http"

	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

// DLQService is the dead-letter inspection surface the DLQ handlers need.
// *service.DLQProcessor satisfies it.
type DLQService interface {
	Stats(ctx context.Context) (*model.DLQStats, error)
	ListRecentFailures(ctx context.Context, limit int) ([]*model.RecoveryRecord, error)
}

// DLQHandlers provides read-only HTTP handlers over the recovery queue.
type DLQHandlers struct {
	Svc DLQService
}

const (
	defaultFailureListLimit = 20
	maxFailureListLimit     = 200
)

// Stats handles GET /api/queue/dlq/stats.
func (h *DLQHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Svc.Stats(r.Context())
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "dlq_stats_failed", Err: err})
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// ListFailures handles GET /api/queue/dlq/failures.
func (h *DLQHandlers) ListFailures(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultFailureListLimit, maxFailureListLimit)
	records, err := h.Svc.ListRecentFailures(r.Context(), limit)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "dlq_list_failed", Err: err})
		return
	}
	if records == nil {
		records = []*model.RecoveryRecord{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"failures": records})
}
