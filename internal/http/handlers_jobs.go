package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
	"github.com/buildingvitals/timeseries-api/internal/service"
)

// JobService is the job-lifecycle surface the job handlers need.
// *service.JobManager satisfies it.
type JobService interface {
	GetJobStatus(ctx context.Context, id string) (*model.FetchJob, error)
	JobResult(ctx context.Context, id string) (*model.CacheEntry, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	ListRecent(ctx context.Context, limit int) ([]*model.FetchJob, error)
}

// JobHandlers provides HTTP handlers for inspecting and cancelling fetch jobs.
type JobHandlers struct {
	Svc JobService
}

const (
	defaultJobListLimit = 50
	maxJobListLimit     = 500
)

// jobResponse decorates the job row with a retrieval hint once the result is
// ready.
type jobResponse struct {
	*model.FetchJob
	DataURL string `json:"dataUrl,omitempty"`
}

// GetJob handles GET /api/jobs/{id}.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.Svc.GetJobStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "job_not_found", Err: err})
			return
		}
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "get_job_failed", Err: err})
		return
	}
	resp := jobResponse{FetchJob: job}
	if job.Status == model.JobStatusCompleted && job.CacheKey != nil {
		resp.DataURL = "/api/jobs/" + job.ID + "/data"
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetJobData handles GET /api/jobs/{id}/data, streaming the payload a
// completed job cached. Expired results report 404; the caller should
// re-submit the original request.
func (h *JobHandlers) GetJobData(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, err := h.Svc.JobResult(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrJobNotFound):
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "job_not_found", Err: err})
		case errors.Is(err, service.ErrNoJobResult):
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "job_result_unavailable", Err: err})
		default:
			WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "get_job_data_failed", Err: err})
		}
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.Payload)
}

// CancelJob handles DELETE /api/jobs/{id}. Cancelling an already-terminal job
// is a conflict, not an error.
func (h *JobHandlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cancelled, err := h.Svc.CancelJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "job_not_found", Err: err})
			return
		}
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "cancel_failed", Err: err})
		return
	}
	if !cancelled {
		WriteError(w, ErrorParams{
			Code:    http.StatusConflict,
			ErrCode: "job_already_finished",
			Err:     errors.New("job already reached a terminal state"),
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"jobId": id, "status": string(model.JobStatusCancelled)})
}

// ListJobs handles GET /api/jobs.
func (h *JobHandlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultJobListLimit, maxJobListLimit)
	jobs, err := h.Svc.ListRecent(r.Context(), limit)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "list_jobs_failed", Err: err})
		return
	}
	if jobs == nil {
		jobs = []*model.FetchJob{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// StatsService is the aggregate statistics surface. *service.Orchestrator
// satisfies it.
type StatsService interface {
	SystemStats(ctx context.Context) (*model.SystemStats, error)
}

// StatsHandlers serves the combined job/queue/cache/analytics summary.
type StatsHandlers struct {
	Svc StatsService
}

// GetStats handles GET /api/stats.
func (h *StatsHandlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Svc.SystemStats(r.Context())
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "stats_failed", Err: err})
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
