// Package httpx provides the JSON API surface for the timeseries fetch service.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buildingvitals/timeseries-api/internal/domain/fetcherr"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
	"github.com/buildingvitals/timeseries-api/internal/service"
)

// TimeseriesService is the orchestration surface the timeseries handlers need.
// *service.Orchestrator satisfies it.
type TimeseriesService interface {
	FetchTimeseries(
		ctx context.Context,
		requestID string,
		req *model.TimeseriesRequest,
		override model.RouteType,
	) (*service.FetchResponse, error)
	Backfill(ctx context.Context, requestID string, req *model.TimeseriesRequest) (*service.FetchResponse, error)
	Sites(ctx context.Context) ([]string, error)
}

// TimeseriesHandlers provides HTTP handlers for fetch and backfill operations.
type TimeseriesHandlers struct {
	Svc          TimeseriesService
	PollInterval time.Duration
}

const defaultPollInterval = 2 * time.Second

// responseMeta rides along with every successful synchronous fetch so callers
// can see which route served them.
type responseMeta struct {
	RequestID  string          `json:"requestId"`
	Route      model.RouteType `json:"routeType"`
	CacheHit   bool            `json:"cacheHit"`
	DurationMS int64           `json:"durationMs"`
}

type timeseriesResponse struct {
	Data json.RawMessage `json:"data"`
	Meta responseMeta    `json:"_meta"`
}

// queuedResponse is the 202 body when a request became a background job.
type queuedResponse struct {
	Status              string `json:"status"`
	JobID               string `json:"jobId"`
	JobStarted          bool   `json:"jobStarted"`
	StatusURL           string `json:"statusUrl"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds"`
}

// Fetch handles GET /api/timeseries. The request identity comes from query
// params; an optional route param forces a specific execution strategy.
func (h *TimeseriesHandlers) Fetch(w http.ResponseWriter, r *http.Request) {
	req, err := requestFromQuery(r)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_request", Err: err})
		return
	}

	var override model.RouteType
	if v := r.URL.Query().Get("route"); v != "" {
		override = model.RouteType(v)
		if !override.Valid() {
			WriteError(w, ErrorParams{
				Code:    http.StatusBadRequest,
				ErrCode: "invalid_request",
				Err:     fmt.Errorf("unknown route %q", v),
			})
			return
		}
	}

	resp, err := h.Svc.FetchTimeseries(r.Context(), RequestIDFrom(r.Context()), req, override)
	if err != nil {
		writeFetchError(w, err)
		return
	}
	h.writeFetchResponse(w, r, resp)
}

// Backfill handles POST /api/backfill. The body is a timeseries request; the
// fetch always runs as a background job regardless of its estimated size.
func (h *TimeseriesHandlers) Backfill(w http.ResponseWriter, r *http.Request) {
	var req model.TimeseriesRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	resp, err := h.Svc.Backfill(r.Context(), RequestIDFrom(r.Context()), &req)
	if err != nil {
		writeFetchError(w, err)
		return
	}
	h.writeFetchResponse(w, r, resp)
}

// Sites handles GET /api/sites.
func (h *TimeseriesHandlers) Sites(w http.ResponseWriter, r *http.Request) {
	sites, err := h.Svc.Sites(r.Context())
	if err != nil {
		writeFetchError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string][]string{"sites": sites})
}

func (h *TimeseriesHandlers) writeFetchResponse(w http.ResponseWriter, r *http.Request, resp *service.FetchResponse) {
	if resp.Route == model.RouteQueued {
		poll := h.PollInterval
		if poll <= 0 {
			poll = defaultPollInterval
		}
		WriteJSON(w, http.StatusAccepted, queuedResponse{
			Status:              "queued",
			JobID:               resp.Job.ID,
			JobStarted:          resp.JobStarted,
			StatusURL:           "/api/jobs/" + resp.Job.ID,
			PollIntervalSeconds: int(poll / time.Second),
		})
		return
	}

	WriteJSON(w, http.StatusOK, timeseriesResponse{
		Data: json.RawMessage(resp.Payload),
		Meta: responseMeta{
			RequestID:  RequestIDFrom(r.Context()),
			Route:      resp.Route,
			CacheHit:   resp.CacheHit,
			DurationMS: resp.Duration.Milliseconds(),
		},
	})
}

// requestFromQuery builds a timeseries request from GET query params. The
// canonical names are start_time, end_time and user_id; the short forms
// start, end and userId are accepted as aliases.
func requestFromQuery(r *http.Request) (*model.TimeseriesRequest, error) {
	q := r.URL.Query()

	req := &model.TimeseriesRequest{
		Site:   strings.TrimSpace(q.Get("site")),
		Format: q.Get("format"),
	}
	for _, p := range strings.Split(q.Get("points"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			req.Points = append(req.Points, p)
		}
	}
	if userID := firstQueryValue(q, "user_id", "userId"); userID != "" {
		req.UserID = &userID
	}

	var err error
	if req.StartTime, err = parseTimeQuery(firstQueryValue(q, "start_time", "start")); err != nil {
		return nil, fmt.Errorf("start_time: %w", err)
	}
	if req.EndTime, err = parseTimeQuery(firstQueryValue(q, "end_time", "end")); err != nil {
		return nil, fmt.Errorf("end_time: %w", err)
	}

	return req, req.Validate()
}

func firstQueryValue(q url.Values, names ...string) string {
	for _, name := range names {
		if v := q.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func parseTimeQuery(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("must be an RFC 3339 timestamp")
	}
	return t, nil
}

// writeFetchError maps the error taxonomy onto HTTP statuses: client faults
// come back as 400, upstream trouble as 502, everything else as 500.
func writeFetchError(w http.ResponseWriter, err error) {
	switch fetcherr.KindOf(err) {
	case fetcherr.KindClientFault:
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_request", Err: err})
	case fetcherr.KindTransient, fetcherr.KindServerFault:
		WriteError(w, ErrorParams{Code: http.StatusBadGateway, ErrCode: "upstream_failed", Err: err})
	default:
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "fetch_failed", Err: err})
	}
}
