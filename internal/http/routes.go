package httpx

import (
	"log/slog"
	"net/http"
	"time"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Timeseries    TimeseriesService
	Jobs          JobService
	Stats         StatsService
	DLQ           DLQService
	Notifications NotificationService
	// PollInterval is suggested to callers polling a queued job; zero uses a default.
	PollInterval time.Duration
	// CompressionEnabled gzips JSON responses for clients that accept it.
	CompressionEnabled bool
	CompressionLevel   int
	Logger             *slog.Logger
}

// NewRouter creates and configures the API router with the standard
// middleware chain applied.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	tsHandlers := &TimeseriesHandlers{Svc: services.Timeseries, PollInterval: services.PollInterval}
	jobHandlers := &JobHandlers{Svc: services.Jobs}

	registerTimeseriesRoutes(mux, tsHandlers)
	registerJobRoutes(mux, jobHandlers)
	if services.Stats != nil {
		statsHandlers := &StatsHandlers{Svc: services.Stats}
		mux.HandleFunc("GET /api/stats", statsHandlers.GetStats)
	}
	if services.DLQ != nil {
		registerDLQRoutes(mux, &DLQHandlers{Svc: services.DLQ})
	}
	if services.Notifications != nil {
		notificationHandlers := &NotificationHandlers{Svc: services.Notifications}
		mux.HandleFunc("GET /api/notifications", notificationHandlers.List)
	}
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handler := http.Handler(mux)
	if services.CompressionEnabled {
		handler = Compression(CompressionConfig{Level: services.CompressionLevel, Logger: logger})(handler)
	}
	handler = Logging(logger)(handler)
	handler = Recover(logger)(handler)
	handler = RequestID()(handler)
	return handler
}

func registerTimeseriesRoutes(mux *http.ServeMux, h *TimeseriesHandlers) {
	mux.HandleFunc("GET /api/timeseries", h.Fetch)
	mux.HandleFunc("POST /api/backfill", h.Backfill)
	mux.HandleFunc("GET /api/sites", h.Sites)
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("GET /api/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /api/jobs/{id}/data", h.GetJobData)
	mux.HandleFunc("DELETE /api/jobs/{id}", h.CancelJob)
}

func registerDLQRoutes(mux *http.ServeMux, h *DLQHandlers) {
	mux.HandleFunc("GET /api/queue/dlq/stats", h.Stats)
	mux.HandleFunc("GET /api/queue/dlq/failures", h.ListFailures)
}
