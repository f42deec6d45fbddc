package data

import (
	"database/sql"
	"log/slog"

	"github.com/buildingvitals/timeseries-api/internal/core"
)

// ErrJobNotFound is returned when a job row does not exist.
var ErrJobNotFound = core.ErrJobNotFound

// RepoConfig holds configuration options shared by row-store repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides database operations for fetch job lifecycle state.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  site,
  points,
  start_time,
  end_time,
  user_id,
  status,
  priority,
  progress,
  estimated_size,
  samples_count,
  data_size,
  cache_key,
  last_error,
  error_class,
  retry_count,
  max_retries,
  truncated,
  created_at,
  started_at,
  completed_at,
  failed_at,
  cancelled_at,
  updated_at
`
