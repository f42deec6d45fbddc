package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/data/pgxutil"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// Create inserts a new job row with status queued. Job ids are content-derived,
// so a concurrent identical request may race on the same id; on a unique
// violation the existing row is returned with created=false and the two
// requests coalesce onto one job.
func (r *JobRepo) Create(
	ctx context.Context,
	req *model.CreateJobRequest,
) (*model.FetchJob, bool, error) {
	if req == nil {
		return nil, false, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	points, err := json.Marshal(req.Points)
	if err != nil {
		return nil, false, fmt.Errorf("marshal points: %w", err)
	}

	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
      INSERT INTO queue_jobs(
        id, site, points, start_time, end_time, user_id,
        status, priority, estimated_size, cache_key, max_retries,
        created_at, updated_at
      )
      VALUES ($1,$2,$3,$4,$5,$6,'queued',$7,$8,$9,$10,$11,$11)
      RETURNING `+jobColumns,
		req.ID, req.Site, points, req.StartTime.UTC(), req.EndTime.UTC(), req.UserID,
		priority, req.EstimatedSize, req.CacheKey, maxRetries, now,
	)

	job, scanErr := scanJob(row)
	if scanErr == nil {
		return job, true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(scanErr, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		existing, getErr := r.GetByID(ctx, req.ID)
		if getErr != nil {
			return nil, false, fmt.Errorf("load coalesced job %s: %w", req.ID, getErr)
		}
		return existing, false, nil
	}

	return nil, false, fmt.Errorf("insert job: %w", scanErr)
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.FetchJob, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM queue_jobs
		WHERE id = $1
	`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// MarkProcessing transitions a queued or retrying job to processing. Returns
// false when the row is not in a dequeueable status (already running,
// cancelled, or terminal) so redelivered messages are safe to drop.
func (r *JobRepo) MarkProcessing(ctx context.Context, id string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = 'processing',
		    started_at = COALESCE(started_at, $2),
		    updated_at = $2
		WHERE id = $1 AND status IN ('queued', 'retrying')
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return oneRowAffected(res)
}

// UpdateProgress records fetch progress. Progress is monotonic while
// processing; the GREATEST guard keeps a late page callback from moving it
// backwards under redelivery.
func (r *JobRepo) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	_, err := r.DB.ExecContext(ctx, `
		UPDATE queue_jobs
		SET progress = GREATEST(progress, $2),
		    updated_at = $3
		WHERE id = $1 AND status = 'processing'
	`, id, progress, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// Complete marks a processing job as completed with its result bookkeeping.
// Returns false when the job is no longer processing (e.g. cancelled while the
// worker was fetching), in which case the result must not be treated as final.
func (r *JobRepo) Complete(ctx context.Context, params core.CompleteJobParams) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = 'completed',
		    progress = 100,
		    samples_count = $2,
		    data_size = $3,
		    cache_key = NULLIF($4, ''),
		    truncated = $5,
		    last_error = NULL,
		    error_class = NULL,
		    completed_at = $6,
		    updated_at = $6
		WHERE id = $1 AND status = 'processing'
	`, params.JobID, params.SamplesCount, params.DataSize, params.CacheKey, params.Truncated, now)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return oneRowAffected(res)
}

// FailOrRetry applies the retry policy to a processing job: while the retry
// budget holds the row moves to retrying with its counter bumped, otherwise it
// moves to failed. The job row's retry_count is the authoritative counter; the
// transport's delivery count is advisory only.
func (r *JobRepo) FailOrRetry(
	ctx context.Context,
	params core.FailJobParams,
) (model.JobStatus, int, error) {
	now := r.timeProvider.Now().UTC()

	query := `
      UPDATE queue_jobs
      SET
        last_error = $2,
        error_class = NULLIF($3, ''),
        retry_count = retry_count + 1,
        status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'retrying' END,
        failed_at = CASE WHEN retry_count + 1 >= max_retries THEN $4::timestamptz ELSE NULL END,
        updated_at = $4
      WHERE id = $1 AND status = 'processing'
      RETURNING status, retry_count
    `

	var status model.JobStatus
	var retryCount int
	err := r.DB.QueryRowContext(ctx, query, params.JobID, params.ErrorText, params.ErrorClass, now).
		Scan(&status, &retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		// Not processing anymore: cancelled or already resolved elsewhere.
		job, getErr := r.GetByID(ctx, params.JobID)
		if getErr != nil {
			return "", 0, getErr
		}
		return job.Status, job.RetryCount, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("fail job: %w", err)
	}
	return status, retryCount, nil
}

// MarkFailed forces a job to failed regardless of remaining budget. Used by
// the dead-letter consumer; re-running against an already-failed row is a
// harmless overwrite of the same terminal state.
func (r *JobRepo) MarkFailed(ctx context.Context, params core.FailJobParams) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = 'failed',
		    last_error = $2,
		    error_class = NULLIF($3, ''),
		    failed_at = COALESCE(failed_at, $4),
		    updated_at = $4
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled')
	`, params.JobID, params.ErrorText, params.ErrorClass, now)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return oneRowAffected(res)
}

// Cancel marks a non-terminal job cancelled. Returns false for terminal jobs,
// leaving their status untouched. Cancellation is advisory: a worker already
// fetching checks status before writing a result.
func (r *JobRepo) Cancel(ctx context.Context, id string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = 'cancelled',
		    cancelled_at = $2,
		    updated_at = $2
		WHERE id = $1 AND status IN ('queued', 'processing', 'retrying')
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return oneRowAffected(res)
}

// Reset revives a failed or cancelled job back to queued with a clean retry
// budget. Used when an identical request arrives after a terminal failure but
// before the old row has been archived.
func (r *JobRepo) Reset(ctx context.Context, id string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = 'queued',
		    progress = 0,
		    retry_count = 0,
		    last_error = NULL,
		    error_class = NULL,
		    started_at = NULL,
		    completed_at = NULL,
		    failed_at = NULL,
		    cancelled_at = NULL,
		    updated_at = $2
		WHERE id = $1 AND status IN ('failed', 'cancelled')
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("reset job: %w", err)
	}
	return oneRowAffected(res)
}

// Stats returns counts of active jobs in each state.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'queued')     AS queued,
    count(*) FILTER (WHERE status = 'processing') AS processing,
    count(*) FILTER (WHERE status = 'retrying')   AS retrying,
    count(*) FILTER (WHERE status = 'completed')  AS completed,
    count(*) FILTER (WHERE status = 'failed')     AS failed,
    count(*) FILTER (WHERE status = 'cancelled')  AS cancelled
  FROM queue_jobs
  `).Scan(&s.Queued, &s.Processing, &s.Retrying, &s.Completed, &s.Failed, &s.Cancelled)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &s, nil
}

// ListRecent returns the most recently created jobs.
func (r *JobRepo) ListRecent(ctx context.Context, limit int) ([]*model.FetchJob, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM queue_jobs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.FetchJob
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return jobs, nil
}

// Advisory lock namespace for ArchiveTerminal so only one archiver instance
// moves rows at a time.
const advisoryLockArchive int64 = 2201

// ArchiveTerminal moves terminal jobs older than the cutoff into job_history
// and removes them from the active table. Returns the number of rows moved.
func (r *JobRepo) ArchiveTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	var moved int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx,
				"SELECT pg_try_advisory_xact_lock($1::integer)", advisoryLockArchive,
			).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				moved = 0
				return nil
			}

			res, err := tx.ExecContext(ctx, `
				WITH archived AS (
					DELETE FROM queue_jobs
					WHERE status IN ('completed', 'failed', 'cancelled')
					  AND updated_at < $1
					RETURNING `+jobColumns+`
				)
				INSERT INTO job_history
				SELECT * FROM archived
			`, cutoff.UTC())
			if err != nil {
				return fmt.Errorf("archive terminal jobs: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			moved = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner jobRowScanner) (*model.FetchJob, error) {
	job := &model.FetchJob{}
	var points []byte
	var userID, cacheKey, lastError, errorClass sql.NullString
	var startedAt, completedAt, failedAt, cancelledAt sql.NullTime

	if err := scanner.Scan(
		&job.ID,
		&job.Site,
		&points,
		&job.StartTime,
		&job.EndTime,
		&userID,
		&job.Status,
		&job.Priority,
		&job.Progress,
		&job.EstimatedSize,
		&job.SamplesCount,
		&job.DataSize,
		&cacheKey,
		&lastError,
		&errorClass,
		&job.RetryCount,
		&job.MaxRetries,
		&job.Truncated,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&failedAt,
		&cancelledAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(points) > 0 {
		if err := json.Unmarshal(points, &job.Points); err != nil {
			return nil, fmt.Errorf("unmarshal points: %w", err)
		}
	}
	job.UserID = nullableString(userID)
	job.CacheKey = nullableString(cacheKey)
	job.LastError = nullableString(lastError)
	job.ErrorClass = nullableString(errorClass)
	job.StartedAt = nullableTime(startedAt)
	job.CompletedAt = nullableTime(completedAt)
	job.FailedAt = nullableTime(failedAt)
	job.CancelledAt = nullableTime(cancelledAt)
	return job, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func oneRowAffected(res sql.Result) (bool, error) {
	ra, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return ra > 0, nil
}
