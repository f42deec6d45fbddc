package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// RecoveryRepo stores dead-lettered jobs for post-mortem and manual re-queue.
type RecoveryRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewRecoveryRepo creates a new RecoveryRepo.
func NewRecoveryRepo(db *sql.DB, cfg RepoConfig) *RecoveryRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &RecoveryRepo{DB: db, timeProvider: tp}
}

// Create inserts a pending recovery record for a failed job. A job gets at
// most one record; replays of the same dead letter report created=false.
func (r *RecoveryRepo) Create(ctx context.Context, params core.CreateRecoveryParams) (bool, error) {
	if params.JobID == "" {
		return false, errors.New("job id is required")
	}

	now := r.timeProvider.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO dlq_recovery_queue(
			id, job_id, message_body, error_text, category, retry_count,
			status, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
	`, uuid.NewString(), params.JobID, params.MessageBody, params.ErrorText,
		params.Category, params.RetryCount, model.RecoveryPending, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("insert recovery record: %w", err)
	}
	return true, nil
}

// UpdateStatus moves a pending record to recovered or abandoned. Returns false
// when the record does not exist or already left pending.
func (r *RecoveryRepo) UpdateStatus(ctx context.Context, id string, status model.RecoveryStatus) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE dlq_recovery_queue
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`, id, status, r.timeProvider.Now().UTC(), model.RecoveryPending)
	if err != nil {
		return false, fmt.Errorf("update recovery status: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return ra == 1, nil
}

// Stats summarizes the recovery queue by status and failure category.
func (r *RecoveryRepo) Stats(ctx context.Context) (*model.DLQStats, error) {
	stats := &model.DLQStats{
		ByCategory: make(map[model.FailureCategory]int64),
	}

	err := r.DB.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'recovered'),
			count(*) FILTER (WHERE status = 'abandoned')
		FROM dlq_recovery_queue
	`).Scan(&stats.Pending, &stats.Recovered, &stats.Abandoned)
	if err != nil {
		return nil, fmt.Errorf("recovery stats: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT category, count(*)
		FROM dlq_recovery_queue
		GROUP BY category
	`)
	if err != nil {
		return nil, fmt.Errorf("recovery stats by category: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var category model.FailureCategory
		var count int64
		if scanErr := rows.Scan(&category, &count); scanErr != nil {
			return nil, fmt.Errorf("scan category count: %w", scanErr)
		}
		stats.ByCategory[category] = count
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return stats, nil
}

// ListRecent returns the newest recovery records, most recent first.
func (r *RecoveryRepo) ListRecent(ctx context.Context, limit int) ([]*model.RecoveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, job_id, message_body, error_text, category, retry_count,
		       status, created_at, updated_at
		FROM dlq_recovery_queue
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recovery records: %w", err)
	}
	defer rows.Close()

	var records []*model.RecoveryRecord
	for rows.Next() {
		rec := &model.RecoveryRecord{}
		if scanErr := rows.Scan(
			&rec.ID, &rec.JobID, &rec.MessageBody, &rec.ErrorText, &rec.Category,
			&rec.RetryCount, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("scan recovery record: %w", scanErr)
		}
		records = append(records, rec)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return records, nil
}
