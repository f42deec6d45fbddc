package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/buildingvitals/timeseries-api/internal/domain/model"
	"github.com/google/uuid"
)

// AnalyticsRepo persists append-only request analytics rows.
type AnalyticsRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewAnalyticsRepo creates a new AnalyticsRepo.
func NewAnalyticsRepo(db *sql.DB, cfg RepoConfig) *AnalyticsRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &AnalyticsRepo{DB: db, timeProvider: tp}
}

// Insert appends one analytics row. Rows are never updated or read back on the
// request path.
func (r *AnalyticsRepo) Insert(ctx context.Context, rec *model.RequestAnalytics) error {
	if rec == nil {
		return errors.New("analytics record is required")
	}

	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO request_analytics(
			id, request_id, site, route, point_count, cache_hit, success,
			duration_ms, error_class, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, id, rec.RequestID, rec.Site, rec.Route, rec.PointCount, rec.CacheHit, rec.Success,
		rec.Duration.Milliseconds(), rec.ErrorClass, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert analytics: %w", err)
	}
	return nil
}

// Summary aggregates request analytics since the given time.
func (r *AnalyticsRepo) Summary(ctx context.Context, since time.Time) (*model.AnalyticsSummary, error) {
	summary := &model.AnalyticsSummary{
		ByRoute: make(map[model.RouteType]int64),
	}

	var avgDuration sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE cache_hit),
			count(*) FILTER (WHERE NOT success),
			avg(duration_ms)
		FROM request_analytics
		WHERE created_at >= $1
	`, since.UTC()).Scan(&summary.TotalRequests, &summary.CacheHits, &summary.Failures, &avgDuration)
	if err != nil {
		return nil, fmt.Errorf("analytics summary: %w", err)
	}
	if avgDuration.Valid {
		summary.AvgDurationMS = avgDuration.Float64
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT route, count(*)
		FROM request_analytics
		WHERE created_at >= $1
		GROUP BY route
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("analytics by route: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var route model.RouteType
		var count int64
		if scanErr := rows.Scan(&route, &count); scanErr != nil {
			return nil, fmt.Errorf("scan route count: %w", scanErr)
		}
		summary.ByRoute[route] = count
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return summary, nil
}

// DeleteOlderThan removes analytics rows past the retention window.
func (r *AnalyticsRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM request_analytics WHERE created_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old analytics: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return ra, nil
}
