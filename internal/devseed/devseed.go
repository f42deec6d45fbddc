// Package devseed populates a development database with demo fetch activity
// so the API has something to show immediately after startup.
package devseed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/buildingvitals/timeseries-api/internal/data"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

const seedSite = "demo-plant"

// Run seeds demo jobs and analytics rows. It is idempotent: a prior seed is
// detected through the marker job and skipped.
func Run(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if db == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	jobs := data.NewJobRepo(db, data.RepoConfig{})
	analytics := data.NewAnalyticsRepo(db, data.RepoConfig{})

	now := time.Now().UTC()
	seeded := 0
	for _, req := range seedJobs(now) {
		_, created, err := jobs.Create(ctx, req)
		if err != nil {
			return fmt.Errorf("seed job %s: %w", req.ID, err)
		}
		if created {
			seeded++
		}
	}
	if seeded == 0 {
		logger.InfoContext(ctx, "development seed already present, skipping")
		return nil
	}

	for _, rec := range seedAnalytics(now) {
		if err := analytics.Insert(ctx, rec); err != nil {
			return fmt.Errorf("seed analytics: %w", err)
		}
	}

	logger.InfoContext(ctx, "development data seeded", "jobs", seeded, "site", seedSite)
	return nil
}

func seedJobs(now time.Time) []*model.CreateJobRequest {
	return []*model.CreateJobRequest{
		{
			ID:            uuid.NewSHA1(uuid.NameSpaceOID, []byte("devseed-backfill")).String(),
			Site:          seedSite,
			Points:        []string{"chiller1.power", "chiller1.supply_temp"},
			StartTime:     now.AddDate(0, -1, 0),
			EndTime:       now,
			Priority:      model.PriorityLow,
			EstimatedSize: 250_000,
			MaxRetries:    3,
		},
		{
			ID:            uuid.NewSHA1(uuid.NameSpaceOID, []byte("devseed-weekly")).String(),
			Site:          seedSite,
			Points:        []string{"ahu2.mixed_air_temp"},
			StartTime:     now.AddDate(0, 0, -7),
			EndTime:       now,
			Priority:      model.PriorityNormal,
			EstimatedSize: 120_000,
			MaxRetries:    3,
		},
	}
}

func seedAnalytics(now time.Time) []*model.RequestAnalytics {
	return []*model.RequestAnalytics{
		{
			ID:         uuid.NewString(),
			RequestID:  uuid.NewString(),
			Site:       seedSite,
			Route:      model.RouteDirect,
			PointCount: 2,
			CacheHit:   false,
			Success:    true,
			Duration:   180 * time.Millisecond,
			CreatedAt:  now.Add(-2 * time.Hour),
		},
		{
			ID:         uuid.NewString(),
			RequestID:  uuid.NewString(),
			Site:       seedSite,
			Route:      model.RouteCached,
			PointCount: 1,
			CacheHit:   true,
			Success:    true,
			Duration:   12 * time.Millisecond,
			CreatedAt:  now.Add(-1 * time.Hour),
		},
	}
}
