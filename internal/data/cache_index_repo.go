package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

// CacheIndexRepo mirrors blob-store metadata into Postgres so aggregate cache
// queries never have to scan the blob keyspace.
type CacheIndexRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewCacheIndexRepo creates a new CacheIndexRepo.
func NewCacheIndexRepo(db *sql.DB, cfg RepoConfig) *CacheIndexRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &CacheIndexRepo{DB: db, timeProvider: tp}
}

// Upsert records or refreshes the index row for a cache key.
func (r *CacheIndexRepo) Upsert(ctx context.Context, key string, meta model.CacheMetadata) error {
	if key == "" {
		return errors.New("cache key is required")
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO cache_metadata(
			cache_key, points_count, samples_count, original_size,
			compressed_size, encoding, generated_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (cache_key) DO UPDATE SET
			points_count = EXCLUDED.points_count,
			samples_count = EXCLUDED.samples_count,
			original_size = EXCLUDED.original_size,
			compressed_size = EXCLUDED.compressed_size,
			encoding = EXCLUDED.encoding,
			generated_at = EXCLUDED.generated_at,
			updated_at = EXCLUDED.updated_at
	`, key, meta.PointsCount, meta.SamplesCount, meta.OriginalSize,
		meta.CompressedSize, meta.Encoding, meta.GeneratedTime.UTC(),
		r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert cache index: %w", err)
	}
	return nil
}

// Remove drops the index row for an evicted cache key. Removing an unknown key
// is not an error; blob expiry and sweeps race by design of lazy eviction.
func (r *CacheIndexRepo) Remove(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `
		DELETE FROM cache_metadata WHERE cache_key = $1
	`, key)
	if err != nil {
		return fmt.Errorf("remove cache index: %w", err)
	}
	return nil
}

// Stats aggregates the cache index.
func (r *CacheIndexRepo) Stats(ctx context.Context) (*model.CacheStats, error) {
	stats := &model.CacheStats{}
	err := r.DB.QueryRowContext(ctx, `
		SELECT
			count(*),
			COALESCE(sum(original_size), 0),
			COALESCE(sum(compressed_size), 0),
			COALESCE(sum(samples_count), 0)
		FROM cache_metadata
	`).Scan(&stats.Entries, &stats.OriginalBytes, &stats.StoredBytes, &stats.TotalSamples)
	if err != nil {
		return nil, fmt.Errorf("cache index stats: %w", err)
	}
	return stats, nil
}
