package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

func TestSyncer_RunOnceWarmsTargets(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 3, 27, 0, time.UTC)

	var sawRequests []*model.TimeseriesRequest
	fetcher := &fakeFetcher{
		fetchAll: func(_ context.Context, req *model.TimeseriesRequest, _ core.FetchOptions) (*model.FetchResult, error) {
			sawRequests = append(sawRequests, req)
			return singleSeriesResult(req.Points[0], 3), nil
		},
	}

	blobs := newMemBlobs()
	cache := NewCacheStore(CacheStoreOptions{Blobs: blobs, Now: func() time.Time { return now }})

	syncer := NewSyncer(SyncerOptions{
		Fetcher: fetcher,
		Cache:   cache,
		Config: SyncerConfig{
			Interval: 5 * time.Minute,
			Window:   time.Hour,
			Targets: []SyncTarget{
				{Site: "bldg1", Points: []string{"bldg1/temp"}},
				{Site: "bldg2", Points: []string{"bldg2/kw"}},
			},
		},
		Now: func() time.Time { return now },
	})

	ctx := context.Background()
	syncer.RunOnce(ctx)

	require.Len(t, sawRequests, 2)

	// Window bounds are truncated to the interval.
	wantEnd := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, wantEnd, sawRequests[0].EndTime)
	assert.Equal(t, wantEnd.Add(-time.Hour), sawRequests[0].StartTime)

	for _, req := range sawRequests {
		entry, err := cache.Get(ctx, cache.Key(req))
		require.NoError(t, err, "site %s must be warm", req.Site)

		var payload TimeseriesPayload
		require.NoError(t, json.Unmarshal(entry.Payload, &payload))
		assert.Equal(t, req.Site, payload.Site)
		assert.Equal(t, int64(3), payload.SamplesCount)
		assert.Equal(t, "sync", entry.Metadata.Tags["source"])
	}
}

func TestSyncer_RunOnceContinuesPastFailures(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{
		fetchAll: func(_ context.Context, req *model.TimeseriesRequest, _ core.FetchOptions) (*model.FetchResult, error) {
			if req.Site == "bldg1" {
				return nil, assert.AnError
			}
			return singleSeriesResult(req.Points[0], 1), nil
		},
	}

	blobs := newMemBlobs()
	cache := NewCacheStore(CacheStoreOptions{Blobs: blobs, Now: func() time.Time { return now }})

	syncer := NewSyncer(SyncerOptions{
		Fetcher: fetcher,
		Cache:   cache,
		Config: SyncerConfig{
			Targets: []SyncTarget{
				{Site: "bldg1", Points: []string{"bldg1/temp"}},
				{Site: "bldg2", Points: []string{"bldg2/kw"}},
			},
		},
		Now: func() time.Time { return now },
	})

	syncer.RunOnce(context.Background())

	// The second target is warmed despite the first failing.
	assert.Equal(t, 2, fetcher.calls)
	keys, err := blobs.List(context.Background(), cacheKeyPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestSyncer_RunIdlesWithoutTargets(t *testing.T) {
	syncer := NewSyncer(SyncerOptions{
		Fetcher: &fakeFetcher{fetchAll: func(context.Context, *model.TimeseriesRequest, core.FetchOptions) (*model.FetchResult, error) {
			t.Fatal("must not fetch without targets")
			return nil, nil
		}},
		Cache: NewCacheStore(CacheStoreOptions{Blobs: newMemBlobs()}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- syncer.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("syncer did not stop after cancel")
	}
}
