package service

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

// ErrCacheMiss is returned when a key is absent or its entry has expired.
var ErrCacheMiss = errors.New("cache miss")

const (
	cacheKeyPrefix      = "ts:"
	defaultMaxCacheAge  = 6 * time.Hour
	defaultContentType  = "application/json"
	metaGeneratedAtKey  = "generated_at"
	metaEncodingKey     = "encoding"
	metaPointsCountKey  = "points_count"
	metaSamplesCountKey = "samples_count"
	metaOriginalSizeKey = "original_size"
	metaStoredSizeKey   = "compressed_size"
	metaRatioKey        = "compression_ratio"
	metaContentTypeKey  = "content_type"
	metaTagsKey         = "tags"
)

// CacheStoreConfig tunes entry lifetime.
type CacheStoreConfig struct {
	// MaxCacheAge is the staleness bound: entries whose generated time is
	// older are treated as absent and physically removed on access.
	MaxCacheAge time.Duration
}

// CacheStoreOptions groups dependencies for CacheStore.
type CacheStoreOptions struct {
	Blobs  core.BlobStore            // Required: payload storage
	Index  core.CacheIndexRepository // Optional: row-store stats mirror
	Config CacheStoreConfig
	Logger *slog.Logger     // Optional
	Now    func() time.Time // Optional: clock override for tests
}

// CacheStore is the content-addressed object cache for fetched timeseries
// payloads. Keys are derived from the normalized request identity, so two
// requests for the same data share one entry.
type CacheStore struct {
	blobs       core.BlobStore
	index       core.CacheIndexRepository
	maxCacheAge time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewCacheStore constructs a CacheStore.
func NewCacheStore(opts CacheStoreOptions) *CacheStore {
	if opts.Blobs == nil {
		panic("BlobStore is required")
	}

	maxAge := opts.Config.MaxCacheAge
	if maxAge <= 0 {
		maxAge = defaultMaxCacheAge
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &CacheStore{
		blobs:       opts.Blobs,
		index:       opts.Index,
		maxCacheAge: maxAge,
		logger:      opts.Logger,
		now:         now,
	}
}

// Key derives the deterministic cache key for a request. Point order never
// changes the key.
func (s *CacheStore) Key(req *model.TimeseriesRequest) string {
	h := xxhash.New()
	io.WriteString(h, req.Site)
	for _, p := range req.NormalizedPoints() {
		io.WriteString(h, "\x00")
		io.WriteString(h, p)
	}
	io.WriteString(h, "\x00")
	io.WriteString(h, strconv.FormatInt(req.StartTime.UTC().Unix(), 10))
	io.WriteString(h, "\x00")
	io.WriteString(h, strconv.FormatInt(req.EndTime.UTC().Unix(), 10))
	io.WriteString(h, "\x00")
	io.WriteString(h, req.Format)
	return fmt.Sprintf("%s%016x", cacheKeyPrefix, h.Sum64())
}

// Put stores a payload under the key, gzip-compressing unless that would
// inflate it. Re-storing a key overwrites. Sizes and ratio are recorded even
// when compression is skipped.
func (s *CacheStore) Put(ctx context.Context, key string, payload []byte, meta model.CacheMetadata) error {
	if key == "" {
		return errors.New("cache key is required")
	}

	stored := payload
	encoding := model.EncodingIdentity
	if compressed, err := gzipBytes(payload); err == nil && len(compressed) < len(payload) {
		stored = compressed
		encoding = model.EncodingGzip
	}

	meta.OriginalSize = int64(len(payload))
	meta.CompressedSize = int64(len(stored))
	meta.Encoding = encoding
	meta.CompressionRatio = 1.0
	if meta.OriginalSize > 0 {
		meta.CompressionRatio = float64(meta.CompressedSize) / float64(meta.OriginalSize)
	}
	if meta.ContentType == "" {
		meta.ContentType = defaultContentType
	}
	if meta.GeneratedTime.IsZero() {
		meta.GeneratedTime = s.now().UTC()
	}

	if err := s.blobs.Put(ctx, key, stored, encodeMetadata(meta), s.maxCacheAge); err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}

	if s.index != nil {
		if err := s.index.Upsert(ctx, key, meta); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "cache index upsert failed", "key", key, "err", err)
		}
	}
	return nil
}

// Get reads and decodes an entry. Entries older than MaxCacheAge are removed
// and reported as a miss; stale data is never returned.
func (s *CacheStore) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	stored, rawMeta, err := s.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrBlobNotFound) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("read cache entry: %w", err)
	}

	meta := decodeMetadata(rawMeta)
	if s.expired(meta.GeneratedTime) {
		s.evict(ctx, key)
		return nil, ErrCacheMiss
	}

	payload := stored
	if meta.Encoding == model.EncodingGzip {
		payload, err = gunzipBytes(stored)
		if err != nil {
			// An undecodable entry is useless; drop it.
			s.evict(ctx, key)
			return nil, fmt.Errorf("decompress cache entry: %w", err)
		}
	}

	return &model.CacheEntry{Payload: payload, Metadata: meta}, nil
}

// Exists reports whether a fresh entry is stored under the key, applying the
// same lazy expiry as Get.
func (s *CacheStore) Exists(ctx context.Context, key string) (bool, error) {
	rawMeta, err := s.blobs.Metadata(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrBlobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("check cache entry: %w", err)
	}

	meta := decodeMetadata(rawMeta)
	if s.expired(meta.GeneratedTime) {
		s.evict(ctx, key)
		return false, nil
	}
	return true, nil
}

// Delete removes an entry and its index row.
func (s *CacheStore) Delete(ctx context.Context, key string) (bool, error) {
	removed, err := s.blobs.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("delete cache entry: %w", err)
	}
	if s.index != nil {
		if idxErr := s.index.Remove(ctx, key); idxErr != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "cache index remove failed", "key", key, "err", idxErr)
		}
	}
	return removed, nil
}

// Cleanup sweeps the keyspace and evicts every expired entry. Lazy expiry
// keeps reads correct without it; this is storage hygiene.
func (s *CacheStore) Cleanup(ctx context.Context) (int, error) {
	cacheKeys, err := s.blobs.List(ctx, cacheKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list cache entries: %w", err)
	}

	evicted := 0
	for _, key := range cacheKeys {
		rawMeta, metaErr := s.blobs.Metadata(ctx, key)
		if metaErr != nil {
			continue
		}
		meta := decodeMetadata(rawMeta)
		if s.expired(meta.GeneratedTime) {
			s.evict(ctx, key)
			evicted++
		}
	}
	return evicted, nil
}

// Stats aggregates cache bookkeeping from the index mirror.
func (s *CacheStore) Stats(ctx context.Context) (*model.CacheStats, error) {
	if s.index == nil {
		return &model.CacheStats{}, nil
	}
	stats, err := s.index.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}

func (s *CacheStore) expired(generated time.Time) bool {
	if generated.IsZero() {
		return true
	}
	return s.now().Sub(generated) > s.maxCacheAge
}

func (s *CacheStore) evict(ctx context.Context, key string) {
	if _, err := s.Delete(ctx, key); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "cache eviction failed", "key", key, "err", err)
	}
}

func encodeMetadata(meta model.CacheMetadata) map[string]string {
	out := map[string]string{
		metaGeneratedAtKey:  meta.GeneratedTime.UTC().Format(time.RFC3339Nano),
		metaEncodingKey:     meta.Encoding,
		metaPointsCountKey:  strconv.Itoa(meta.PointsCount),
		metaSamplesCountKey: strconv.FormatInt(meta.SamplesCount, 10),
		metaOriginalSizeKey: strconv.FormatInt(meta.OriginalSize, 10),
		metaStoredSizeKey:   strconv.FormatInt(meta.CompressedSize, 10),
		metaRatioKey:        strconv.FormatFloat(meta.CompressionRatio, 'f', -1, 64),
		metaContentTypeKey:  meta.ContentType,
	}
	if len(meta.Tags) > 0 {
		if tags, err := json.Marshal(meta.Tags); err == nil {
			out[metaTagsKey] = string(tags)
		}
	}
	return out
}

func decodeMetadata(raw map[string]string) model.CacheMetadata {
	meta := model.CacheMetadata{
		Encoding:    raw[metaEncodingKey],
		ContentType: raw[metaContentTypeKey],
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw[metaGeneratedAtKey]); err == nil {
		meta.GeneratedTime = ts
	}
	meta.PointsCount, _ = strconv.Atoi(raw[metaPointsCountKey])
	meta.SamplesCount, _ = strconv.ParseInt(raw[metaSamplesCountKey], 10, 64)
	meta.OriginalSize, _ = strconv.ParseInt(raw[metaOriginalSizeKey], 10, 64)
	meta.CompressedSize, _ = strconv.ParseInt(raw[metaStoredSizeKey], 10, 64)
	meta.CompressionRatio, _ = strconv.ParseFloat(raw[metaRatioKey], 64)
	if tags := raw[metaTagsKey]; tags != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(tags), &parsed); err == nil {
			meta.Tags = parsed
		}
	}
	return meta
}

func gzipBytes(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(stored []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	return payload, nil
}
