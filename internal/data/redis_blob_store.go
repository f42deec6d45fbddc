package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/buildingvitals/timeseries-api/internal/core"
)

// RedisBlobStore implements the BlobStore interface using Redis. Each entry is
// two keys sharing the same TTL: the raw payload under the key itself and a
// metadata hash under <key>:md.
type RedisBlobStore struct {
	client redis.UniversalClient
}

// NewRedisBlobStore creates a new RedisBlobStore with the given Redis client.
func NewRedisBlobStore(client redis.UniversalClient) *RedisBlobStore {
	return &RedisBlobStore{client: client}
}

func metadataKey(key string) string {
	return key + ":md"
}

// Put stores a payload and its metadata under the given key and TTL.
// A ttl of zero stores without expiry.
func (s *RedisBlobStore) Put(
	ctx context.Context,
	key string,
	payload []byte,
	metadata map[string]string,
	ttl time.Duration,
) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, payload, ttl)
	if len(metadata) > 0 {
		fields := make(map[string]any, len(metadata))
		for k, v := range metadata {
			fields[k] = v
		}
		pipe.Del(ctx, metadataKey(key))
		pipe.HSet(ctx, metadataKey(key), fields)
		if ttl > 0 {
			pipe.Expire(ctx, metadataKey(key), ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put blob: %w", err)
	}
	return nil
}

// Get retrieves a payload and its metadata. Returns ErrBlobNotFound when the
// key has expired or never existed.
func (s *RedisBlobStore) Get(ctx context.Context, key string) ([]byte, map[string]string, error) {
	if key == "" {
		return nil, nil, errors.New("key cannot be empty")
	}

	payload, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil, core.ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("redis get blob: %w", err)
	}

	metadata, err := s.client.HGetAll(ctx, metadataKey(key)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis get blob metadata: %w", err)
	}
	return payload, metadata, nil
}

// Metadata retrieves just the metadata hash for a key without the payload.
func (s *RedisBlobStore) Metadata(ctx context.Context, key string) (map[string]string, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}

	// Existence is determined by the payload key; the metadata hash may be
	// empty for entries stored without metadata.
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		return nil, core.ErrBlobNotFound
	}

	metadata, err := s.client.HGetAll(ctx, metadataKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get blob metadata: %w", err)
	}
	return metadata, nil
}

// Delete removes a key and its metadata. Reports whether the payload existed.
func (s *RedisBlobStore) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("key cannot be empty")
	}

	removed, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis del blob: %w", err)
	}
	if err := s.client.Del(ctx, metadataKey(key)).Err(); err != nil {
		return false, fmt.Errorf("redis del blob metadata: %w", err)
	}
	return removed > 0, nil
}

// List returns payload keys matching the prefix, excluding metadata keys.
// Uses SCAN so it never blocks the server on large keyspaces.
func (s *RedisBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if len(key) > 3 && key[len(key)-3:] == ":md" {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan blobs: %w", err)
	}
	return keys, nil
}

// Health checks the health of the Redis connection.
func (s *RedisBlobStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
