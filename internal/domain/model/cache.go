package model

import "time"

// Cache payload encodings recorded alongside stored bytes.
const (
	// EncodingIdentity marks a payload stored without compression.
	EncodingIdentity = "identity"
	// EncodingGzip marks a gzip-compressed payload.
	EncodingGzip = "gzip"
)

// CacheMetadata describes a stored cache entry. Sizes and ratio are recorded
// even when compression was skipped (ratio 1.0) so observability stays uniform.
type CacheMetadata struct {
	PointsCount      int               `json:"pointsCount"`
	SamplesCount     int64             `json:"samplesCount"`
	OriginalSize     int64             `json:"originalSize"`
	CompressedSize   int64             `json:"compressedSize"`
	CompressionRatio float64           `json:"compressionRatio"`
	Encoding         string            `json:"encoding"`
	ContentType      string            `json:"contentType"`
	GeneratedTime    time.Time         `json:"generatedTime"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// CacheEntry pairs a decoded payload with its metadata.
type CacheEntry struct {
	Payload  []byte        `json:"-"`
	Metadata CacheMetadata `json:"metadata"`
}

// CacheStats summarizes cache bookkeeping for aggregate queries.
type CacheStats struct {
	Entries        int64 `json:"entries"`
	OriginalBytes  int64 `json:"originalBytes"`
	StoredBytes    int64 `json:"storedBytes"`
	TotalSamples   int64 `json:"totalSamples"`
	ExpiredEvicted int64 `json:"expiredEvicted"`
}
