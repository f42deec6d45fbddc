package config

import "time"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"timeseries"`
	Password string `env:"PASSWORD"                envDefault:"timeseries"`
	Name     string `env:"NAME"                    envDefault:"timeseries"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelPort       string   `env:"SENTINEL_PORT"        envDefault:"26379"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}

// CacheConfig contains result cache configuration.
type CacheConfig struct {
	// MaxAge is the staleness bound for cached payloads. Entries older than
	// this are treated as absent and refetched.
	MaxAge time.Duration `env:"CACHE_MAX_AGE" envDefault:"6h"`

	// IndexEnabled mirrors cache entry metadata into the row store so that
	// cache statistics survive Redis restarts.
	IndexEnabled bool `env:"CACHE_INDEX_ENABLED" envDefault:"true"`
}

// Sanitize applies guardrails to cache configuration values.
func (c *CacheConfig) Sanitize() {
	if c.MaxAge < 1*time.Minute {
		c.MaxAge = 1 * time.Minute
	}
}

// QueueConfig contains durable queue configuration (Redis Streams).
type QueueConfig struct {
	// Prefix namespaces every Redis key the queue touches.
	Prefix string `env:"PREFIX" envDefault:"tsapi"`

	// Group is the consumer group shared by all workers.
	Group string `env:"GROUP" envDefault:"fetch-workers"`

	// BlockTimeout bounds how long a worker blocks waiting for messages.
	BlockTimeout time.Duration `env:"BLOCK_TIMEOUT" envDefault:"5s"`

	// VisibilityTimeout is how long a delivered, unacked message stays owned
	// by its consumer before another worker may claim it.
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"5m"`

	// DeadStreamMaxLen caps the dead-letter stream length.
	DeadStreamMaxLen int64 `env:"DEAD_STREAM_MAX_LEN" envDefault:"10000"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	if q.BlockTimeout < 1*time.Second {
		q.BlockTimeout = 1 * time.Second
	}
	if q.VisibilityTimeout < 10*time.Second {
		q.VisibilityTimeout = 10 * time.Second
	}
	if q.DeadStreamMaxLen < 100 {
		q.DeadStreamMaxLen = 100
	}
}
