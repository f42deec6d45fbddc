package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Database, cache, and queue configuration
//   - upstream.go: Metering API client configuration
//   - fetch.go: Request routing configuration
//   - http.go: HTTP server configuration
//   - services.go: Service mode and worker configuration
type AppConfig struct {
	// IsDev controls development mode behavior (seed data, relaxed guards).
	// Set DEV=true or NODE_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Cache    CacheConfig
	Queue    QueueConfig `envPrefix:"QUEUE_"`

	// Upstream metering API configuration
	Upstream UpstreamConfig `envPrefix:"UPSTREAM_"`

	// Request routing configuration
	Fetch FetchConfig

	// HTTP server configuration
	HTTP HTTPConfig

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"http"`

	// Fetch worker configuration
	FetchWorker FetchWorkerConfig

	// Dead-letter queue worker configuration
	DLQWorker DLQWorkerConfig

	// Archiver configuration
	Archiver ArchiverConfig

	// Cache warmer configuration
	Sync SyncConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Cache.Sanitize()
	c.Queue.Sanitize()
	c.Upstream.Sanitize()
	c.Fetch.Sanitize()
	c.HTTP.Sanitize()
	c.FetchWorker.Sanitize()
	c.DLQWorker.Sanitize()
	c.Archiver.Sanitize()
	c.Sync.Sanitize()
	c.Observability.Sanitize()

	// Check NODE_ENV for dev mode
	c.detectDevMode()
}

// detectDevMode checks both DEV and NODE_ENV environment variables.
// This is called by Sanitize() to ensure IsDev is set correctly.
// NODE_ENV is checked as a fallback (common in frontend tooling).
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeHTTP]
}

// IsFetchWorkerEnabled returns true if the fetch worker service is enabled.
func (c *AppConfig) IsFetchWorkerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeFetchWorker]
}

// IsDLQWorkerEnabled returns true if the DLQ worker service is enabled.
func (c *AppConfig) IsDLQWorkerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeDLQWorker]
}

// IsArchiverEnabled returns true if the archiver service is enabled.
func (c *AppConfig) IsArchiverEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeArchiver]
}

// IsSyncEnabled returns true if the cache warmer service is enabled.
func (c *AppConfig) IsSyncEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeSync]
}
