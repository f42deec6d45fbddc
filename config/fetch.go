package config

import "time"

// FetchConfig contains request routing and orchestration configuration.
type FetchConfig struct {
	// SamplesPerDay is the density assumed when estimating request size.
	SamplesPerDay int64 `env:"FETCH_SAMPLES_PER_DAY" envDefault:"100"`

	// SmallThreshold is the estimated sample count up to which requests are
	// served with a direct synchronous fetch.
	SmallThreshold int64 `env:"FETCH_SMALL_THRESHOLD" envDefault:"1000"`

	// LargeThreshold is the estimated sample count above which requests are
	// queued as background jobs.
	LargeThreshold int64 `env:"FETCH_LARGE_THRESHOLD" envDefault:"100000"`

	// DirectTimeout bounds a synchronous direct-route fetch.
	DirectTimeout time.Duration `env:"FETCH_DIRECT_TIMEOUT" envDefault:"30s"`

	// SitesCacheTTL is how long the upstream site list is cached.
	SitesCacheTTL time.Duration `env:"FETCH_SITES_CACHE_TTL" envDefault:"5m"`
}

// Sanitize applies guardrails to fetch configuration values.
func (f *FetchConfig) Sanitize() {
	if f.SamplesPerDay < 1 {
		f.SamplesPerDay = 100
	}
	if f.SmallThreshold < 1 {
		f.SmallThreshold = 1000
	}
	if f.LargeThreshold <= f.SmallThreshold {
		f.LargeThreshold = f.SmallThreshold * 100
	}
	if f.DirectTimeout < 1*time.Second {
		f.DirectTimeout = 1 * time.Second
	}
	if f.SitesCacheTTL < 10*time.Second {
		f.SitesCacheTTL = 10 * time.Second
	}
}
