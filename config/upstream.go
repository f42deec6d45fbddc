package config

import (
	"strings"
	"time"
)

// UpstreamConfig contains metering API client configuration.
type UpstreamConfig struct {
	// BaseURL is the root of the metering API, e.g. "https://metering.example.com/api/v1".
	BaseURL string `env:"BASE_URL"`

	// APIKey authenticates requests to the metering API.
	APIKey string `env:"API_KEY"`

	// PageSize is the sample count requested per page.
	PageSize int `env:"PAGE_SIZE" envDefault:"5000"`

	// MaxPages bounds one fetch; results that hit the bound are truncated.
	MaxPages int `env:"MAX_PAGES" envDefault:"100"`

	// RequestTimeout bounds a single page request.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
}

// Sanitize applies guardrails to upstream configuration values.
func (u *UpstreamConfig) Sanitize() {
	u.BaseURL = strings.TrimRight(strings.TrimSpace(u.BaseURL), "/")
	u.APIKey = strings.TrimSpace(u.APIKey)
	if u.PageSize < 1 {
		u.PageSize = 5000
	}
	if u.MaxPages < 1 {
		u.MaxPages = 100
	}
	if u.RequestTimeout < 1*time.Second {
		u.RequestTimeout = 1 * time.Second
	}
}
