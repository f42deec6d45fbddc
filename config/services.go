package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeFetchWorker runs the background fetch job worker.
	ServiceModeFetchWorker ServiceMode = "fetch-worker"
	// ServiceModeDLQWorker runs the dead-letter queue processor.
	ServiceModeDLQWorker ServiceMode = "dlq-worker"
	// ServiceModeArchiver runs the storage hygiene loop.
	ServiceModeArchiver ServiceMode = "archiver"
	// ServiceModeSync runs the periodic cache warmer.
	ServiceModeSync ServiceMode = "sync"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeFetchWorker,
		ServiceModeDLQWorker,
		ServiceModeArchiver,
		ServiceModeSync,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP,
			ServiceModeFetchWorker,
			ServiceModeDLQWorker,
			ServiceModeArchiver,
			ServiceModeSync:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, fetch-worker, dlq-worker, archiver, sync)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// FetchWorkerConfig contains background fetch worker configuration.
type FetchWorkerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"FETCH_WORKER_CONCURRENCY" envDefault:"2"`

	// JobFetchTimeout bounds a single queued fetch from start to finish.
	JobFetchTimeout time.Duration `env:"FETCH_WORKER_JOB_TIMEOUT" envDefault:"10m"`

	// MaxRetries is the retry budget for transient fetch failures.
	MaxRetries int `env:"FETCH_WORKER_MAX_RETRIES" envDefault:"3"`

	// BaseRetryDelay is the first retry delay; subsequent delays double.
	BaseRetryDelay time.Duration `env:"FETCH_WORKER_BASE_RETRY_DELAY" envDefault:"30s"`

	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration `env:"FETCH_WORKER_MAX_RETRY_DELAY" envDefault:"15m"`
}

// Sanitize applies guardrails to fetch worker configuration values.
func (f *FetchWorkerConfig) Sanitize() {
	if f.Concurrency < 1 {
		f.Concurrency = 1
	}
	if f.JobFetchTimeout < 10*time.Second {
		f.JobFetchTimeout = 10 * time.Second
	}
	if f.MaxRetries < 0 {
		f.MaxRetries = 0
	}
	if f.BaseRetryDelay < 1*time.Second {
		f.BaseRetryDelay = 1 * time.Second
	}
	if f.MaxRetryDelay < f.BaseRetryDelay {
		f.MaxRetryDelay = f.BaseRetryDelay
	}
}

// DLQWorkerConfig contains dead-letter queue processor configuration.
type DLQWorkerConfig struct {
	// Interval is the drain tick interval.
	Interval time.Duration `env:"DLQ_WORKER_INTERVAL" envDefault:"30s"`

	// BatchSize is the maximum number of dead letters to process per tick.
	BatchSize int64 `env:"DLQ_WORKER_BATCH_SIZE" envDefault:"10"`
}

// Sanitize applies guardrails to DLQ worker configuration values.
func (d *DLQWorkerConfig) Sanitize() {
	if d.Interval < 1*time.Second {
		d.Interval = 1 * time.Second
	}
	if d.BatchSize < 1 {
		d.BatchSize = 1
	}
	if d.BatchSize > 1000 {
		d.BatchSize = 1000
	}
}

// ArchiverConfig contains storage hygiene loop configuration.
type ArchiverConfig struct {
	// Interval is the sweep tick interval.
	Interval time.Duration `env:"ARCHIVER_INTERVAL" envDefault:"1h"`

	// JobRetention is how long terminal job rows stay in the live table
	// before they move to history.
	JobRetention time.Duration `env:"ARCHIVER_JOB_RETENTION" envDefault:"168h"` // 7 days

	// AnalyticsRetention is how long per-request analytics rows are kept.
	AnalyticsRetention time.Duration `env:"ARCHIVER_ANALYTICS_RETENTION" envDefault:"720h"` // 30 days
}

// Sanitize applies guardrails to archiver configuration values.
func (a *ArchiverConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if a.Interval < 1*time.Minute {
		a.Interval = 1 * time.Minute
	}
	if a.JobRetention < 1*time.Hour {
		a.JobRetention = 1 * time.Hour
	}
	if a.AnalyticsRetention < 24*time.Hour {
		a.AnalyticsRetention = 24 * time.Hour
	}
}

// SyncTarget is one site and point set the cache warmer keeps fresh.
type SyncTarget struct {
	Site   string
	Points []string
}

// SyncConfig contains cache warmer configuration.
type SyncConfig struct {
	// Interval is the warm sweep tick interval.
	Interval time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`

	// Window is how far back each warm fetch reaches.
	Window time.Duration `env:"SYNC_WINDOW" envDefault:"1h"`

	// FetchTimeout bounds a single warm fetch.
	FetchTimeout time.Duration `env:"SYNC_FETCH_TIMEOUT" envDefault:"2m"`

	// Targets lists the site/point sets to keep warm, in the form
	// "site:point1|point2;other-site:point3". Empty disables warming.
	Targets string `env:"SYNC_TARGETS" envDefault:""`
}

// Sanitize applies guardrails to sync configuration values.
func (s *SyncConfig) Sanitize() {
	if s.Interval < 1*time.Minute {
		s.Interval = 1 * time.Minute
	}
	if s.Window < s.Interval {
		s.Window = s.Interval
	}
	if s.FetchTimeout < 10*time.Second {
		s.FetchTimeout = 10 * time.Second
	}
}

// ParseTargets parses the Targets string into structured targets. Entries
// without a site or without points are rejected.
func (s *SyncConfig) ParseTargets() ([]SyncTarget, error) {
	raw := strings.TrimSpace(s.Targets)
	if raw == "" {
		return nil, nil
	}

	var targets []SyncTarget
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		site, pointList, found := strings.Cut(entry, ":")
		site = strings.TrimSpace(site)
		if !found || site == "" {
			return nil, fmt.Errorf("invalid sync target %q: expected site:point1|point2", entry)
		}

		var points []string
		for _, p := range strings.Split(pointList, "|") {
			if p = strings.TrimSpace(p); p != "" {
				points = append(points, p)
			}
		}
		if len(points) == 0 {
			return nil, fmt.Errorf("sync target %q has no points", entry)
		}

		targets = append(targets, SyncTarget{Site: site, Points: points})
	}
	return targets, nil
}
