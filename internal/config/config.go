package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all knobs of the sync engine. Everything is passed explicitly
// into the components that need it; there is no process-wide state.
type Config struct {
	DataDir string `env:"DATA_DIR" envDefault:"./data"`

	// Fetcher settings
	FetchTimeout       time.Duration `env:"FETCH_TIMEOUT" envDefault:"10s"`
	FetchConcurrency   int           `env:"FETCH_CONCURRENCY" envDefault:"8"`
	FetchRetries       int           `env:"FETCH_RETRIES" envDefault:"1"`
	FetchRetryInterval time.Duration `env:"FETCH_RETRY_INTERVAL" envDefault:"500ms"`
	FetchRatePerSecond float64       `env:"FETCH_RATE_PER_SECOND" envDefault:"4"`
	FetchBurst         int           `env:"FETCH_BURST" envDefault:"8"`
	UserAgent          string        `env:"USER_AGENT" envDefault:"zenfeed/1.0"`

	// Background sync
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"30m"`

	// Query side
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	SearchLimit int           `env:"SEARCH_LIMIT" envDefault:"100"`

	// Daily briefing
	OpenAIAPIKey   string        `env:"OPENAI_API_KEY"`
	BriefingWindow time.Duration `env:"BRIEFING_WINDOW" envDefault:"24h"`
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values that would stall or break the sync pipeline.
func (c *Config) Validate() error {
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("fetch concurrency must be at least 1, got %d", c.FetchConcurrency)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive, got %v", c.FetchTimeout)
	}
	if c.FetchRetries < 0 {
		return fmt.Errorf("fetch retries must not be negative, got %d", c.FetchRetries)
	}
	if c.FetchRatePerSecond <= 0 {
		return fmt.Errorf("fetch rate must be positive, got %v", c.FetchRatePerSecond)
	}
	if c.SearchLimit < 1 {
		return fmt.Errorf("search limit must be at least 1, got %d", c.SearchLimit)
	}
	return nil
}
