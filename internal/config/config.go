// Package config provides application configuration with multi-source
// priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (CODERAG_* prefix, runtime override)
//  2. Config file (~/.coderag/config.yaml, optional)
//  3. Default values
//
// Categories:
//   - Log: level and format for stderr diagnostics
//   - Crawler: politeness and resource ceilings
//   - Chunker: chunk sizing and overlap
//   - Embedding: model cache location and batch size
//   - Project: recognized project-root marker files
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidLogLevel indicates an unrecognized log level string.
	ErrInvalidLogLevel = errors.New("invalid log level")

	// ErrInvalidChunkSize indicates chunker token limits are out of range.
	ErrInvalidChunkSize = errors.New("invalid chunk size")

	// ErrInvalidOverlap indicates the chunk overlap is negative or exceeds
	// the chunk size.
	ErrInvalidOverlap = errors.New("invalid chunk overlap")

	// ErrInvalidDelay indicates the per-host crawl delay is negative.
	ErrInvalidDelay = errors.New("invalid crawl delay")

	// ErrInvalidConcurrency indicates a concurrency ceiling is not positive.
	ErrInvalidConcurrency = errors.New("invalid concurrency limit")

	// ErrInvalidMaxPages indicates the max pages cap is out of range.
	ErrInvalidMaxPages = errors.New("invalid max pages")
)

// Defaults. The crawler values implement the politeness contract: at most
// two in-flight requests per host, at least 500ms between requests to the
// same host.
const (
	DefaultPerHostDelay   = 500 * time.Millisecond
	DefaultPerHostWorkers = 2
	DefaultMaxInFlight    = 8
	DefaultCrawlTimeout   = 10 * time.Minute
	DefaultMaxPagesCap    = 500

	DefaultChunkMaxTokens     = 1500
	DefaultChunkOverlapTokens = 200
	DefaultChunkMinTokens     = 100

	DefaultEmbedBatchSize = 32
)

// DefaultProjectMarkers is the default set of files (or directories) whose
// presence marks a directory as a project root.
var DefaultProjectMarkers = []string{
	".git",
	"package.json",
	"Cargo.toml",
	"pyproject.toml",
	"go.mod",
	"pom.xml",
	"build.gradle",
	"Gemfile",
	"composer.json",
}

// Config stores application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Chunker   ChunkerConfig   `mapstructure:"chunker"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Project   ProjectConfig   `mapstructure:"project"`
}

// LogConfig controls stderr diagnostics.
type LogConfig struct {
	Level string `mapstructure:"level"` // "debug", "info", "warn", "error"
	JSON  bool   `mapstructure:"json"`
}

// CrawlerConfig controls crawl politeness and ceilings.
type CrawlerConfig struct {
	PerHostDelay   time.Duration `mapstructure:"per_host_delay"`
	PerHostWorkers int           `mapstructure:"per_host_workers"`
	MaxInFlight    int           `mapstructure:"max_in_flight"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxPagesCap    int           `mapstructure:"max_pages_cap"`
}

// ChunkerConfig controls chunk sizing in estimated token units.
type ChunkerConfig struct {
	MaxTokens     int `mapstructure:"max_tokens"`
	OverlapTokens int `mapstructure:"overlap_tokens"`
	MinTokens     int `mapstructure:"min_tokens"`
}

// EmbeddingConfig controls the local embedding model.
type EmbeddingConfig struct {
	// CacheDir overrides the platform user-cache location for model assets.
	// Empty means os.UserCacheDir()/coderag.
	CacheDir  string `mapstructure:"cache_dir"`
	BatchSize int    `mapstructure:"batch_size"`
}

// ProjectConfig controls project-root detection.
type ProjectConfig struct {
	Markers []string `mapstructure:"markers"`
}

// Load reads configuration from defaults, the optional config file, and
// environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("crawler.per_host_delay", DefaultPerHostDelay)
	v.SetDefault("crawler.per_host_workers", DefaultPerHostWorkers)
	v.SetDefault("crawler.max_in_flight", DefaultMaxInFlight)
	v.SetDefault("crawler.timeout", DefaultCrawlTimeout)
	v.SetDefault("crawler.max_pages_cap", DefaultMaxPagesCap)
	v.SetDefault("chunker.max_tokens", DefaultChunkMaxTokens)
	v.SetDefault("chunker.overlap_tokens", DefaultChunkOverlapTokens)
	v.SetDefault("chunker.min_tokens", DefaultChunkMinTokens)
	v.SetDefault("embedding.cache_dir", "")
	v.SetDefault("embedding.batch_size", DefaultEmbedBatchSize)
	v.SetDefault("project.markers", DefaultProjectMarkers)

	v.SetEnvPrefix("CODERAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(home, ".coderag"))
		// A missing config file is fine; anything else is a real error.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks all configuration values for consistency.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}

	if c.Chunker.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens=%d", ErrInvalidChunkSize, c.Chunker.MaxTokens)
	}
	if c.Chunker.MinTokens < 0 || c.Chunker.MinTokens > c.Chunker.MaxTokens {
		return fmt.Errorf("%w: min_tokens=%d", ErrInvalidChunkSize, c.Chunker.MinTokens)
	}
	if c.Chunker.OverlapTokens < 0 || c.Chunker.OverlapTokens >= c.Chunker.MaxTokens {
		return fmt.Errorf("%w: overlap_tokens=%d", ErrInvalidOverlap, c.Chunker.OverlapTokens)
	}

	if c.Crawler.PerHostDelay < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDelay, c.Crawler.PerHostDelay)
	}
	if c.Crawler.PerHostWorkers <= 0 || c.Crawler.MaxInFlight <= 0 {
		return fmt.Errorf("%w: per_host_workers=%d max_in_flight=%d",
			ErrInvalidConcurrency, c.Crawler.PerHostWorkers, c.Crawler.MaxInFlight)
	}
	if c.Crawler.MaxPagesCap <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxPages, c.Crawler.MaxPagesCap)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size=%d", ErrInvalidConcurrency, c.Embedding.BatchSize)
	}
	return nil
}
