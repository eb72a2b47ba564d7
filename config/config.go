// Package config loads the sync engine configuration from an optional
// TOML file with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	"github.com/epaperframe/toccata/ratelimit"
)

// ErrInvalid occurs when a required field is missing or a value is out
// of range.
var ErrInvalid = errors.New("config: invalid configuration")

// Config holds every tunable of the sync engine.
type Config struct {
	// Google service account identity.
	ServiceAccountEmail string `toml:"service_account_email" env:"TOCCATA_SERVICE_ACCOUNT_EMAIL"`
	PrivateKeyFile      string `toml:"private_key_file" env:"TOCCATA_PRIVATE_KEY_FILE"`
	ClientID            string `toml:"client_id" env:"TOCCATA_CLIENT_ID"`

	// Drive folder to synchronise.
	FolderID string `toml:"folder_id" env:"TOCCATA_FOLDER_ID"`

	// RootCAFile pins the TLS roots used for Google endpoints.
	// Certificates are not verified when empty.
	RootCAFile string `toml:"root_ca_file" env:"TOCCATA_ROOT_CA_FILE"`

	// CacheRoot is the directory holding the table of contents, the
	// token file and downloaded images.
	CacheRoot string `toml:"cache_root" env:"TOCCATA_CACHE_ROOT"`

	// PageSize is the number of entries requested per listing page.
	PageSize int `toml:"page_size" env:"TOCCATA_PAGE_SIZE"`

	// AllowedExtensions filters the listing by file extension.
	AllowedExtensions []string `toml:"allowed_extensions" env:"TOCCATA_ALLOWED_EXTENSIONS"`

	// TOCMaxAgeSeconds is how long a listing stays fresh.
	TOCMaxAgeSeconds int64 `toml:"toc_max_age_seconds" env:"TOCCATA_TOC_MAX_AGE_SECONDS"`

	// Request pacing.
	RateLimitWindowSeconds int `toml:"rate_limit_window_seconds" env:"TOCCATA_RATE_LIMIT_WINDOW_SECONDS"`
	MaxRequestsPerWindow   int `toml:"max_requests_per_window" env:"TOCCATA_MAX_REQUESTS_PER_WINDOW"`
	MinRequestDelayMs      int `toml:"min_request_delay_ms" env:"TOCCATA_MIN_REQUEST_DELAY_MS"`
	MaxWaitTimeMs          int `toml:"max_wait_time_ms" env:"TOCCATA_MAX_WAIT_TIME_MS"`

	// Retry behaviour.
	MaxRetryAttempts   int `toml:"max_retry_attempts" env:"TOCCATA_MAX_RETRY_ATTEMPTS"`
	BackoffBaseDelayMs int `toml:"backoff_base_delay_ms" env:"TOCCATA_BACKOFF_BASE_DELAY_MS"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CacheRoot:              "/gdrive",
		PageSize:               100,
		AllowedExtensions:      []string{".bin", ".bmp"},
		TOCMaxAgeSeconds:       604800,
		RateLimitWindowSeconds: 100,
		MaxRequestsPerWindow:   100,
		MinRequestDelayMs:      500,
		MaxWaitTimeMs:          30000,
		MaxRetryAttempts:       3,
		BackoffBaseDelayMs:     5000,
	}
}

// Load builds the configuration from defaults, the optional TOML file
// at path, and environment variables, in that order of precedence.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()

	if path != "" {
		content, err := afero.ReadFile(fs, path)
		if err != nil {
			return Config{}, err
		}

		if err := toml.Unmarshal(content, &cfg); err != nil {
			return Config{}, fmt.Errorf("%v: %w", err, ErrInvalid)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%v: %w", err, ErrInvalid)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks required fields and value ranges.
func (cfg Config) Validate() error {
	if cfg.ServiceAccountEmail == "" {
		return fmt.Errorf("service_account_email is required: %w", ErrInvalid)
	}
	if cfg.PrivateKeyFile == "" {
		return fmt.Errorf("private_key_file is required: %w", ErrInvalid)
	}
	if cfg.FolderID == "" {
		return fmt.Errorf("folder_id is required: %w", ErrInvalid)
	}
	if cfg.CacheRoot == "" {
		return fmt.Errorf("cache_root is required: %w", ErrInvalid)
	}
	if cfg.PageSize < 1 || cfg.PageSize > 1000 {
		return fmt.Errorf("page_size %d out of range 1-1000: %w", cfg.PageSize, ErrInvalid)
	}
	if cfg.TOCMaxAgeSeconds <= 0 {
		return fmt.Errorf("toc_max_age_seconds must be positive: %w", ErrInvalid)
	}
	if cfg.MaxRetryAttempts < 1 {
		return fmt.Errorf("max_retry_attempts must be at least 1: %w", ErrInvalid)
	}

	return nil
}

// RateLimit converts the pacing fields into a ratelimit.Config.
func (cfg Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		Window:      time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
		MaxRequests: cfg.MaxRequestsPerWindow,
		MinDelay:    time.Duration(cfg.MinRequestDelayMs) * time.Millisecond,
		MaxWait:     time.Duration(cfg.MaxWaitTimeMs) * time.Millisecond,
		BackoffBase: time.Duration(cfg.BackoffBaseDelayMs) * time.Millisecond,
	}
}

// TOCMaxAge returns the listing freshness window as a Duration.
func (cfg Config) TOCMaxAge() time.Duration {
	return time.Duration(cfg.TOCMaxAgeSeconds) * time.Second
}

// DataFile returns the path of the table of contents data file.
func (cfg Config) DataFile() string {
	return filepath.Join(cfg.CacheRoot, "toc_data.txt")
}

// MetaFile returns the path of the table of contents meta file.
func (cfg Config) MetaFile() string {
	return filepath.Join(cfg.CacheRoot, "toc_meta.txt")
}

// TokenFile returns the path access tokens are persisted to.
func (cfg Config) TokenFile() string {
	return filepath.Join(cfg.CacheRoot, "access_token.json")
}

// ImageDir returns the directory downloaded images live in.
func (cfg Config) ImageDir() string {
	return filepath.Join(cfg.CacheRoot, "images")
}

// TempDir returns the directory in-flight downloads are staged in.
func (cfg Config) TempDir() string {
	return filepath.Join(cfg.CacheRoot, "tmp")
}
