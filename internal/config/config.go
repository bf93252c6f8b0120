package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

type (
	// RedisConfig holds connection settings for the engine's Redis backend
	RedisConfig struct {
		Addr     string
		Password string
		Prefix   string
		DB       int
	}

	// Config holds configuration settings for the engine
	Config struct {
		// API server
		APIHost  string
		APIPort  int
		LogLevel string

		// Backend stores and queues
		Redis RedisConfig

		// Durable runtime defaults, applied when no per-step policy is
		// consulted
		GlobalConcurrency int
		DefaultRateLimit  api.RateLimit
		DefaultRetry      api.RetryPolicy

		// Sandbox runtime
		SandboxBaseURL      string
		SandboxAPIKey       string
		SandboxSyncTimeout  time.Duration
		SandboxAsyncTimeout time.Duration

		// Outbound HTTP
		HTTPTimeout time.Duration

		// Credential cache
		CredentialCacheTTL time.Duration

		// OAuth token endpoint overrides keyed by tool name
		TokenEndpoints map[string]string

		// Audit archiving; empty bucket URL disables the archiver
		ArchiveBucketURL string
		ArchivePrefix    string

		ShutdownTimeout time.Duration
	}
)

const (
	DefaultAPIPort = 8080
	DefaultAPIHost = "0.0.0.0"
	MaxTCPPort     = 65535

	DefaultRedisEndpoint = "localhost:6379"
	DefaultRedisPrefix   = "loom"

	DefaultGlobalConcurrency = 10
	DefaultRateMax           = 100
	DefaultRatePerMs         = 60_000
	DefaultRetryMaxAttempts  = 3
	DefaultRetryDelayMs      = 2000

	DefaultSandboxSyncTimeout  = 30 * time.Second
	DefaultSandboxAsyncTimeout = 5 * time.Minute
	DefaultHTTPTimeout         = 30 * time.Second
	DefaultCredentialCacheTTL  = 10 * time.Minute
	DefaultShutdownTimeout     = 10 * time.Second

	MaxGlobalConcurrency = 10_000
	MaxRetryMaxAttempts  = 1000
)

// Tools with overridable OAuth token endpoints
var tokenEndpointTools = []string{
	"github", "google", "microsoft", "slack", "discord",
}

var (
	ErrInvalidAPIPort     = errors.New("invalid API port")
	ErrInvalidConcurrency = errors.New("global concurrency must be positive")
	ErrInvalidRetry       = errors.New("retry max attempts must be positive")
	ErrInvalidRateLimit   = errors.New("rate limit must be positive")
)

// NewDefaultConfig creates a configuration with sensible defaults for the
// engine, the sandbox client, and the durable runtime
func NewDefaultConfig() *Config {
	return &Config{
		APIHost:  DefaultAPIHost,
		APIPort:  DefaultAPIPort,
		LogLevel: "info",
		Redis: RedisConfig{
			Addr:   DefaultRedisEndpoint,
			Prefix: DefaultRedisPrefix,
		},
		GlobalConcurrency: DefaultGlobalConcurrency,
		DefaultRateLimit: api.RateLimit{
			Max:   DefaultRateMax,
			PerMs: DefaultRatePerMs,
		},
		DefaultRetry: api.RetryPolicy{
			MaxAttempts: DefaultRetryMaxAttempts,
			Backoff: api.Backoff{
				Kind:    api.BackoffExponential,
				DelayMs: DefaultRetryDelayMs,
			},
		},
		SandboxSyncTimeout:  DefaultSandboxSyncTimeout,
		SandboxAsyncTimeout: DefaultSandboxAsyncTimeout,
		HTTPTimeout:         DefaultHTTPTimeout,
		CredentialCacheTTL:  DefaultCredentialCacheTTL,
		TokenEndpoints:      map[string]string{},
		ArchivePrefix:       "executions/",
		ShutdownTimeout:     DefaultShutdownTimeout,
	}
}

// LoadFromEnv populates configuration values from environment variables.
// Returns an error if any value cannot be parsed or is out of range.
func (c *Config) LoadFromEnv() error {
	if host := os.Getenv("API_HOST"); host != "" {
		c.APIHost = host
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}
	if prefix := os.Getenv("REDIS_PREFIX"); prefix != "" {
		c.Redis.Prefix = prefix
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}
	if url := os.Getenv("SANDBOX_BASE_URL"); url != "" {
		c.SandboxBaseURL = url
	}
	if key := os.Getenv("SANDBOX_API_KEY"); key != "" {
		c.SandboxAPIKey = key
	}
	if url := os.Getenv("ARCHIVE_BUCKET_URL"); url != "" {
		c.ArchiveBucketURL = url
	}
	if prefix := os.Getenv("ARCHIVE_PREFIX"); prefix != "" {
		c.ArchivePrefix = prefix
	}

	if err := loadEnvInt(
		"API_PORT", &c.APIPort, 0, MaxTCPPort,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"GLOBAL_CONCURRENCY", &c.GlobalConcurrency, 0, MaxGlobalConcurrency,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"RETRY_MAX_ATTEMPTS", &c.DefaultRetry.MaxAttempts, 0,
		MaxRetryMaxAttempts,
	); err != nil {
		return err
	}

	loadEnvMillis("DAYTONA_SYNC_TIMEOUT", &c.SandboxSyncTimeout)
	loadEnvMillis("DAYTONA_ASYNC_TIMEOUT", &c.SandboxAsyncTimeout)
	loadEnvMillis("HTTP_TIMEOUT", &c.HTTPTimeout)

	for _, tool := range tokenEndpointTools {
		key := "OAUTH_TOKEN_ENDPOINT_" + strings.ToUpper(tool)
		if url := os.Getenv(key); url != "" {
			c.TokenEndpoints[tool] = url
		}
	}

	return nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidAPIPort, c.APIPort)
	}
	if c.GlobalConcurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if c.DefaultRetry.MaxAttempts <= 0 {
		return ErrInvalidRetry
	}
	if c.DefaultRateLimit.Max <= 0 || c.DefaultRateLimit.PerMs <= 0 {
		return ErrInvalidRateLimit
	}
	return nil
}

// loadEnvInt reads key from the environment, parses it as an integer, and
// sets *dst if the value is in the range (min, max). Returns an error if
// the value cannot be parsed or falls outside the valid range.
func loadEnvInt[T ~int | ~int64](key string, dst *T, min, max T) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	tv := T(v)
	if tv <= min || tv > max {
		return fmt.Errorf("invalid %s: %d out of range [%d, %d]",
			key, tv, min+1, max)
	}
	*dst = tv
	return nil
}

// loadEnvMillis reads key as a millisecond count and sets *dst when the
// value parses and is positive
func loadEnvMillis(key string, dst *time.Duration) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}
