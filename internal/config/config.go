// ABOUTME: Configuration loading and parsing for spreadapi-gateway
// ABOUTME: Supports YAML or TOML files with .env loading, env var expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete spreadapi-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Blob      BlobConfig      `yaml:"blob" toml:"blob"`
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Webhook   WebhookConfig   `yaml:"webhook" toml:"webhook"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	OAuth     OAuthConfig     `yaml:"oauth" toml:"oauth"`
	PrintJobs PrintJobsConfig `yaml:"printjobs" toml:"printjobs"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener and background worker settings
type ServerConfig struct {
	HTTPAddr          string `yaml:"http_addr" toml:"http_addr"`
	PublicURL         string `yaml:"public_url" toml:"public_url"` // external base URL, used in discovery docs
	BackgroundWorkers int    `yaml:"background_workers" toml:"background_workers"`
	BackgroundQueue   int    `yaml:"background_queue" toml:"background_queue"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose publicly over HTTPS
}

// Store drivers
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// StoreConfig selects and configures the KV store
type StoreConfig struct {
	Driver        string `yaml:"driver" toml:"driver"`
	SQLitePath    string `yaml:"sqlite_path" toml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`

	SweepInterval    time.Duration `yaml:"-" toml:"-"`
	SweepIntervalRaw string        `yaml:"sweep_interval" toml:"sweep_interval"`
}

// Blob drivers
const (
	BlobMemory = "memory"
	BlobMinio  = "minio"
)

// BlobConfig configures definition blob storage
type BlobConfig struct {
	Driver    string `yaml:"driver" toml:"driver"`
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	Bucket    string `yaml:"bucket" toml:"bucket"`
	AccessKey string `yaml:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
	Region    string `yaml:"region" toml:"region"`
	UseSSL    bool   `yaml:"use_ssl" toml:"use_ssl"`
}

// EngineConfig points at the calculation engine
type EngineConfig struct {
	URL string `yaml:"url" toml:"url"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// CacheConfig holds the cache tier lifetimes and workbook limits
type CacheConfig struct {
	WorkbookMaxEntries    int   `yaml:"workbook_max_entries" toml:"workbook_max_entries"`
	WorkbookMaxBytes      int64 `yaml:"workbook_max_bytes" toml:"workbook_max_bytes"`
	WorkbookMaxEntryBytes int64 `yaml:"workbook_max_entry_bytes" toml:"workbook_max_entry_bytes"`

	DefinitionTTL   time.Duration `yaml:"-" toml:"-"`
	ResultTTL       time.Duration `yaml:"-" toml:"-"`
	WorkbookIdleTTL time.Duration `yaml:"-" toml:"-"`

	DefinitionTTLRaw   string `yaml:"definition_ttl" toml:"definition_ttl"`
	ResultTTLRaw       string `yaml:"result_ttl" toml:"result_ttl"`
	WorkbookIdleTTLRaw string `yaml:"workbook_idle_ttl" toml:"workbook_idle_ttl"`
}

// WebhookConfig holds webhook delivery settings
type WebhookConfig struct {
	RateLimit int `yaml:"rate_limit" toml:"rate_limit"`

	Timeout       time.Duration `yaml:"-" toml:"-"`
	RateWindow    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw    string        `yaml:"timeout" toml:"timeout"`
	RateWindowRaw string        `yaml:"rate_window" toml:"rate_window"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// OAuthConfig is advertised in the MCP discovery documents
type OAuthConfig struct {
	Resource              string   `yaml:"resource" toml:"resource"`
	Issuer                string   `yaml:"issuer" toml:"issuer"`
	AuthorizationEndpoint string   `yaml:"authorization_endpoint" toml:"authorization_endpoint"`
	TokenEndpoint         string   `yaml:"token_endpoint" toml:"token_endpoint"`
	RegistrationEndpoint  string   `yaml:"registration_endpoint" toml:"registration_endpoint"`
	JWKSURI               string   `yaml:"jwks_uri" toml:"jwks_uri"`
	Scopes                []string `yaml:"scopes" toml:"scopes"`
}

// PrintJobsConfig holds print job lifetimes
type PrintJobsConfig struct {
	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// RateLimitConfig throttles the public API per client
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file beside the config, then one in the working directory, is loaded
// first without overriding variables already set. Environment variables in the
// format ${VAR_NAME} are expanded. Files ending in .toml are parsed as TOML,
// everything else as YAML.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal([]byte(expanded), &cfg)
	} else {
		err = yaml.Unmarshal([]byte(expanded), &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func loadDotEnv(paths ...string) error {
	seen := map[string]bool{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true

		if err := godotenv.Load(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.BackgroundWorkers <= 0 {
		c.Server.BackgroundWorkers = 4
	}
	if c.Server.BackgroundQueue <= 0 {
		c.Server.BackgroundQueue = 256
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.SweepInterval <= 0 {
		c.Store.SweepInterval = time.Minute
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = BlobMemory
	}
	if c.Engine.Timeout <= 0 {
		c.Engine.Timeout = 30 * time.Second
	}
	if c.Cache.DefinitionTTL <= 0 {
		// Self-hosted deployments have no edge; definitions change only on publish
		if c.Store.Driver == DriverSQLite {
			c.Cache.DefinitionTTL = 24 * time.Hour
		} else {
			c.Cache.DefinitionTTL = 30 * time.Minute
		}
	}
	if c.Cache.ResultTTL <= 0 {
		c.Cache.ResultTTL = 10 * time.Minute
	}
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = 5 * time.Second
	}
	if c.Webhook.RateLimit <= 0 {
		c.Webhook.RateLimit = 60
	}
	if c.Webhook.RateWindow <= 0 {
		c.Webhook.RateWindow = 60 * time.Second
	}
	if c.PrintJobs.TTL <= 0 {
		c.PrintJobs.TTL = time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverSQLite, DriverRedis, c.Store.Driver)
	}

	switch c.Blob.Driver {
	case BlobMemory:
	case BlobMinio:
		if c.Blob.Endpoint == "" || c.Blob.Bucket == "" {
			return fmt.Errorf("blob.endpoint and blob.bucket are required for the minio driver")
		}
	default:
		return fmt.Errorf("blob.driver must be %q or %q, got %q", BlobMemory, BlobMinio, c.Blob.Driver)
	}

	if c.Engine.URL == "" {
		return fmt.Errorf("engine.url is required")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}

	if c.Cache.ResultTTL < 5*time.Minute || c.Cache.ResultTTL > 15*time.Minute {
		return fmt.Errorf("cache.result_ttl must be between 5m and 15m, got %s", c.Cache.ResultTTL)
	}

	if c.Cache.WorkbookMaxBytes > 0 && c.Cache.WorkbookMaxEntryBytes > c.Cache.WorkbookMaxBytes {
		return fmt.Errorf("cache.workbook_max_entry_bytes must not exceed cache.workbook_max_bytes")
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"store.sweep_interval", cfg.Store.SweepIntervalRaw, &cfg.Store.SweepInterval},
		{"engine.timeout", cfg.Engine.TimeoutRaw, &cfg.Engine.Timeout},
		{"cache.definition_ttl", cfg.Cache.DefinitionTTLRaw, &cfg.Cache.DefinitionTTL},
		{"cache.result_ttl", cfg.Cache.ResultTTLRaw, &cfg.Cache.ResultTTL},
		{"cache.workbook_idle_ttl", cfg.Cache.WorkbookIdleTTLRaw, &cfg.Cache.WorkbookIdleTTL},
		{"webhook.timeout", cfg.Webhook.TimeoutRaw, &cfg.Webhook.Timeout},
		{"webhook.rate_window", cfg.Webhook.RateWindowRaw, &cfg.Webhook.RateWindow},
		{"printjobs.ttl", cfg.PrintJobs.TTLRaw, &cfg.PrintJobs.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

