// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "QUOTAGUARD_"

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Redis     RedisConfig     `yaml:"redis"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Plans     []PlanConfig    `yaml:"plans"`
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	OpenAPI   OpenAPIConfig   `yaml:"openapi"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	UserHeader      string        `yaml:"user_header"` // Trusted identity header set by the auth layer
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// UpstreamConfig configures the protected API. Without a URL no requests
// are proxied and only the usage endpoints are served.
type UpstreamConfig struct {
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// RedisConfig configures the shared counter backend.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password,omitempty"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StoreConfig selects the counter store.
// "redis" is shared by every instance; "memory" is for single-node use and tests.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "redis" or "memory"
}

// DatabaseConfig configures the durable ledger.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite"
	DSN    string `yaml:"dsn"`
}

// RateLimitConfig configures admission control.
type RateLimitConfig struct {
	FailureMode string        `yaml:"failure_mode"` // "open" or "closed"
	SlotTTL     time.Duration `yaml:"slot_ttl"`
	QueueTTL    time.Duration `yaml:"queue_ttl"`
}

// SchedulerConfig configures the background jobs. Schedules are standard
// five-field cron expressions.
type SchedulerConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	Persistence             string        `yaml:"persistence"`
	RateLimitSweep          string        `yaml:"rate_limit_sweep"`
	CacheSweep              string        `yaml:"cache_sweep"`
	RetryBackoff            time.Duration `yaml:"retry_backoff"`
	PersistenceRetryBackoff time.Duration `yaml:"persistence_retry_backoff"`
	MaxRetries              int           `yaml:"max_retries"`
}

// CacheConfig configures derived-data caches.
type CacheConfig struct {
	PlanTTL      time.Duration `yaml:"plan_ttl"`
	AnalyticsTTL time.Duration `yaml:"analytics_ttl"`
}

// PlanConfig configures a subscription plan.
type PlanConfig struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	RequestsPerMonth   int64  `yaml:"requests_per_month"`
	ConcurrentRequests int    `yaml:"concurrent_requests"`
	Default            bool   `yaml:"default"`
}

// AdminConfig configures the admin API. An empty token hash disables it.
type AdminConfig struct {
	TokenHash string `yaml:"token_hash"` // bcrypt hash, see `quotaguard hash-token`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// OpenAPIConfig configures OpenAPI/Swagger documentation.
type OpenAPIConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds configuration from YAML bytes. ${VAR} references are
// expanded and QUOTAGUARD_* variables override file values.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Config{
		Metrics:   MetricsConfig{Enabled: true},
		OpenAPI:   OpenAPIConfig{Enabled: true},
		Scheduler: SchedulerConfig{Enabled: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	QUOTAGUARD_SERVER_HOST         - Server host (default: 0.0.0.0)
//	QUOTAGUARD_SERVER_PORT         - Server port (default: 8080)
//	QUOTAGUARD_UPSTREAM_URL        - Protected API URL (optional)
//	QUOTAGUARD_STORE_DRIVER        - Counter store: redis or memory (default: redis)
//	QUOTAGUARD_REDIS_ADDR          - Redis address (default: localhost:6379)
//	QUOTAGUARD_REDIS_PASSWORD      - Redis password
//	QUOTAGUARD_DATABASE_DSN        - Ledger database path (default: quotaguard.db)
//	QUOTAGUARD_FAILURE_MODE        - open or closed (default: open)
//	QUOTAGUARD_SCHEDULER_ENABLED   - Run background jobs (default: true)
//	QUOTAGUARD_ADMIN_TOKEN_HASH    - bcrypt hash of the admin token
//	QUOTAGUARD_LOG_LEVEL           - debug, info, warn, error (default: info)
//	QUOTAGUARD_LOG_FORMAT          - json or console (default: json)
//	QUOTAGUARD_METRICS_ENABLED     - Enable /metrics (default: true)
//	QUOTAGUARD_OPENAPI_ENABLED     - Enable OpenAPI/Swagger (default: true)
func LoadFromEnv() (*Config, error) {
	return Parse(nil)
}

// LoadWithFallback loads path when it exists and falls back to the
// environment otherwise.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

func applyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = parseBool(v)
		}
	}

	// Server
	str("SERVER_HOST", &cfg.Server.Host)
	num("SERVER_PORT", &cfg.Server.Port)
	dur("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	dur("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	str("SERVER_USER_HEADER", &cfg.Server.UserHeader)

	// Upstream
	str("UPSTREAM_URL", &cfg.Upstream.URL)
	dur("UPSTREAM_TIMEOUT", &cfg.Upstream.Timeout)

	// Stores
	str("STORE_DRIVER", &cfg.Store.Driver)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	num("REDIS_DB", &cfg.Redis.DB)
	str("DATABASE_DSN", &cfg.Database.DSN)

	// Rate limiting and jobs
	str("FAILURE_MODE", &cfg.RateLimit.FailureMode)
	flag("SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)

	str("ADMIN_TOKEN_HASH", &cfg.Admin.TokenHash)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	flag("METRICS_ENABLED", &cfg.Metrics.Enabled)
	flag("OPENAPI_ENABLED", &cfg.OpenAPI.Enabled)
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.UserHeader == "" {
		cfg.Server.UserHeader = "X-User-ID"
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "redis"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = time.Second
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "quotaguard.db"
	}

	if cfg.RateLimit.FailureMode == "" {
		cfg.RateLimit.FailureMode = "open"
	}
	if cfg.RateLimit.SlotTTL == 0 {
		cfg.RateLimit.SlotTTL = 300 * time.Second
	}
	if cfg.RateLimit.QueueTTL == 0 {
		cfg.RateLimit.QueueTTL = 2 * time.Hour
	}

	if cfg.Scheduler.Persistence == "" {
		cfg.Scheduler.Persistence = "5 * * * *"
	}
	if cfg.Scheduler.RateLimitSweep == "" {
		cfg.Scheduler.RateLimitSweep = "*/15 * * * *"
	}
	if cfg.Scheduler.CacheSweep == "" {
		cfg.Scheduler.CacheSweep = "*/30 * * * *"
	}
	if cfg.Scheduler.RetryBackoff == 0 {
		cfg.Scheduler.RetryBackoff = 60 * time.Second
	}
	if cfg.Scheduler.PersistenceRetryBackoff == 0 {
		cfg.Scheduler.PersistenceRetryBackoff = 5 * time.Minute
	}
	if cfg.Scheduler.MaxRetries == 0 {
		cfg.Scheduler.MaxRetries = 3
	}

	if cfg.Cache.PlanTTL == 0 {
		cfg.Cache.PlanTTL = time.Hour
	}
	if cfg.Cache.AnalyticsTTL == 0 {
		cfg.Cache.AnalyticsTTL = 30 * time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	for i := range cfg.Plans {
		if cfg.Plans[i].Name == "" {
			cfg.Plans[i].Name = cfg.Plans[i].ID
		}
		if cfg.Plans[i].ConcurrentRequests == 0 {
			cfg.Plans[i].ConcurrentRequests = 1
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	validDrivers := map[string]bool{"redis": true, "memory": true}
	if !validDrivers[cfg.Store.Driver] {
		return fmt.Errorf("store.driver must be 'redis' or 'memory', got %q", cfg.Store.Driver)
	}
	if cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("database.driver must be 'sqlite', got %q", cfg.Database.Driver)
	}

	validModes := map[string]bool{"open": true, "closed": true}
	if !validModes[cfg.RateLimit.FailureMode] {
		return fmt.Errorf("rate_limit.failure_mode must be 'open' or 'closed', got %q", cfg.RateLimit.FailureMode)
	}
	if cfg.RateLimit.SlotTTL < 0 || cfg.RateLimit.QueueTTL < 0 {
		return fmt.Errorf("rate_limit ttls must not be negative")
	}

	for name, spec := range map[string]string{
		"scheduler.persistence":      cfg.Scheduler.Persistence,
		"scheduler.rate_limit_sweep": cfg.Scheduler.RateLimitSweep,
		"scheduler.cache_sweep":      cfg.Scheduler.CacheSweep,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if cfg.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	seen := make(map[string]bool)
	defaults := 0
	for i, plan := range cfg.Plans {
		if plan.ID == "" {
			return fmt.Errorf("plans[%d].id is required", i)
		}
		if seen[plan.ID] {
			return fmt.Errorf("plans[%d].id %q is duplicated", i, plan.ID)
		}
		seen[plan.ID] = true
		if plan.RequestsPerMonth < 1 {
			return fmt.Errorf("plans[%d].requests_per_month must be positive", i)
		}
		if plan.ConcurrentRequests < 1 {
			return fmt.Errorf("plans[%d].concurrent_requests must be positive", i)
		}
		if plan.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("at most one plan may be the default, got %d", defaults)
	}

	return nil
}
