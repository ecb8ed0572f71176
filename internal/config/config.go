// Package config holds the core's runtime configuration: one struct per
// concern, a DefaultConfig constructor, file-based loading (JSON or
// YAML), environment-variable overrides (DRAPE_*), and SIGHUP-triggered
// reload.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds micro-VM provider connection settings (§4.1).
type ProviderConfig struct {
	BaseURL       string        `json:"base_url" yaml:"base_url"`
	Region        string        `json:"region" yaml:"region"`
	RoutingHeader string        `json:"routing_header" yaml:"routing_header"` // e.g. "Fly-Force-Instance-Id"
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxAttempts int         `json:"retry_max_attempts" yaml:"retry_max_attempts"`
}

// PoolConfig holds VM pool settings (§4.4).
type PoolConfig struct {
	Target           int           `json:"target" yaml:"target"`
	Min              int           `json:"min" yaml:"min"`
	Max              int           `json:"max" yaml:"max"`
	MaxAge           time.Duration `json:"max_age" yaml:"max_age"`
	ReplenishInterval time.Duration `json:"replenish_interval" yaml:"replenish_interval"`
	HealthFreshness  time.Duration `json:"health_freshness" yaml:"health_freshness"`
	MaxModulesBytes  int64         `json:"max_modules_bytes" yaml:"max_modules_bytes"`
}

// CacheConfig holds the dependency-restore tier settings (§4.3).
type CacheConfig struct {
	Tier2Enabled bool   `json:"tier2_enabled" yaml:"tier2_enabled"`
	Tier3Enabled bool   `json:"tier3_enabled" yaml:"tier3_enabled"`
	Tier3URL     string `json:"tier3_url" yaml:"tier3_url"`
	ZstdLevel    int    `json:"zstd_level" yaml:"zstd_level"`
	RedisAddr    string `json:"redis_addr" yaml:"redis_addr"`
}

// SessionConfig holds preview-session lifetime settings (§4.7, §6).
type SessionConfig struct {
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// LimitsConfig holds file-sync and archive limits (§4.5).
type LimitsConfig struct {
	MaxFileBytes      int64         `json:"max_file_bytes" yaml:"max_file_bytes"`
	ArchiveTimeout    time.Duration `json:"archive_timeout" yaml:"archive_timeout"`
}

// AlertsConfig holds error-alert rate limiting (§4.9).
type AlertsConfig struct {
	RatePer5Min int `json:"rate_per_5min" yaml:"rate_per_5min"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"` // otlp-http, stdout
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `json:"level" yaml:"level"`
	Format         string `json:"format" yaml:"format"` // text, json
	IncludeTraceID bool   `json:"include_trace_id" yaml:"include_trace_id"`
	SessionLogDir  string `json:"session_log_dir" yaml:"session_log_dir"`
}

// ObservabilityConfig bundles the observability-related sections.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// StoreConfig holds the external document/metrics store settings.
type StoreConfig struct {
	PostgresDSN string `json:"postgres_dsn" yaml:"postgres_dsn"`
}

// ObjectStoreConfig holds Tier-3 / archive cold-storage settings.
type ObjectStoreConfig struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint" yaml:"endpoint"` // optional, S3-compatible override
}

// RateLimitTier mirrors the teacher's token-bucket tier shape, reused
// for /preview/start rate limiting (SPEC_FULL.md §C).
type RateLimitTier struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `json:"burst_size" yaml:"burst_size"`
}

// RateLimitConfig holds the supplemented /preview/start rate limiter.
type RateLimitConfig struct {
	Enabled bool                     `json:"enabled" yaml:"enabled"`
	Default RateLimitTier            `json:"default" yaml:"default"`
	Tiers   map[string]RateLimitTier `json:"tiers" yaml:"tiers"`
}

// BreakerConfig holds the supplemented per-project circuit breaker.
type BreakerConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	ErrorPct       float64       `json:"error_pct" yaml:"error_pct"`
	WindowDuration time.Duration `json:"window_duration" yaml:"window_duration"`
	OpenDuration   time.Duration `json:"open_duration" yaml:"open_duration"`
	HalfOpenProbes int           `json:"half_open_probes" yaml:"half_open_probes"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	HTTPAddr     string `json:"http_addr" yaml:"http_addr"`
	LogLevel     string `json:"log_level" yaml:"log_level"`
	PublicBaseURL string `json:"public_base_url" yaml:"public_base_url"` // used to build previewUrl, e.g. https://preview.example.com
}

// Config is the top-level, struct-of-structs configuration object.
type Config struct {
	Daemon        DaemonConfig        `json:"daemon" yaml:"daemon"`
	Provider      ProviderConfig      `json:"provider" yaml:"provider"`
	Pool          PoolConfig          `json:"pool" yaml:"pool"`
	Cache         CacheConfig         `json:"cache" yaml:"cache"`
	Session       SessionConfig       `json:"session" yaml:"session"`
	Limits        LimitsConfig        `json:"limits" yaml:"limits"`
	Alerts        AlertsConfig        `json:"alerts" yaml:"alerts"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Store         StoreConfig         `json:"store" yaml:"store"`
	ObjectStore   ObjectStoreConfig   `json:"object_store" yaml:"object_store"`
	RateLimit     RateLimitConfig     `json:"rate_limit" yaml:"rate_limit"`
	Breaker       BreakerConfig       `json:"breaker" yaml:"breaker"`
}

// DefaultConfig returns the configuration with every default from §4 and
// §6 applied.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			HTTPAddr:      ":8080",
			LogLevel:      "info",
			PublicBaseURL: "https://preview.drape.dev",
		},
		Provider: ProviderConfig{
			RoutingHeader:    "Fly-Force-Instance-Id",
			RequestTimeout:   30 * time.Second,
			RetryBaseDelay:   500 * time.Millisecond,
			RetryMaxAttempts: 5,
		},
		Pool: PoolConfig{
			Target:            2,
			Min:               1,
			Max:               5,
			MaxAge:            2 * time.Hour,
			ReplenishInterval: 60 * time.Second,
			HealthFreshness:   30 * time.Second,
			MaxModulesBytes:   1 << 30, // 1 GiB
		},
		Cache: CacheConfig{
			Tier2Enabled: true,
			Tier3Enabled: false,
			ZstdLevel:    1,
			RedisAddr:    "localhost:6379",
		},
		Session: SessionConfig{
			IdleTimeout: 60 * time.Minute,
		},
		Limits: LimitsConfig{
			MaxFileBytes:   25 << 20, // 25 MiB
			ArchiveTimeout: 60 * time.Second,
		},
		Alerts: AlertsConfig{
			RatePer5Min: 5,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{Enabled: false, Exporter: "otlp-http", ServiceName: "drapecore", SampleRate: 1.0},
			Metrics: MetricsConfig{Enabled: true, Namespace: "drape"},
			Logging: LoggingConfig{Level: "info", Format: "text"},
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Default: RateLimitTier{RequestsPerSecond: 2, BurstSize: 5},
			Tiers:   map[string]RateLimitTier{},
		},
		Breaker: BreakerConfig{
			Enabled:        false,
			ErrorPct:       80,
			WindowDuration: 5 * time.Minute,
			OpenDuration:   60 * time.Second,
			HalfOpenProbes: 1,
		},
	}
}

// LoadFromFile overlays a JSON or YAML file (by extension) on top of
// DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies DRAPE_* overrides in place, following the
// teacher's explicit if-chain convention rather than reflection-based
// binding.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("DRAPE_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("DRAPE_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("DRAPE_PUBLIC_BASE_URL"); v != "" {
		cfg.Daemon.PublicBaseURL = v
	}
	if v := os.Getenv("DRAPE_PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("DRAPE_PROVIDER_REGION"); v != "" {
		cfg.Provider.Region = v
	}
	if v := os.Getenv("DRAPE_POOL_TARGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Target = n
		}
	}
	if v := os.Getenv("DRAPE_POOL_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Min = n
		}
	}
	if v := os.Getenv("DRAPE_POOL_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Max = n
		}
	}
	if v := os.Getenv("DRAPE_POOL_MAX_AGE_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.MaxAge = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("DRAPE_SESSION_IDLE_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.IdleTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("DRAPE_CACHE_TIER2_ENABLED"); v != "" {
		cfg.Cache.Tier2Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DRAPE_CACHE_TIER3_URL"); v != "" {
		cfg.Cache.Tier3URL = v
		cfg.Cache.Tier3Enabled = true
	}
	if v := os.Getenv("DRAPE_CACHE_ZSTD_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.ZstdLevel = n
		}
	}
	if v := os.Getenv("DRAPE_CACHE_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("DRAPE_LIMITS_MAX_FILE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Limits.MaxFileBytes = n
		}
	}
	if v := os.Getenv("DRAPE_LIMITS_ARCHIVE_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.ArchiveTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("DRAPE_ALERTS_RATE_PER_5MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Alerts.RatePer5Min = n
		}
	}
	if v := os.Getenv("DRAPE_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DRAPE_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("DRAPE_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DRAPE_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("DRAPE_STORE_POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("DRAPE_OBJECTSTORE_BUCKET"); v != "" {
		cfg.ObjectStore.Bucket = v
	}
	if v := os.Getenv("DRAPE_OBJECTSTORE_REGION"); v != "" {
		cfg.ObjectStore.Region = v
	}
	if v := os.Getenv("DRAPE_OBJECTSTORE_ENDPOINT"); v != "" {
		cfg.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("DRAPE_RATELIMIT_ENABLED"); v != "" {
		cfg.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DRAPE_BREAKER_ENABLED"); v != "" {
		cfg.Breaker.Enabled = v == "true" || v == "1"
	}
}
