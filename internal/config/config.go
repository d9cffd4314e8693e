// Package config defines the top-level configuration of the day-ahead
// clearing service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DAYAHEAD_* environment variables.
type Config struct {
	Market   MarketConfig   `toml:"market"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Service  ServiceConfig  `toml:"service"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// MarketConfig holds the auction parameters passed to the clearing engine.
type MarketConfig struct {
	Hours               int      `toml:"hours"`
	MinPrice            float64  `toml:"min_price"`
	MaxPrice            float64  `toml:"max_price"`
	RemovedPercentage   float64  `toml:"removed_percentage"`
	VolumeTolerance     float64  `toml:"volume_tolerance"`
	Epsilon             float64  `toml:"epsilon"`
	Workers             int      `toml:"workers"`
	MustClearCategories []string `toml:"must_clear_categories"`
	CategoryPriority    []string `toml:"category_priority"`
	IncrementalCurves   bool     `toml:"incremental_curves"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// ConnString returns DSN if set, otherwise a URL built from the discrete
// fields.
func (p PostgresConfig) ConnString() string {
	if strings.TrimSpace(p.DSN) != "" {
		return p.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServiceConfig tunes the clearing service around the engine.
type ServiceConfig struct {
	LockTTL       duration `toml:"lock_ttl"`
	CacheTTL      duration `toml:"cache_ttl"`
	ArchivePrefix string   `toml:"archive_prefix"`
	AllowReclear  bool     `toml:"allow_reclear"`
}

// duration wraps time.Duration so it can be decoded from a TOML string such
// as "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP API server settings.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() Config {
	return Config{
		Market: MarketConfig{
			Hours:             24,
			MinPrice:          -500,
			MaxPrice:          3000,
			RemovedPercentage: 0.1,
			VolumeTolerance:   0.5,
			Epsilon:           1e-9,
			CategoryPriority:  []string{"renewable", "exchange", "storage", "conventional", "demand"},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "dayahead",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "dayahead",
		},
		S3: S3Config{
			Enabled:        true,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "dayahead-archive",
			ForcePathStyle: true,
		},
		Service: ServiceConfig{
			LockTTL:       duration{2 * time.Minute},
			CacheTTL:      duration{72 * time.Hour},
			ArchivePrefix: "days",
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   60,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"infeasible_hour", "clear_failed"},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server":  true,
	"clear":   true,
	"migrate": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validCategories = map[string]bool{
	"renewable":    true,
	"exchange":     true,
	"storage":      true,
	"conventional": true,
	"demand":       true,
}

// Validate checks the configuration for required fields and value ranges. It
// collects every problem into a single error.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, clear, migrate)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	m := c.Market
	if m.Hours < 1 {
		errs = append(errs, "market: hours must be >= 1")
	}
	if m.MinPrice >= m.MaxPrice {
		errs = append(errs, fmt.Sprintf("market: min_price %v must be below max_price %v", m.MinPrice, m.MaxPrice))
	}
	if m.RemovedPercentage < 0 || m.RemovedPercentage > 1 {
		errs = append(errs, "market: removed_percentage must be in [0, 1]")
	}
	if m.VolumeTolerance < 0 {
		errs = append(errs, "market: volume_tolerance must be >= 0")
	}
	if m.Epsilon < 0 {
		errs = append(errs, "market: epsilon must be >= 0")
	}
	if m.Workers < 0 {
		errs = append(errs, "market: workers must be >= 0")
	}
	for _, cat := range append(append([]string{}, m.MustClearCategories...), m.CategoryPriority...) {
		if !validCategories[cat] {
			errs = append(errs, fmt.Sprintf("market: unknown category %q", cat))
		}
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Mode != "migrate" {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	if c.Service.LockTTL.Duration <= 0 {
		errs = append(errs, "service: lock_ttl must be > 0")
	}

	if c.Mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
