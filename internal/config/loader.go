package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path (skipped when empty), merges
// it on top of the built-in defaults, applies DAYAHEAD_* environment variable
// overrides, and returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DAYAHEAD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Market ──
	setInt(&cfg.Market.Hours, "DAYAHEAD_MARKET_HOURS")
	setFloat64(&cfg.Market.MinPrice, "DAYAHEAD_MARKET_MIN_PRICE")
	setFloat64(&cfg.Market.MaxPrice, "DAYAHEAD_MARKET_MAX_PRICE")
	setFloat64(&cfg.Market.RemovedPercentage, "DAYAHEAD_MARKET_REMOVED_PERCENTAGE")
	setFloat64(&cfg.Market.VolumeTolerance, "DAYAHEAD_MARKET_VOLUME_TOLERANCE")
	setFloat64(&cfg.Market.Epsilon, "DAYAHEAD_MARKET_EPSILON")
	setInt(&cfg.Market.Workers, "DAYAHEAD_MARKET_WORKERS")
	setStringSlice(&cfg.Market.MustClearCategories, "DAYAHEAD_MARKET_MUST_CLEAR_CATEGORIES")
	setStringSlice(&cfg.Market.CategoryPriority, "DAYAHEAD_MARKET_CATEGORY_PRIORITY")
	setBool(&cfg.Market.IncrementalCurves, "DAYAHEAD_MARKET_INCREMENTAL_CURVES")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DAYAHEAD_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "DAYAHEAD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DAYAHEAD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DAYAHEAD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DAYAHEAD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DAYAHEAD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DAYAHEAD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DAYAHEAD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DAYAHEAD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DAYAHEAD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DAYAHEAD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DAYAHEAD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DAYAHEAD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DAYAHEAD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DAYAHEAD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DAYAHEAD_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "DAYAHEAD_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "DAYAHEAD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "DAYAHEAD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DAYAHEAD_S3_REGION")
	setStr(&cfg.S3.Bucket, "DAYAHEAD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DAYAHEAD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DAYAHEAD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DAYAHEAD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DAYAHEAD_S3_FORCE_PATH_STYLE")

	// ── Service ──
	setDuration(&cfg.Service.LockTTL, "DAYAHEAD_SERVICE_LOCK_TTL")
	setDuration(&cfg.Service.CacheTTL, "DAYAHEAD_SERVICE_CACHE_TTL")
	setStr(&cfg.Service.ArchivePrefix, "DAYAHEAD_SERVICE_ARCHIVE_PREFIX")
	setBool(&cfg.Service.AllowReclear, "DAYAHEAD_SERVICE_ALLOW_RECLEAR")

	// ── Server ──
	setInt(&cfg.Server.Port, "DAYAHEAD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "DAYAHEAD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "DAYAHEAD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "DAYAHEAD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "DAYAHEAD_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DAYAHEAD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DAYAHEAD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DAYAHEAD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DAYAHEAD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "DAYAHEAD_MODE")
	setStr(&cfg.LogLevel, "DAYAHEAD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
