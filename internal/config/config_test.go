package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_Valid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Market.MinPrice = 10
	cfg.Market.MaxPrice = 5
	cfg.Market.MustClearCategories = []string{"nuclear"}
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, "min_price 10 must be below max_price 5")
	assert.Contains(t, msg, `unknown category "nuclear"`)
	assert.Contains(t, msg, "redis: addr must not be empty")
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dayahead.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "clear"

[market]
max_price = 4000
must_clear_categories = ["renewable"]

[service]
lock_ttl = "30s"
`), 0o600))

	t.Setenv("DAYAHEAD_MARKET_REMOVED_PERCENTAGE", "0.25")
	t.Setenv("DAYAHEAD_REDIS_ADDR", "redis:6380")
	t.Setenv("DAYAHEAD_SERVER_RATE_WINDOW", "10s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "clear", cfg.Mode)
	assert.Equal(t, 4000.0, cfg.Market.MaxPrice)
	assert.Equal(t, -500.0, cfg.Market.MinPrice)
	assert.Equal(t, []string{"renewable"}, cfg.Market.MustClearCategories)
	assert.Equal(t, 0.25, cfg.Market.RemovedPercentage)
	assert.Equal(t, 30*time.Second, cfg.Service.LockTTL.Duration)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.RateWindow.Duration)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestPostgresConnString(t *testing.T) {
	p := Defaults().Postgres
	p.Password = "pw"
	assert.Equal(t, "postgres://postgres:pw@localhost:5432/dayahead?sslmode=disable", p.ConnString())

	p.DSN = "postgres://other/db"
	assert.Equal(t, "postgres://other/db", p.ConnString())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "secret"
	cfg.S3.SecretKey = "s3secret"
	cfg.Server.APIKey = "key"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Empty(t, out.Redis.Password)
	assert.Equal(t, "secret", cfg.Postgres.Password)

	out.Server.CORSOrigins[0] = "changed"
	assert.NotEqual(t, "changed", cfg.Server.CORSOrigins[0])
}
