package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileValuesAndDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
redis:
  addr: redis:6379
  name_ttl: 24h
cache:
  max_entries: 500
  negative_ttl: 1m
persistence:
  workers: 2
resolver:
  enabled: true
  timeout: 2s
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Redis.NameTTL)
	assert.Equal(t, 500, cfg.Cache.MaxEntries)
	assert.Equal(t, time.Minute, cfg.Cache.NegativeTTL)
	assert.Equal(t, 2, cfg.Persistence.Workers)
	assert.True(t, cfg.Resolver.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Resolver.Timeout)

	// Untouched sections fall back to defaults
	assert.Equal(t, "localhost", cfg.Postgres.Host)
	assert.Equal(t, "player-roster", cfg.Kafka.Topic)
	assert.Equal(t, 10*time.Second, cfg.Cache.ResolveTimeout)
	assert.Equal(t, 30*time.Second, cfg.Persistence.ShutdownTimeout)
}

func TestLoad_ExpandsEnvInFile(t *testing.T) {
	t.Setenv("PG_PASSWORD", "s3cret")
	path := writeConfig(t, `
postgres:
  password: ${PG_PASSWORD}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Postgres.Password)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("IDENTITY_REDIS_ADDR", "cache.internal:6380")
	t.Setenv("IDENTITY_CACHE_NEGATIVE_TTL", "30s")
	t.Setenv("IDENTITY_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("IDENTITY_KAFKA_ENABLED", "true")
	path := writeConfig(t, `
redis:
  addr: redis:6379
cache:
  negative_ttl: 1m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.Cache.NegativeTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [not, a, map"))
	assert.Error(t, err)

	t.Setenv("IDENTITY_SERVER_PORT", "eighty")
	_, err = Load(writeConfig(t, "server:\n  port: 80\n"))
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Resolver.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, 4, cfg.Persistence.Workers)
	assert.Equal(t, "postgres://:@localhost:5432/?sslmode=disable", cfg.Postgres.ConnectionString())
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LogConfig{Level: "DEBUG"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, LogConfig{Level: "warning"}.SlogLevel())
	assert.Equal(t, slog.LevelError, LogConfig{Level: "error"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, LogConfig{Level: "verbose"}.SlogLevel())
}
