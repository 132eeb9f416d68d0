package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"

feed:
  enabled: true
  queue_id: "battlescope-prod"
  wait_seconds: 5
  poll_interval_ms: 2500

enrichment:
  enabled: true
  concurrency: 8
  throttle_ms: 250
  max_attempts: 3

ruleset:
  cache_ttl_seconds: 60

clustering:
  window_minutes: 45
  gap_max_minutes: 15
  min_kills: 3
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	assert.True(t, cfg.Feed.Enabled)
	assert.Equal(t, "battlescope-prod", cfg.Feed.QueueID)
	assert.Equal(t, 2500*time.Millisecond, cfg.Feed.PollInterval())
	assert.Equal(t, 25*time.Second, cfg.Feed.Timeout())

	assert.Equal(t, 8, cfg.Enrichment.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Enrichment.Throttle())
	assert.Equal(t, 3, cfg.Enrichment.MaxAttempts)

	assert.Equal(t, time.Minute, cfg.Ruleset.CacheTTL())

	assert.Equal(t, 45, cfg.Clustering.WindowMinutes)
	assert.Equal(t, 15, cfg.Clustering.GapMaxMinutes)
	assert.Equal(t, 3, cfg.Clustering.MinKills)
	assert.Equal(t, 15, cfg.Clustering.SettleMinutes)
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("logging:\n  level: debug\n"), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5000, cfg.Feed.PollIntervalMS)
	assert.Equal(t, 5, cfg.Enrichment.Concurrency)
	assert.Equal(t, 0, cfg.Enrichment.ThrottleMS)
	assert.Equal(t, 1, cfg.Enrichment.MaxAttempts)
	assert.Equal(t, 300*time.Second, cfg.Ruleset.CacheTTL())
	assert.Equal(t, 1000*time.Millisecond, cfg.Backfill.Delay())
	assert.Equal(t, 30, cfg.Clustering.WindowMinutes)
	assert.Equal(t, 10, cfg.Clustering.GapMaxMinutes)
	assert.Equal(t, 2, cfg.Clustering.MinKills)
	assert.Equal(t, 1000, cfg.ShipHistory.BatchSize)
}

func TestLoadFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("enrichment:\n  concurrency: 2\n"), 0644)
	require.NoError(t, err)

	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("ENRICHMENT_CONCURRENCY", "12")
	t.Setenv("POLL_INTERVAL_MS", "750")
	t.Setenv("RULESET_CACHE_TTL_SECONDS", "not-a-number")

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
	assert.Equal(t, 12, cfg.Enrichment.Concurrency)
	assert.Equal(t, 750, cfg.Feed.PollIntervalMS)
	assert.Equal(t, 300, cfg.Ruleset.CacheTTLSeconds)
}

func TestLoadFromEnv_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("BATCH_SIZE", "250")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.True(t, cfg.Feed.Enabled)
	assert.True(t, cfg.Enrichment.Enabled)
	assert.Equal(t, 250, cfg.ShipHistory.BatchSize)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [1, 2"), 0644))

	_, err := LoadFromEnv(configPath)
	assert.Error(t, err)
}
