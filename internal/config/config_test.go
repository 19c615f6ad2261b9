package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "tariff.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.InDelta(t, 0.5, cfg.Breaker.ErrorRateThreshold, 0.001)
	assert.Equal(t, 10, cfg.Breaker.WindowBuckets)
	assert.Equal(t, 60, cfg.Breaker.WindowSecs)
	assert.Equal(t, 30, cfg.Breaker.CooldownSecs)
	assert.Equal(t, 5, cfg.Breaker.MinRequests)
	assert.Equal(t, 30, cfg.Breaker.CallTimeoutSecs)

	assert.InDelta(t, 10.0, cfg.Throttle.DefaultRate, 0.001)
	assert.Equal(t, 300, cfg.Cache.APITTLSecs)
	assert.Equal(t, 86400, cfg.Cache.AITTLSecs)

	assert.Equal(t, 2, cfg.Queue.Concurrency)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 30, cfg.Queue.RetentionDays)

	assert.Equal(t, 100, cfg.Importer.BatchSize)
	assert.Equal(t, 3, cfg.Importer.Concurrency)
	assert.InDelta(t, 1.0, cfg.Importer.MaterialityThreshold, 0.001)
	assert.Equal(t, 50, cfg.Importer.RateChangeAlertCount)

	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, "sources.yaml", cfg.Sources.Path)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/tariff
queue:
  concurrency: 8
importer:
  materiality_threshold: 2.5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/tariff", cfg.Store.DatabaseURL)
	assert.Equal(t, 8, cfg.Queue.Concurrency)
	assert.InDelta(t, 2.5, cfg.Importer.MaterialityThreshold, 0.001)

	// Untouched keys keep defaults.
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 100, cfg.Importer.BatchSize)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("TARIFF_STORE_DRIVER", "postgres")
	t.Setenv("TARIFF_QUEUE_MAX_ATTEMPTS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
}
