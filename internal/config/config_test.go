package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 0.002, cfg.Ingest.TileStep)
	assert.Equal(t, 20*time.Second, cfg.Ingest.DedupWindow)
	assert.Equal(t, 2*time.Second, cfg.Ingest.RateLimit)
	assert.Equal(t, 120, cfg.Heatmap.DefaultLookbackSeconds)
	assert.Equal(t, 5000, cfg.Heatmap.RowLimit)
	assert.Equal(t, 0.01, cfg.Realtime.CoarseStep)
	assert.Equal(t, 5*time.Second, cfg.Realtime.PublishInterval)
	assert.Equal(t, 15*time.Second, cfg.Tracking.IdleThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.Tracking.ReplayLag)
	assert.Equal(t, 50.0, cfg.Tracking.AccuracyCeilingMeters)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RIDEPULSE_HTTP_ADDR", ":9999")
	t.Setenv("RIDEPULSE_INGEST_DEDUP_WINDOW", "30s")
	t.Setenv("RIDEPULSE_TRACKING_IDLE_THRESHOLD", "1m")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Second, cfg.Ingest.DedupWindow)
	assert.Equal(t, time.Minute, cfg.Tracking.IdleThreshold)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ridepulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("heatmap:\n  row_limit: 100\nlog:\n  format: json\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Heatmap.RowLimit)
	assert.Equal(t, "json", cfg.Log.Format)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("RIDEPULSE_INGEST_TILE_STEP", "0")
	_, err := Load("")
	assert.Error(t, err)
}
