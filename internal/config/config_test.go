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

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0.75, cfg.FuzzyThreshold)
	assert.Equal(t, 30*time.Second, cfg.StepTimeout)
	assert.Equal(t, 5*time.Minute, cfg.StaleJobAge)
	assert.Equal(t, 30*time.Minute, cfg.AnalysisStaleAge)
	assert.Equal(t, 2*time.Minute, cfg.StoppingTimeout)
	assert.Equal(t, []string{"artist", "audio", "vibe"}, cfg.EnabledStages)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
store_driver: memory
fuzzy_threshold: 0.8
reconcile_interval: 45s
enabled_stages: [audio]
max_job_retries: 7
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAX_JOB_RETRIES", "2")
	t.Setenv("ENRICHMENT_STAGES", "artist, vibe ,")
	t.Setenv("STALE_JOB_AGE", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 0.8, cfg.FuzzyThreshold)
	assert.Equal(t, 45*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 2, cfg.MaxJobRetries)
	assert.Equal(t, []string{"artist", "vibe"}, cfg.EnabledStages)
	assert.Equal(t, 5*time.Minute, cfg.StaleJobAge, "invalid env values fall back")
}

func TestLoadRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fuzzy_threshold: [nope"), 0o644))
	t.Setenv("CONFIG_FILE", path)
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, Config{LogLevel: in}.SlogLevel(), in)
	}
}
