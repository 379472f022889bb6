// Copyright 2025 James Ross
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperatlas/enrichq/internal/stage"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.Worker.PoolSizes[string(stage.KindLLM)])
	assert.Equal(t, 5, cfg.Worker.PoolSizes[string(stage.KindExternal)])
	assert.Equal(t, 4, cfg.Worker.PoolSizes[string(stage.KindLocal)])
	assert.Equal(t, 5, cfg.Worker.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Worker.ReclaimInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.PollIntervalEmpty)

	llm := cfg.RateLimits[stage.BucketLLM]
	assert.Equal(t, 60, llm.MaxRequests)
	assert.Equal(t, time.Minute, llm.Window)
	assert.Equal(t, time.Second, llm.MinDelay)

	gh := cfg.RateLimits[stage.BucketGitHub]
	assert.Equal(t, 5000, gh.MaxRequests)
	assert.Equal(t, time.Hour, gh.Window)

	assert.Equal(t, 5, cfg.Backfill.ErrorCountThreshold)
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
worker:
  pool_sizes:
    llm: 2
    external: 1
    local: 1
rate_limits:
  llm_provider:
    max_requests: 7
    window: 30s
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Worker.PoolSizes[string(stage.KindLLM)])
	assert.Equal(t, 7, cfg.RateLimits[stage.BucketLLM].MaxRequests)
	assert.Equal(t, 30*time.Second, cfg.RateLimits[stage.BucketLLM].Window)
	// untouched buckets keep defaults
	assert.Equal(t, 100, cfg.RateLimits[stage.BucketCitations].MaxRequests)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)

	cfg.Worker.PollIntervalEmpty = 2 * time.Second
	assert.Error(t, Validate(cfg))

	cfg, _ = Load("nonexistent.yaml")
	cfg.Worker.ReclaimInterval = 5 * time.Minute
	assert.Error(t, Validate(cfg))

	cfg, _ = Load("nonexistent.yaml")
	delete(cfg.RateLimits, stage.BucketGitHub)
	assert.Error(t, Validate(cfg))

	cfg, _ = Load("nonexistent.yaml")
	cfg.Observability.MetricsPort = 0
	assert.Error(t, Validate(cfg))
}
