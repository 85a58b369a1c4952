package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults_FillsUnsetFields(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	assert.Equal(t, 1883, cfg.Broker.Port)
	assert.Equal(t, "spBv1.0/#", cfg.Broker.TopicFilter)
	assert.Equal(t, "local", cfg.DBMode)
	assert.Equal(t, "canary_sync_slot", cfg.DB.SlotName)
	assert.Equal(t, 180, cfg.CDC.WindowSeconds)
	assert.Equal(t, "file", cfg.CDC.CheckpointBackend)
	assert.Equal(t, 500, cfg.Egress.MaxBatchTags)
	assert.Equal(t, "none", cfg.Egress.Compression)
	assert.Equal(t, 1000, cfg.DLQ.AlertThreshold)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":9090", cfg.Metrics.ListenAddr)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
}

func TestApplyDefaults_DoesNotOverrideExplicitValues(t *testing.T) {
	cfg := &Config{DBMode: "mock", CDC: CDCConfig{WindowSeconds: 60}}
	applyDefaults(cfg)

	assert.Equal(t, "mock", cfg.DBMode)
	assert.Equal(t, 60, cfg.CDC.WindowSeconds)
}

func TestApplyEnvironmentOverrides_OverridesDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	t.Setenv("CANARY_DB_MODE", "mock")
	t.Setenv("CANARY_CDC_WINDOW_SECONDS", "90")
	t.Setenv("CANARY_EGRESS_RATE_LIMIT_RPS", "25.5")
	t.Setenv("CANARY_EGRESS_RETRY_BASE_DELAY", "500ms")
	t.Setenv("CANARY_CDC_RESUME_FSYNC", "true")

	applyEnvironmentOverrides(cfg)

	assert.Equal(t, "mock", cfg.DBMode)
	assert.Equal(t, 90, cfg.CDC.WindowSeconds)
	assert.Equal(t, 25.5, cfg.Egress.RateLimitRPS)
	assert.Equal(t, 500*time.Millisecond, cfg.Egress.RetryBaseDelay)
	assert.True(t, cfg.CDC.ResumeFsync)
}

func TestValidate_RejectsLocalModeWithoutConnInfo(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.DBMode = "local"
	cfg.DB.ConnInfo = ""

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db.conninfo is required")
}

func TestValidate_RejectsUnknownCheckpointBackend(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.DBMode = "mock"
	cfg.CDC.CheckpointBackend = "redis"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cdc.checkpoint_backend")
}

func TestValidate_RejectsTracingExporterWithoutEndpoint(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.DBMode = "mock"
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = ""

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracing.endpoint is required")
}

func TestValidate_AcceptsMockModeWithDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.DBMode = "mock"

	assert.NoError(t, Validate(cfg))
}

func TestLoad_ReadsYAMLFileThenAppliesEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	yamlContent := []byte("db_mode: mock\negress:\n  dataset_prefix: Plant1\n")
	require.NoError(t, os.WriteFile(path, yamlContent, 0o644))

	t.Setenv("CANARY_EGRESS_DATASET_PREFIX", "Plant2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.DBMode)
	assert.Equal(t, "Plant2", cfg.Egress.DatasetPrefix)
}

func TestLoad_MissingFileFallsBackToDefaultsAndEnv(t *testing.T) {
	t.Setenv("CANARY_DB_MODE", "mock")

	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.DBMode)
}
