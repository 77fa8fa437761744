package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kittgraph.yaml")
	doc := `
data_dir: /var/lib/kittgraph
engine:
  driver: memory
cache:
  max_entities: 42
persistence:
  compaction_interval: 90s
  debounce_window: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/kittgraph", cfg.DataDir)
	assert.Equal(t, DriverMemory, cfg.Engine.Driver)
	assert.Equal(t, 42, cfg.Cache.MaxEntities)
	assert.Equal(t, 1000, cfg.Cache.MaxRelationships, "unset fields keep defaults")
	assert.Equal(t, 90*time.Second, cfg.Persistence.CompactionInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Persistence.DebounceWindow)
	assert.Equal(t, 50, cfg.Persistence.CompactionThreshold)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestOverlayAcceptsJSON(t *testing.T) {
	cfg := Default()
	cfg.Engine.Driver = DriverMemory

	doc := `{"data_dir": "graphs", "cache": {"max_entities": 64}, "persistence": {"debounce_window": "2s"}}`
	require.NoError(t, cfg.Overlay([]byte(doc)))

	assert.Equal(t, "graphs", cfg.DataDir)
	assert.Equal(t, 64, cfg.Cache.MaxEntities)
	assert.Equal(t, 2*time.Second, cfg.Persistence.DebounceWindow)
	assert.Equal(t, DriverMemory, cfg.Engine.Driver, "absent keys are untouched")
	assert.Error(t, cfg.Overlay([]byte(`{"cache": [`)))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("KITTGRAPH_ENGINE_DRIVER", "memory")
	t.Setenv("KITTGRAPH_CACHE_MAX_ENTITIES", "7")
	t.Setenv("KITTGRAPH_DEBOUNCE_WINDOW", "2s")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, DriverMemory, cfg.Engine.Driver)
	assert.Equal(t, 7, cfg.Cache.MaxEntities)
	assert.Equal(t, 2*time.Second, cfg.Persistence.DebounceWindow)
}

func TestApplyEnvReadsDotenvBelowProcessEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "KITTGRAPH_DATA_DIR=/from/dotenv\nKITTGRAPH_LOG_LEVEL=debug\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o644))
	t.Setenv("KITTGRAPH_LOG_LEVEL", "warn")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(envFile, filepath.Join(dir, "missing.env")))

	assert.Equal(t, "/from/dotenv", cfg.DataDir)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestApplyEnvRejectsBadNumbers(t *testing.T) {
	t.Setenv("KITTGRAPH_QUEUE_SIZE", "lots")
	cfg := Default()
	assert.Error(t, cfg.ApplyEnv())

	t.Setenv("KITTGRAPH_QUEUE_SIZE", "8")
	t.Setenv("KITTGRAPH_COMPACTION_INTERVAL", "soon")
	cfg = Default()
	assert.Error(t, cfg.ApplyEnv())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"unknown driver", func(c *Config) { c.Engine.Driver = "postgres" }},
		{"zero cache", func(c *Config) { c.Cache.MaxEntities = 0 }},
		{"zero threshold", func(c *Config) { c.Persistence.CompactionThreshold = 0 }},
		{"zero interval", func(c *Config) { c.Persistence.CompactionInterval = 0 }},
		{"negative debounce", func(c *Config) { c.Persistence.DebounceWindow = -time.Second }},
		{"zero queue", func(c *Config) { c.Persistence.QueueSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
