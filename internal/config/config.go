// Package config loads kittgraph configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kittclouds/kittgraph/internal/logging"
)

// Engine drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KITTGRAPH_"

// Config is the full application configuration.
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	Engine      EngineConfig      `yaml:"engine"`
	Cache       CacheConfig       `yaml:"cache"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// EngineConfig selects the backing engine.
type EngineConfig struct {
	Driver string `yaml:"driver"`
	// DSN is passed to SQLite; empty means an in-memory database.
	DSN string `yaml:"dsn"`
}

// CacheConfig bounds the hot cache.
type CacheConfig struct {
	MaxEntities      int `yaml:"max_entities"`
	MaxRelationships int `yaml:"max_relationships"`
}

// PersistenceConfig tunes the WAL and compaction.
type PersistenceConfig struct {
	CompactionThreshold int           `yaml:"compaction_threshold"`
	CompactionInterval  time.Duration `yaml:"compaction_interval"`
	DebounceWindow      time.Duration `yaml:"debounce_window"`
	QueueSize           int           `yaml:"queue_size"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:  ".kittgraph",
		LogLevel: "info",
		Engine: EngineConfig{
			Driver: DriverSQLite,
		},
		Cache: CacheConfig{
			MaxEntities:      500,
			MaxRelationships: 1000,
		},
		Persistence: PersistenceConfig{
			CompactionThreshold: 50,
			CompactionInterval:  5 * time.Minute,
			DebounceWindow:      5 * time.Second,
			QueueSize:           1024,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := cfg.Overlay(data); err != nil {
		return cfg, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Overlay sets the fields present in data, a YAML or JSON document with
// the data_dir style keys. Durations are strings such as "5s".
func (c *Config) Overlay(data []byte) error {
	return yaml.Unmarshal(data, c)
}

// ApplyEnv overrides fields from KITTGRAPH_* variables. Values from the
// given dotenv files are used when the process environment lacks the key;
// missing dotenv files are ignored.
func (c *Config) ApplyEnv(envFiles ...string) error {
	fileEnv := make(map[string]string)
	for _, name := range envFiles {
		vals, err := godotenv.Read(name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("config: failed to read %s: %w", name, err)
		}
		for k, v := range vals {
			fileEnv[k] = v
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			return v, true
		}
		v, ok := fileEnv[EnvPrefix+key]
		return v, ok
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"DATA_DIR", &c.DataDir},
		{"LOG_LEVEL", &c.LogLevel},
		{"ENGINE_DRIVER", &c.Engine.Driver},
		{"ENGINE_DSN", &c.Engine.DSN},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CACHE_MAX_ENTITIES", &c.Cache.MaxEntities},
		{"CACHE_MAX_RELATIONSHIPS", &c.Cache.MaxRelationships},
		{"COMPACTION_THRESHOLD", &c.Persistence.CompactionThreshold},
		{"QUEUE_SIZE", &c.Persistence.QueueSize},
	}
	for _, i := range ints {
		v, ok := lookup(i.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, i.key, err)
		}
		*i.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"COMPACTION_INTERVAL", &c.Persistence.CompactionInterval},
		{"DEBOUNCE_WINDOW", &c.Persistence.DebounceWindow},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, d.key, err)
		}
		*d.dst = dur
	}
	return nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: log_level: %w", err)
	}
	switch c.Engine.Driver {
	case DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("config: unknown engine driver %q (want %s or %s)", c.Engine.Driver, DriverSQLite, DriverMemory)
	}
	if c.Cache.MaxEntities <= 0 || c.Cache.MaxRelationships <= 0 {
		return fmt.Errorf("config: cache limits must be positive, got %d/%d", c.Cache.MaxEntities, c.Cache.MaxRelationships)
	}
	p := c.Persistence
	if p.CompactionThreshold <= 0 {
		return fmt.Errorf("config: compaction_threshold must be positive, got %d", p.CompactionThreshold)
	}
	if p.CompactionInterval <= 0 {
		return fmt.Errorf("config: compaction_interval must be positive, got %s", p.CompactionInterval)
	}
	if p.DebounceWindow < 0 {
		return fmt.Errorf("config: debounce_window must not be negative, got %s", p.DebounceWindow)
	}
	if p.QueueSize <= 0 {
		return fmt.Errorf("config: queue_size must be positive, got %d", p.QueueSize)
	}
	return nil
}
