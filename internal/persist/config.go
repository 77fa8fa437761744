package persist

import (
	"fmt"
	"time"
)

// Compaction defaults.
const (
	DefaultCompactionThreshold = 50
	DefaultCompactionInterval  = 5 * time.Minute
	DefaultDebounceWindow      = 5 * time.Second
)

const (
	walDir       = "wal"
	snapshotFile = "snapshot.json"
)

// Config tunes the persistence engine.
type Config struct {
	// Dir is the engine root inside the filesystem; "" means the FS root.
	Dir string
	// CompactionThreshold is the mutation count that makes compaction due.
	CompactionThreshold int
	// CompactionInterval makes compaction due once this much time passed.
	CompactionInterval time.Duration
	// DebounceWindow delays a due compaction until mutations go quiet and
	// suppresses compaction right after the previous one.
	DebounceWindow time.Duration
	// AppVersion is stamped into backups.
	AppVersion string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CompactionThreshold: DefaultCompactionThreshold,
		CompactionInterval:  DefaultCompactionInterval,
		DebounceWindow:      DefaultDebounceWindow,
		AppVersion:          "dev",
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.CompactionThreshold <= 0 {
		return fmt.Errorf("persist: compaction threshold must be positive, got %d", c.CompactionThreshold)
	}
	if c.CompactionInterval <= 0 {
		return fmt.Errorf("persist: compaction interval must be positive, got %s", c.CompactionInterval)
	}
	if c.DebounceWindow < 0 {
		return fmt.Errorf("persist: debounce window must not be negative, got %s", c.DebounceWindow)
	}
	return nil
}

func (c Config) walDir() string {
	if c.Dir == "" {
		return walDir
	}
	return c.Dir + "/" + walDir
}

func (c Config) snapshotPath() string {
	if c.Dir == "" {
		return snapshotFile
	}
	return c.Dir + "/" + snapshotFile
}
