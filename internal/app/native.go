//go:build !js

package app

import (
	"fmt"
	"os"
	"path/filepath"

	hackos "github.com/hack-pad/hackpadfs/os"

	"github.com/kittclouds/kittgraph/internal/config"
	"github.com/kittclouds/kittgraph/internal/settings"
)

// SettingsFile is the bbolt database inside the data dir.
const SettingsFile = "settings.db"

// OpenDir opens the graph on the local disk under cfg.DataDir. The WAL and
// snapshot live in the directory itself, settings in a bbolt file next to
// them. opts.FS and opts.Settings are ignored.
func OpenDir(cfg config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("app: failed to resolve data dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("app: failed to create data dir: %w", err)
	}

	osfs := hackos.NewFS()
	fsPath, err := osfs.FromOSPath(root)
	if err != nil {
		return nil, fmt.Errorf("app: failed to map data dir: %w", err)
	}
	dataFS, err := osfs.Sub(fsPath)
	if err != nil {
		return nil, fmt.Errorf("app: failed to open data dir: %w", err)
	}

	backend, err := settings.OpenBolt(filepath.Join(root, SettingsFile))
	if err != nil {
		return nil, err
	}

	opts.FS = dataFS
	opts.Settings = backend
	return Open(cfg, opts)
}
