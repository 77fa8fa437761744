package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/hack-pad/hackpadfs"
)

// Snapshot is a point-in-time export of the durable relations. Every WAL
// entry with Seq <= Sequence is reflected in Data.
type Snapshot struct {
	Sequence  uint64          `json:"sequence"`
	CreatedAt int64           `json:"createdAt"`
	Relations []string        `json:"relations"`
	Counts    map[string]int  `json:"counts"`
	Data      json.RawMessage `json:"data"`
}

// SaveSnapshot writes snap to path via a temp file and rename. Filesystems
// without rename get a direct write.
func SaveSnapshot(fsys hackpadfs.FS, path string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot: failed to encode: %w", err)
	}

	tmp := path + ".tmp"
	if err := hackpadfs.WriteFullFile(fsys, tmp, data, 0o644); err != nil {
		return fmt.Errorf("snapshot: failed to write: %w", err)
	}
	err = hackpadfs.Rename(fsys, tmp, path)
	if errors.Is(err, hackpadfs.ErrNotImplemented) {
		_ = hackpadfs.Remove(fsys, tmp)
		err = hackpadfs.WriteFullFile(fsys, path, data, 0o644)
	}
	if err != nil {
		_ = hackpadfs.Remove(fsys, tmp)
		return fmt.Errorf("snapshot: failed to install: %w", err)
	}
	return nil
}

// LoadSnapshot reads the snapshot at path. A missing file returns nil, nil.
func LoadSnapshot(fsys hackpadfs.FS, path string) (*Snapshot, error) {
	data, err := hackpadfs.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to read: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot: failed to decode: %w", err)
	}
	return &snap, nil
}
