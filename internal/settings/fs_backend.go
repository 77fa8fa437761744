package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sync"

	"github.com/hack-pad/hackpadfs"
)

// FSBackend keeps all settings in one JSON file on a hackpadfs filesystem.
type FSBackend struct {
	fs     hackpadfs.FS
	path   string
	mu     sync.Mutex
	values map[string]json.RawMessage
}

// NewFSBackend stores settings at name inside fsys.
func NewFSBackend(fsys hackpadfs.FS, name string) *FSBackend {
	return &FSBackend{fs: fsys, path: name, values: make(map[string]json.RawMessage)}
}

func (b *FSBackend) Load() (map[string]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := hackpadfs.ReadFile(b.fs, b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	values := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.path, err)
	}
	b.values = values

	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out, nil
}

func (b *FSBackend) Put(key string, value json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	return b.save()
}

func (b *FSBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
	return b.save()
}

func (b *FSBackend) Close() error { return nil }

func (b *FSBackend) save() error {
	data, err := json.Marshal(b.values)
	if err != nil {
		return err
	}
	if dir := path.Dir(b.path); dir != "." {
		if err := hackpadfs.MkdirAll(b.fs, dir, 0o755); err != nil {
			return err
		}
	}
	return hackpadfs.WriteFullFile(b.fs, b.path, data, 0o644)
}

var _ Backend = (*FSBackend)(nil)
