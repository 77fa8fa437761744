package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kittclouds/kittgraph/internal/store"
)

// BackupVersion is the only backup format version accepted.
const BackupVersion = 1

// ErrInvalidBackup is returned for backups with a wrong version or no data.
var ErrInvalidBackup = errors.New("persist: invalid backup")

// BackupMetadata describes a backup file.
type BackupMetadata struct {
	Version     int    `json:"version"`
	CreatedAt   int64  `json:"createdAt"`
	AppVersion  string `json:"appVersion"`
	EntityCount int    `json:"entityCount"`
	NoteCount   int    `json:"noteCount"`
}

// Backup is the user-facing export document.
type Backup struct {
	Metadata BackupMetadata  `json:"metadata"`
	Data     json.RawMessage `json:"data"`
}

// ExportBackup writes a full backup to w after flushing pending WAL writes.
func (e *Engine) ExportBackup(ctx context.Context, w io.Writer) (*BackupMetadata, error) {
	if err := e.queue.Flush(ctx); err != nil {
		return nil, fmt.Errorf("persist: failed to flush before backup: %w", err)
	}

	data, err := e.inner.Export(store.AllRelations)
	if err != nil {
		return nil, fmt.Errorf("persist: failed to export: %w", err)
	}
	dump, err := store.DecodeDump(data)
	if err != nil {
		return nil, fmt.Errorf("persist: failed to decode export: %w", err)
	}

	meta := BackupMetadata{
		Version:     BackupVersion,
		CreatedAt:   e.now().UnixMilli(),
		AppVersion:  e.cfg.AppVersion,
		EntityCount: len(dump.Entities),
		NoteCount:   countNotes(dump),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Backup{Metadata: meta, Data: data}); err != nil {
		return nil, fmt.Errorf("persist: failed to write backup: %w", err)
	}
	return &meta, nil
}

// countNotes counts distinct notes referenced by mentions or entity origins.
func countNotes(d *store.Dump) int {
	notes := make(map[string]struct{})
	for _, m := range d.Mentions {
		notes[m.NoteID] = struct{}{}
	}
	for _, e := range d.Entities {
		if e.FirstNote != "" {
			notes[e.FirstNote] = struct{}{}
		}
	}
	return len(notes)
}

// ReadBackup decodes and validates a backup document.
func ReadBackup(r io.Reader) (*Backup, error) {
	var b Backup
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if b.Metadata.Version != BackupVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidBackup, b.Metadata.Version)
	}
	data := bytes.TrimSpace(b.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("%w: missing data", ErrInvalidBackup)
	}
	return &b, nil
}

// ImportBackup validates a backup from r, replaces the store contents with
// it and compacts so the import survives restart.
func (e *Engine) ImportBackup(ctx context.Context, r io.Reader) (*BackupMetadata, error) {
	b, err := ReadBackup(r)
	if err != nil {
		return nil, err
	}
	if err := e.queue.Flush(ctx); err != nil {
		return nil, fmt.Errorf("persist: failed to flush before restore: %w", err)
	}

	start := e.now()
	if err := e.Import(b.Data); err != nil {
		return nil, fmt.Errorf("persist: failed to import backup: %w", err)
	}
	e.logger.Info("backup restored",
		"createdAt", time.UnixMilli(b.Metadata.CreatedAt),
		"appVersion", b.Metadata.AppVersion,
		"entities", b.Metadata.EntityCount,
		"elapsed", e.now().Sub(start),
	)
	return &b.Metadata, nil
}
