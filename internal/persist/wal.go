// Package persist makes a store.Storer durable: every mutation is echoed to
// a write-ahead log, snapshots compact the log, and Recover rebuilds the
// store on startup.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hack-pad/hackpadfs"
)

// Entry is one logged mutation.
type Entry struct {
	Seq    uint64          `json:"seq"`
	Ts     int64           `json:"ts"`
	Script string          `json:"script"`
	Params json.RawMessage `json:"params"`
}

// EntryError reports a WAL file that could not be read or decoded.
type EntryError struct {
	File string
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("wal: %s: %v", e.File, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// mutationPrefixes mark a script as state-changing.
var mutationPrefixes = []string{"put", "remove", "replace", "insert", "delete"}

// IsMutation reports whether script changes durable state. Schema
// creation ("create_*") and reads are not logged.
func IsMutation(script string) bool {
	s := strings.ToLower(strings.TrimSpace(script))
	for _, p := range mutationPrefixes {
		if s == p || strings.HasPrefix(s, p+"_") {
			return true
		}
	}
	return false
}

// WAL stores one JSON file per entry under dir, named by zero-padded
// sequence so lexical order is sequence order.
type WAL struct {
	fs  hackpadfs.FS
	dir string
	seq atomic.Uint64
	mu  sync.Mutex // serializes file writes against truncation
}

// OpenWAL opens (creating if needed) the log directory and resumes the
// sequence after the highest entry present.
func OpenWAL(fsys hackpadfs.FS, dir string) (*WAL, error) {
	if err := hackpadfs.MkdirAll(fsys, dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: failed to create %s: %w", dir, err)
	}
	w := &WAL{fs: fsys, dir: dir}

	seqs, err := w.sequences()
	if err != nil {
		return nil, err
	}
	if len(seqs) > 0 {
		w.seq.Store(seqs[len(seqs)-1])
	}
	return w, nil
}

func fileName(seq uint64) string {
	return fmt.Sprintf("%020d.json", seq)
}

func parseFileName(name string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// sequences lists the sequence numbers on disk in ascending order.
func (w *WAL) sequences() ([]uint64, error) {
	dirEntries, err := hackpadfs.ReadDir(w.fs, w.dir)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to list %s: %w", w.dir, err)
	}
	seqs := make([]uint64, 0, len(dirEntries))
	for _, de := range dirEntries {
		if seq, ok := parseFileName(de.Name()); ok && !de.IsDir() {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// Next assigns the next sequence number.
func (w *WAL) Next() uint64 {
	return w.seq.Add(1)
}

// Sequence returns the last assigned sequence number.
func (w *WAL) Sequence() uint64 {
	return w.seq.Load()
}

// Advance moves the sequence forward to at least seq.
func (w *WAL) Advance(seq uint64) {
	for {
		cur := w.seq.Load()
		if cur >= seq || w.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Write persists entry.
func (w *WAL) Write(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("wal: failed to encode entry %d: %w", entry.Seq, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := hackpadfs.WriteFullFile(w.fs, path.Join(w.dir, fileName(entry.Seq)), data, 0o644); err != nil {
		return fmt.Errorf("wal: failed to write entry %d: %w", entry.Seq, err)
	}
	return nil
}

// Entries reads every entry in sequence order. Unreadable or undecodable
// files are returned as EntryErrors alongside the good entries.
func (w *WAL) Entries() ([]Entry, []error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seqs, err := w.sequences()
	if err != nil {
		return nil, []error{err}
	}

	entries := make([]Entry, 0, len(seqs))
	var errs []error
	for _, seq := range seqs {
		name := fileName(seq)
		data, err := hackpadfs.ReadFile(w.fs, path.Join(w.dir, name))
		if err != nil {
			errs = append(errs, &EntryError{File: name, Err: err})
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			errs = append(errs, &EntryError{File: name, Err: err})
			continue
		}
		if e.Seq != seq {
			errs = append(errs, &EntryError{File: name, Err: fmt.Errorf("sequence %d does not match file name", e.Seq)})
			continue
		}
		entries = append(entries, e)
	}
	return entries, errs
}

// Len returns the number of entry files on disk.
func (w *WAL) Len() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	seqs, err := w.sequences()
	return len(seqs), err
}

// TruncateThrough removes every entry with sequence <= seq.
func (w *WAL) TruncateThrough(seq uint64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seqs, err := w.sequences()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, s := range seqs {
		if s > seq {
			break
		}
		err := hackpadfs.Remove(w.fs, path.Join(w.dir, fileName(s)))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("wal: failed to remove entry %d: %w", s, err)
		}
		removed++
	}
	return removed, nil
}
