package persist

import (
	"fmt"
	"time"

	"github.com/kittclouds/kittgraph/internal/store"
)

// ReplayError records one WAL entry that could not be restored.
type ReplayError struct {
	Seq    uint64 `json:"seq"`
	Script string `json:"script,omitempty"`
	Err    string `json:"error"`
}

// RecoveryResult summarizes a Recover run.
type RecoveryResult struct {
	SnapshotLoaded   bool          `json:"snapshotLoaded"`
	SnapshotSequence uint64        `json:"snapshotSequence"`
	Replayed         int           `json:"replayed"`
	Skipped          int           `json:"skipped"`
	Failed           []ReplayError `json:"failed,omitempty"`
	Warnings         []string      `json:"warnings,omitempty"`
	Duration         time.Duration `json:"duration"`
}

func (r *RecoveryResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Recover rebuilds the inner store from the last snapshot and the WAL.
// Persistence faults are collected in the result and logged; the only
// error returned is a failure to prepare the schema.
func (e *Engine) Recover() (*RecoveryResult, error) {
	start := e.now()
	res := &RecoveryResult{}

	if err := e.inner.EnsureSchema(); err != nil {
		return nil, fmt.Errorf("persist: failed to ensure schema: %w", err)
	}

	snap, err := LoadSnapshot(e.fs, e.cfg.snapshotPath())
	switch {
	case err != nil:
		e.logger.Warn("snapshot unreadable, replaying wal only", "error", err)
		res.warn("snapshot unreadable: %v", err)
	case snap != nil:
		e.restoreSnapshot(snap, res)
	default:
		e.logger.Debug("no snapshot found")
	}

	e.replay(res)

	res.Duration = e.now().Sub(start)
	e.logger.Info("recovery complete",
		"snapshot", res.SnapshotLoaded,
		"snapshotSequence", res.SnapshotSequence,
		"replayed", res.Replayed,
		"skipped", res.Skipped,
		"failed", len(res.Failed),
		"elapsed", res.Duration,
	)
	return res, nil
}

func (e *Engine) restoreSnapshot(snap *Snapshot, res *RecoveryResult) {
	if err := e.inner.Import(snap.Data); err != nil {
		e.logger.Warn("snapshot import failed", "sequence", snap.Sequence, "error", err)
		res.warn("snapshot import failed: %v", err)
		return
	}
	res.SnapshotLoaded = true
	res.SnapshotSequence = snap.Sequence
	e.wal.Advance(snap.Sequence)

	e.mu.Lock()
	e.lastCompaction = time.UnixMilli(snap.CreatedAt)
	e.mu.Unlock()

	// Row counts are advisory.
	checks := []struct {
		relation string
		count    func() (int, error)
	}{
		{store.RelEntities, e.inner.CountEntities},
		{store.RelRelationships, e.inner.CountRelationships},
	}
	for _, c := range checks {
		want, ok := snap.Counts[c.relation]
		if !ok {
			continue
		}
		got, err := c.count()
		if err != nil {
			res.warn("count %s: %v", c.relation, err)
			continue
		}
		if got != want {
			e.logger.Warn("row count mismatch after restore", "relation", c.relation, "expected", want, "actual", got)
			res.warn("%s: expected %d rows, restored %d", c.relation, want, got)
		}
	}
}

func (e *Engine) replay(res *RecoveryResult) {
	entries, errs := e.wal.Entries()
	for _, err := range errs {
		e.metrics.ReplayFailures.Inc()
		e.logger.Warn("wal entry unreadable", "error", err)
		res.Failed = append(res.Failed, ReplayError{Err: err.Error()})
	}

	for _, entry := range entries {
		if res.SnapshotLoaded && entry.Seq <= res.SnapshotSequence {
			res.Skipped++
			continue
		}
		if err := apply(e.inner, entry); err != nil {
			e.metrics.ReplayFailures.Inc()
			e.logger.Warn("wal replay failed", "seq", entry.Seq, "script", entry.Script, "error", err)
			res.Failed = append(res.Failed, ReplayError{Seq: entry.Seq, Script: entry.Script, Err: err.Error()})
			continue
		}
		e.metrics.ReplayedEntries.Inc()
		res.Replayed++
	}
}
