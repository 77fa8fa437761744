package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/kittgraph/internal/background"
	"github.com/kittclouds/kittgraph/internal/logging"
	"github.com/kittclouds/kittgraph/internal/metrics"
	"github.com/kittclouds/kittgraph/internal/store"
)

type harness struct {
	fs    hackpadfs.FS
	queue *background.Queue
	cfg   Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fsys, err := mem.NewFS()
	require.NoError(t, err)

	q := background.New(0, logging.Discard())
	t.Cleanup(q.Close)

	cfg := DefaultConfig()
	cfg.Dir = "data"
	cfg.DebounceWindow = 20 * time.Millisecond
	return &harness{fs: fsys, queue: q, cfg: cfg}
}

// open builds an engine over a fresh MemStore using the harness filesystem.
func (h *harness) open(t *testing.T) (*Engine, *store.MemStore) {
	t.Helper()
	inner := store.NewMemStore()
	e, err := New(inner, Options{
		FS:      h.fs,
		Queue:   h.queue,
		Config:  h.cfg,
		Logger:  logging.Discard(),
		Metrics: metrics.New(nil),
	})
	require.NoError(t, err)
	return e, inner
}

func entity(id, label string) *store.Entity {
	return &store.Entity{
		ID:              id,
		Label:           label,
		NormalizedLabel: store.Normalize(label),
		Kind:            store.KindCharacter,
		FirstNote:       "note-1",
		CreatedBy:       store.CreatedByUser,
		CreatedAt:       1000,
		UpdatedAt:       1000,
	}
}

// clock is a settable time source for trigger tests.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func flush(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.queue.Flush(context.Background()))
}

// ============================================================================
// WAL
// ============================================================================

func TestIsMutation(t *testing.T) {
	tests := map[string]bool{
		"put_entity":      true,
		"remove_alias":    true,
		"insert":          true,
		"delete_all":      true,
		" Replace_Things": true,
		"create_entities": false,
		"get_entity":      false,
		"putter":          false,
		"":                false,
	}
	for script, want := range tests {
		assert.Equal(t, want, IsMutation(script), script)
	}
}

func TestWALWriteAndRead(t *testing.T) {
	fsys, err := mem.NewFS()
	require.NoError(t, err)

	w, err := OpenWAL(fsys, "wal")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), w.Sequence())

	for i := 0; i < 3; i++ {
		seq := w.Next()
		require.NoError(t, w.Write(Entry{Seq: seq, Script: OpRemoveEntity, Params: json.RawMessage(fmt.Sprintf(`{"id":"e%d"}`, seq))}))
	}

	entries, errs := w.Entries()
	require.Empty(t, errs)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
	}

	// reopening resumes after the highest entry
	w2, err := OpenWAL(fsys, "wal")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), w2.Sequence())
	assert.Equal(t, uint64(4), w2.Next())

	removed, err := w2.TruncateThrough(2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	n, err := w2.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWALReportsCorruptEntries(t *testing.T) {
	fsys, err := mem.NewFS()
	require.NoError(t, err)
	w, err := OpenWAL(fsys, "wal")
	require.NoError(t, err)

	require.NoError(t, w.Write(Entry{Seq: w.Next(), Script: OpRemoveEntity, Params: json.RawMessage(`{"id":"a"}`)}))
	require.NoError(t, hackpadfs.WriteFullFile(fsys, path.Join("wal", fileName(w.Next())), []byte("{not json"), 0o644))
	require.NoError(t, w.Write(Entry{Seq: w.Next(), Script: OpRemoveEntity, Params: json.RawMessage(`{"id":"c"}`)}))

	entries, errs := w.Entries()
	assert.Len(t, entries, 2)
	require.Len(t, errs, 1)
	var entryErr *EntryError
	require.ErrorAs(t, errs[0], &entryErr)
	assert.Equal(t, fileName(2), entryErr.File)
}

func TestSnapshotMissing(t *testing.T) {
	fsys, err := mem.NewFS()
	require.NoError(t, err)
	snap, err := LoadSnapshot(fsys, "snapshot.json")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.CompactionThreshold = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.CompactionInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DebounceWindow = -time.Second
	assert.Error(t, cfg.Validate())
}

// ============================================================================
// Engine
// ============================================================================

func TestEngineLogsMutations(t *testing.T) {
	h := newHarness(t)
	e, _ := h.open(t)

	require.NoError(t, e.EnsureSchema())
	require.NoError(t, e.PutEntity(entity("e1", "Jon Snow")))
	require.NoError(t, e.PutAlias("e1", "Lord Snow"))
	flush(t, e)

	entries, errs := e.wal.Entries()
	require.Empty(t, errs)
	require.Len(t, entries, 2)
	assert.Equal(t, OpPutEntity, entries[0].Script)
	assert.Equal(t, OpPutAlias, entries[1].Script)
	assert.Less(t, entries[0].Seq, entries[1].Seq)
}

func TestEngineSkipsFailedMutation(t *testing.T) {
	h := newHarness(t)
	e, _ := h.open(t)

	// provenance without an id is rejected by the store
	err := e.InsertProvenance(&store.Provenance{RelationshipID: "r1"})
	require.Error(t, err)
	flush(t, e)

	n, err := e.wal.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWALFailureStaysWithTheQueue(t *testing.T) {
	h := newHarness(t)
	e, inner := h.open(t)
	require.NoError(t, hackpadfs.RemoveAll(h.fs, h.cfg.walDir()))

	require.NoError(t, e.PutEntity(entity("e1", "Jon Snow")))
	flush(t, e)

	got, err := inner.GetEntity("e1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Jon Snow", got.Label)

	lastErr := h.queue.LastError()
	require.Error(t, lastErr)
	assert.Contains(t, lastErr.Error(), "wal:"+OpPutEntity)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.WALFailures))
	assert.Zero(t, testutil.ToFloat64(e.metrics.WALAppends))
}

func TestDurabilityRoundTrip(t *testing.T) {
	h := newHarness(t)
	e, _ := h.open(t)

	require.NoError(t, e.PutEntity(entity("e1", "Jon Snow")))
	require.NoError(t, e.PutEntity(entity("e2", "Winterfell")))
	require.NoError(t, e.PutAlias("e1", "Lord Snow"))
	require.NoError(t, e.PutMention(&store.Mention{EntityID: "e1", NoteID: "n1", Count: 2, LastSeenAt: 5}))
	require.NoError(t, e.PutRelationship(&store.Relationship{ID: "r1", SourceID: "e1", TargetID: "e2", Type: "LIVES_IN", Confidence: 0.6, Weight: 1, CreatedAt: 1, UpdatedAt: 1}))
	require.NoError(t, e.InsertProvenance(&store.Provenance{ID: "p1", RelationshipID: "r1", Source: "manual", OriginID: "n1", Confidence: 0.6, Timestamp: 1}))
	require.NoError(t, e.PutEntity(entity("e3", "Ghost")))
	require.NoError(t, e.RemoveEntity("e3"))
	require.NoError(t, e.Shutdown(context.Background()))

	want, err := e.Export(nil)
	require.NoError(t, err)

	restarted, _ := h.open(t)
	res, err := restarted.Recover()
	require.NoError(t, err)
	assert.False(t, res.SnapshotLoaded)
	assert.Equal(t, 8, res.Replayed)
	assert.Empty(t, res.Failed)

	got, err := restarted.Export(nil)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestRecoverFromSnapshotAndWAL(t *testing.T) {
	h := newHarness(t)
	e, _ := h.open(t)

	require.NoError(t, e.PutEntity(entity("e1", "Jon Snow")))
	require.NoError(t, e.PutEntity(entity("e2", "Arya Stark")))
	require.NoError(t, e.Compact(context.Background()))

	n, err := e.wal.Len()
	require.NoError(t, err)
	assert.Zero(t, n, "compaction truncates the log")

	require.NoError(t, e.PutAlias("e2", "Arry"))
	require.NoError(t, e.Shutdown(context.Background()))

	restarted, inner := h.open(t)
	res, err := restarted.Recover()
	require.NoError(t, err)
	assert.True(t, res.SnapshotLoaded)
	assert.Equal(t, uint64(2), res.SnapshotSequence)
	assert.Equal(t, 1, res.Replayed)
	assert.Empty(t, res.Warnings)

	got, err := inner.GetEntityByAlias("arry")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "e2", got.ID)

	// new entries continue after the recovered sequence
	assert.Equal(t, uint64(3), restarted.wal.Sequence())
}

func TestRecoverSkipsCorruptEntry(t *testing.T) {
	h := newHarness(t)
	e, _ := h.open(t)

	require.NoError(t, e.PutEntity(entity("e1", "Jon Snow")))
	require.NoError(t, e.PutEntity(entity("e2", "Arya Stark")))
	require.NoError(t, e.PutEntity(entity("e3", "Sansa Stark")))
	require.NoError(t, e.Shutdown(context.Background()))

	require.NoError(t, hackpadfs.WriteFullFile(h.fs, path.Join(h.cfg.walDir(), fileName(2)), []byte("garbage"), 0o644))

	restarted, inner := h.open(t)
	res, err := restarted.Recover()
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replayed)
	require.Len(t, res.Failed, 1)

	count, err := inner.CountEntities()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	got, err := inner.GetEntity("e3")
	require.NoError(t, err)
	assert.NotNil(t, got, "entries after the corrupt one are still applied")
}

func TestRecoverSkipsUnknownScript(t *testing.T) {
	h := newHarness(t)
	e, _ := h.open(t)
	require.NoError(t, e.wal.Write(Entry{Seq: e.wal.Next(), Script: "put_unicorn", Params: json.RawMessage(`{}`)}))
	require.NoError(t, e.PutEntity(entity("e1", "Jon Snow")))
	flush(t, e)

	restarted, _ := h.open(t)
	res, err := restarted.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "put_unicorn", res.Failed[0].Script)
}

func TestRecoverWarnsOnCountMismatch(t *testing.T) {
	h := newHarness(t)
	e, _ := h.open(t)
	require.NoError(t, e.PutEntity(entity("e1", "Jon Snow")))
	require.NoError(t, e.Compact(context.Background()))

	snap, err := LoadSnapshot(h.fs, h.cfg.snapshotPath())
	require.NoError(t, err)
	snap.Counts[store.RelEntities] = 7
	require.NoError(t, SaveSnapshot(h.fs, h.cfg.snapshotPath(), snap))

	restarted, _ := h.open(t)
	res, err := restarted.Recover()
	require.NoError(t, err, "count mismatches never fail startup")
	assert.True(t, res.SnapshotLoaded)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "expected 7")
}

func TestRecoverSurvivesCorruptSnapshot(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, hackpadfs.MkdirAll(h.fs, h.cfg.Dir, 0o755))
	require.NoError(t, hackpadfs.WriteFullFile(h.fs, h.cfg.snapshotPath(), []byte("{"), 0o644))

	e, _ := h.open(t)
	res, err := e.Recover()
	require.NoError(t, err)
	assert.False(t, res.SnapshotLoaded)
	assert.NotEmpty(t, res.Warnings)
}

func TestThresholdSchedulesOneCompaction(t *testing.T) {
	h := newHarness(t)
	h.cfg.CompactionThreshold = 5
	h.cfg.DebounceWindow = 100 * time.Millisecond
	e, _ := h.open(t)

	for i := 0; i < 12; i++ {
		require.NoError(t, e.PutEntity(entity(fmt.Sprintf("e%02d", i), fmt.Sprintf("Name %d", i))))
	}

	require.Eventually(t, func() bool {
		snap, err := LoadSnapshot(h.fs, h.cfg.snapshotPath())
		return err == nil && snap != nil
	}, 2*time.Second, 10*time.Millisecond)
	flush(t, e)

	snap, err := LoadSnapshot(h.fs, h.cfg.snapshotPath())
	require.NoError(t, err)
	assert.Equal(t, uint64(12), snap.Sequence, "the burst is debounced into one compaction")
	assert.Equal(t, 12, snap.Counts[store.RelEntities])
	assert.Zero(t, e.Status().Mutations)
}

func TestBelowThresholdDoesNotCompact(t *testing.T) {
	h := newHarness(t)
	e, _ := h.open(t)

	require.NoError(t, e.PutEntity(entity("e1", "Jon Snow")))
	time.Sleep(3 * h.cfg.DebounceWindow)
	flush(t, e)

	snap, err := LoadSnapshot(h.fs, h.cfg.snapshotPath())
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Equal(t, 1, e.Status().Mutations)
}

func TestIntervalSchedulesCompaction(t *testing.T) {
	h := newHarness(t)
	e, _ := h.open(t)
	clk := &clock{t: e.started.Add(h.cfg.CompactionInterval + time.Second)}
	e.now = clk.Now

	// one mutation, far below the threshold
	require.NoError(t, e.PutEntity(entity("e1", "Jon Snow")))

	require.Eventually(t, func() bool {
		snap, err := LoadSnapshot(h.fs, h.cfg.snapshotPath())
		return err == nil && snap != nil
	}, 2*time.Second, 10*time.Millisecond)
	flush(t, e)

	snap, err := LoadSnapshot(h.fs, h.cfg.snapshotPath())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Sequence)
	assert.Zero(t, e.Status().Mutations)
}

func TestNoCompactionRightAfterOne(t *testing.T) {
	h := newHarness(t)
	e, _ := h.open(t)
	clk := &clock{t: e.started}
	e.now = clk.Now

	require.NoError(t, e.PutEntity(entity("e1", "Jon Snow")))
	require.NoError(t, e.Compact(context.Background()))

	e.mu.Lock()
	e.cfg.CompactionThreshold = 1
	e.mu.Unlock()

	// due by threshold, but inside the window after the last compaction
	require.NoError(t, e.PutEntity(entity("e2", "Arya Stark")))
	time.Sleep(3 * h.cfg.DebounceWindow)
	flush(t, e)

	snap, err := LoadSnapshot(h.fs, h.cfg.snapshotPath())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(1), snap.Sequence)
	assert.Equal(t, 1, e.Status().Mutations)

	clk.Advance(h.cfg.DebounceWindow + time.Millisecond)
	require.NoError(t, e.PutEntity(entity("e3", "Sansa Stark")))

	require.Eventually(t, func() bool {
		snap, err := LoadSnapshot(h.fs, h.cfg.snapshotPath())
		return err == nil && snap != nil && snap.Sequence == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCompactionInProgress(t *testing.T) {
	h := newHarness(t)
	e, _ := h.open(t)
	require.NoError(t, e.PutEntity(entity("e1", "Jon Snow")))

	e.compacting.Store(true)
	err := e.Compact(context.Background())
	require.ErrorIs(t, err, ErrCompactionInProgress)

	e.compacting.Store(false)
	require.NoError(t, e.Compact(context.Background()))
	assert.False(t, e.Status().Compacting, "flag is released after a run")
}

func TestCompactionReleasesFlagOnFailure(t *testing.T) {
	h := newHarness(t)
	e, _ := h.open(t)
	e.inner = failingExport{e.inner}
	err := e.Compact(context.Background())
	require.Error(t, err)
	assert.False(t, e.compacting.Load())
}

type failingExport struct {
	store.Storer
}

func (failingExport) Export([]string) ([]byte, error) {
	return nil, fmt.Errorf("disk on fire")
}

// ============================================================================
// Backup
// ============================================================================

func TestBackupRoundTrip(t *testing.T) {
	h := newHarness(t)
	e, _ := h.open(t)
	require.NoError(t, e.PutEntity(entity("e1", "Jon Snow")))
	require.NoError(t, e.PutMention(&store.Mention{EntityID: "e1", NoteID: "n2", Count: 1}))

	var buf bytes.Buffer
	meta, err := e.ExportBackup(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, BackupVersion, meta.Version)
	assert.Equal(t, 1, meta.EntityCount)
	assert.Equal(t, 2, meta.NoteCount)
	assert.Equal(t, "dev", meta.AppVersion)

	other := newHarness(t)
	target, inner := other.open(t)
	restored, err := target.ImportBackup(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, meta.CreatedAt, restored.CreatedAt)

	got, err := inner.GetEntity("e1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.TotalMentions)

	snap, err := LoadSnapshot(other.fs, other.cfg.snapshotPath())
	require.NoError(t, err)
	require.NotNil(t, snap, "restores are compacted immediately")
}

func TestReadBackupValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"wrong version", `{"metadata":{"version":2},"data":{"relations":[]}}`},
		{"missing data", `{"metadata":{"version":1}}`},
		{"null data", `{"metadata":{"version":1},"data":null}`},
		{"not json", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadBackup(strings.NewReader(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidBackup)
		})
	}
}

func TestImportBackupRejectsInvalid(t *testing.T) {
	h := newHarness(t)
	e, inner := h.open(t)
	require.NoError(t, e.PutEntity(entity("e1", "Jon Snow")))

	_, err := e.ImportBackup(context.Background(), strings.NewReader(`{"metadata":{"version":3},"data":{}}`))
	require.ErrorIs(t, err, ErrInvalidBackup)

	count, err := inner.CountEntities()
	require.NoError(t, err)
	assert.Equal(t, 1, count, "store is untouched")
}
