package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hack-pad/hackpadfs"

	"github.com/kittclouds/kittgraph/internal/background"
	"github.com/kittclouds/kittgraph/internal/metrics"
	"github.com/kittclouds/kittgraph/internal/store"
)

// ErrCompactionInProgress is returned when a compaction is requested while
// another one holds the compaction flag.
var ErrCompactionInProgress = errors.New("persist: compaction already in progress")

// Options wires an Engine to its collaborators.
type Options struct {
	FS      hackpadfs.FS
	Queue   *background.Queue
	Config  Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine wraps a store.Storer. Reads pass straight through; every mutation
// is applied to the inner store first and then echoed to the WAL on the
// background queue, so callers never wait on disk.
type Engine struct {
	store.Storer

	inner   store.Storer
	fs      hackpadfs.FS
	wal     *WAL
	queue   *background.Queue
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu             sync.Mutex
	mutations      int
	started        time.Time
	lastCompaction time.Time

	compacting atomic.Bool
	debounce   debouncer
}

// New opens the WAL under cfg.Dir and returns an engine around inner.
// Call Recover before serving traffic.
func New(inner store.Storer, opts Options) (*Engine, error) {
	if inner == nil {
		return nil, errors.New("persist: nil store")
	}
	if opts.FS == nil {
		return nil, errors.New("persist: nil filesystem")
	}
	if opts.Queue == nil {
		return nil, errors.New("persist: nil queue")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}

	wal, err := OpenWAL(opts.FS, opts.Config.walDir())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Storer:  inner,
		inner:   inner,
		fs:      opts.FS,
		wal:     wal,
		queue:   opts.Queue,
		cfg:     opts.Config,
		logger:  opts.Logger.With("component", "persist"),
		metrics: opts.Metrics,
		now:     time.Now,
	}
	e.started = e.now()
	return e, nil
}

// ============================================================================
// WAL echo
// ============================================================================

// record appends a WAL entry for script. The sequence number is taken now
// so entries keep call order even though the write happens later.
func (e *Engine) record(script string, params any) {
	if !IsMutation(script) {
		return
	}
	raw, err := json.Marshal(params)
	if err != nil {
		e.metrics.WALFailures.Inc()
		e.logger.Error("failed to encode wal params", "script", script, "error", err)
		return
	}

	entry := Entry{
		Seq:    e.wal.Next(),
		Ts:     e.now().UnixMilli(),
		Script: script,
		Params: raw,
	}
	ok := e.queue.Submit("wal:"+script, func() error {
		if err := e.wal.Write(entry); err != nil {
			e.metrics.WALFailures.Inc()
			return err
		}
		e.metrics.WALAppends.Inc()
		return nil
	})
	if !ok {
		e.metrics.WALFailures.Inc()
	}

	e.noteMutation()
}

// noteMutation bumps the counter and schedules a compaction once it is due.
func (e *Engine) noteMutation() {
	e.mu.Lock()
	e.mutations++
	now := e.now()
	since := e.started
	if e.lastCompaction.After(since) {
		since = e.lastCompaction
	}
	due := e.mutations >= e.cfg.CompactionThreshold || now.Sub(since) >= e.cfg.CompactionInterval
	justCompacted := !e.lastCompaction.IsZero() && now.Sub(e.lastCompaction) < e.cfg.DebounceWindow
	e.mu.Unlock()

	if due && !justCompacted {
		e.debounce.schedule(e.cfg.DebounceWindow, e.scheduleCompaction)
	}
}

// scheduleCompaction runs from the debounce timer and hands the work to
// the queue so it lands after every WAL write already submitted.
func (e *Engine) scheduleCompaction() {
	e.queue.Submit("compact", func() error {
		err := e.compact()
		if errors.Is(err, ErrCompactionInProgress) {
			return nil
		}
		return err
	})
}

// ============================================================================
// Compaction
// ============================================================================

// Compact waits for pending WAL writes and folds the log into a fresh
// snapshot.
func (e *Engine) Compact(ctx context.Context) error {
	if err := e.queue.Flush(ctx); err != nil {
		return fmt.Errorf("persist: failed to flush before compaction: %w", err)
	}
	return e.compact()
}

func (e *Engine) compact() error {
	if !e.compacting.CompareAndSwap(false, true) {
		e.metrics.CompactionsSkipped.Inc()
		e.logger.Debug("compaction skipped, another one is running")
		return ErrCompactionInProgress
	}
	defer e.compacting.Store(false)

	start := e.now()
	e.mu.Lock()
	counted := e.mutations
	e.mu.Unlock()
	seq := e.wal.Sequence()

	data, err := e.inner.Export(store.AllRelations)
	if err != nil {
		return fmt.Errorf("persist: failed to export: %w", err)
	}
	dump, err := store.DecodeDump(data)
	if err != nil {
		return fmt.Errorf("persist: failed to decode export: %w", err)
	}

	snap := &Snapshot{
		Sequence:  seq,
		CreatedAt: start.UnixMilli(),
		Relations: store.AllRelations,
		Counts:    dump.Counts(),
		Data:      data,
	}
	if err := SaveSnapshot(e.fs, e.cfg.snapshotPath(), snap); err != nil {
		return err
	}

	removed, err := e.wal.TruncateThrough(seq)
	if err != nil {
		// The snapshot is already good; leftover entries replay idempotently.
		e.logger.Warn("wal truncation incomplete", "sequence", seq, "removed", removed, "error", err)
	}

	e.mu.Lock()
	e.mutations -= counted
	if e.mutations < 0 {
		e.mutations = 0
	}
	e.lastCompaction = e.now()
	e.mu.Unlock()

	elapsed := e.now().Sub(start)
	e.metrics.Compactions.Inc()
	e.metrics.CompactionLatency.Observe(elapsed.Seconds())
	e.logger.Info("compaction complete",
		"sequence", seq,
		"entities", snap.Counts[store.RelEntities],
		"relationships", snap.Counts[store.RelRelationships],
		"truncated", removed,
		"elapsed", elapsed,
	)
	return nil
}

// Status is a point-in-time view of the engine.
type Status struct {
	Sequence       uint64    `json:"sequence"`
	Mutations      int       `json:"pendingMutations"`
	LastCompaction time.Time `json:"lastCompaction"`
	Compacting     bool      `json:"compacting"`
	QueuePending   int       `json:"queuePending"`
	QueueDropped   int       `json:"queueDropped"`
	QueueFailed    int       `json:"queueFailed"`
	LastError      string    `json:"lastError,omitempty"`
}

// Status reports counters for the stats command.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		Sequence:       e.wal.Sequence(),
		Mutations:      e.mutations,
		LastCompaction: e.lastCompaction,
		Compacting:     e.compacting.Load(),
	}
	e.mu.Unlock()

	st.QueuePending, st.QueueDropped, st.QueueFailed = e.queue.Stats()
	if err := e.queue.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// Shutdown cancels a pending compaction and waits for queued WAL writes.
// The inner store and the queue stay open; their owners close them.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.debounce.stop()
	if err := e.queue.Flush(ctx); err != nil && !errors.Is(err, background.ErrClosed) {
		return err
	}
	return nil
}

// ============================================================================
// Store mutations
// ============================================================================

// EnsureSchema is not logged; recovery recreates the schema itself.
func (e *Engine) EnsureSchema() error {
	return e.inner.EnsureSchema()
}

func (e *Engine) PutEntity(entity *store.Entity) error {
	if err := e.inner.PutEntity(entity); err != nil {
		return err
	}
	row := entity.Clone()
	row.Aliases = nil
	row.TotalMentions = 0
	e.record(OpPutEntity, row)
	return nil
}

func (e *Engine) RemoveEntity(id string) error {
	if err := e.inner.RemoveEntity(id); err != nil {
		return err
	}
	e.record(OpRemoveEntity, idParams{ID: id})
	return nil
}

func (e *Engine) PutAlias(entityID, alias string) error {
	if err := e.inner.PutAlias(entityID, alias); err != nil {
		return err
	}
	e.record(OpPutAlias, aliasParams{EntityID: entityID, Alias: alias})
	return nil
}

func (e *Engine) RemoveAlias(entityID, alias string) error {
	if err := e.inner.RemoveAlias(entityID, alias); err != nil {
		return err
	}
	e.record(OpRemoveAlias, aliasParams{EntityID: entityID, Alias: alias})
	return nil
}

func (e *Engine) RemoveAliases(entityID string) error {
	if err := e.inner.RemoveAliases(entityID); err != nil {
		return err
	}
	e.record(OpRemoveAliases, idParams{ID: entityID})
	return nil
}

func (e *Engine) PutMention(m *store.Mention) error {
	if err := e.inner.PutMention(m); err != nil {
		return err
	}
	e.record(OpPutMention, m)
	return nil
}

func (e *Engine) RemoveMentions(entityID string) error {
	if err := e.inner.RemoveMentions(entityID); err != nil {
		return err
	}
	e.record(OpRemoveMentions, idParams{ID: entityID})
	return nil
}

func (e *Engine) RemoveNoteMentions(noteID string) error {
	if err := e.inner.RemoveNoteMentions(noteID); err != nil {
		return err
	}
	e.record(OpRemoveNoteMentions, idParams{ID: noteID})
	return nil
}

func (e *Engine) PutMetadata(entityID, key string, value json.RawMessage) error {
	if err := e.inner.PutMetadata(entityID, key, value); err != nil {
		return err
	}
	e.record(OpPutMetadata, keyValueParams{OwnerID: entityID, Key: key, Value: value})
	return nil
}

func (e *Engine) RemoveMetadata(entityID string) error {
	if err := e.inner.RemoveMetadata(entityID); err != nil {
		return err
	}
	e.record(OpRemoveMetadata, idParams{ID: entityID})
	return nil
}

func (e *Engine) PutRelationship(rel *store.Relationship) error {
	if err := e.inner.PutRelationship(rel); err != nil {
		return err
	}
	e.record(OpPutRelationship, rel.Row())
	return nil
}

func (e *Engine) RemoveRelationship(id string) error {
	if err := e.inner.RemoveRelationship(id); err != nil {
		return err
	}
	e.record(OpRemoveRelationship, idParams{ID: id})
	return nil
}

func (e *Engine) InsertProvenance(p *store.Provenance) error {
	if err := e.inner.InsertProvenance(p); err != nil {
		return err
	}
	e.record(OpInsertProvenance, p)
	return nil
}

func (e *Engine) RemoveOriginProvenance(originID string) error {
	if err := e.inner.RemoveOriginProvenance(originID); err != nil {
		return err
	}
	e.record(OpRemoveOriginProvenance, idParams{ID: originID})
	return nil
}

func (e *Engine) PutAttribute(relID, key string, value json.RawMessage) error {
	if err := e.inner.PutAttribute(relID, key, value); err != nil {
		return err
	}
	e.record(OpPutAttribute, keyValueParams{OwnerID: relID, Key: key, Value: value})
	return nil
}

func (e *Engine) PutEmbedding(entityID string, vec []float32) error {
	if err := e.inner.PutEmbedding(entityID, vec); err != nil {
		return err
	}
	e.record(OpPutEmbedding, embeddingParams{EntityID: entityID, Vector: vec})
	return nil
}

func (e *Engine) RemoveEmbedding(entityID string) error {
	if err := e.inner.RemoveEmbedding(entityID); err != nil {
		return err
	}
	e.record(OpRemoveEmbedding, idParams{ID: entityID})
	return nil
}

// Import replaces the named relations wholesale. A WAL entry cannot carry
// that, so the engine compacts right away and the snapshot becomes the
// record of the import.
func (e *Engine) Import(data []byte) error {
	ctx := context.Background()
	if err := e.queue.Flush(ctx); err != nil {
		return fmt.Errorf("persist: failed to flush before import: %w", err)
	}
	if err := e.inner.Import(data); err != nil {
		return err
	}
	for {
		err := e.compact()
		if !errors.Is(err, ErrCompactionInProgress) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

var _ store.Storer = (*Engine)(nil)
