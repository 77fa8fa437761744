// Package registry is the entity and relationship API of the graph core.
//
// Every call runs under one mutex, so registry operations never interleave.
// Mutations go to the store first, then refresh the hot cache, then notify
// observers. Reads are cache-first and degrade to empty results when the
// store fails or has not been hydrated yet.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kittclouds/kittgraph/internal/cache"
	"github.com/kittclouds/kittgraph/internal/metrics"
	"github.com/kittclouds/kittgraph/internal/store"
	"github.com/kittclouds/kittgraph/pkg/dafsa"
)

var (
	ErrEmptyLabel           = errors.New("registry: empty label")
	ErrEmptyType            = errors.New("registry: empty relationship type")
	ErrEntityNotFound       = errors.New("registry: entity not found")
	ErrRelationshipNotFound = errors.New("registry: relationship not found")
	ErrLabelConflict        = errors.New("registry: label already in use")
	ErrNotReady             = errors.New("registry: store not hydrated")
)

// Topic names what an observer notification is about.
type Topic string

const (
	TopicEntities      Topic = "entities"
	TopicRelationships Topic = "relationships"
)

// Observer is called after a mutation commits, outside the registry lock.
type Observer func(Topic)

// Options wires a Registry.
type Options struct {
	Store   store.Storer
	Cache   *cache.Cache
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	NewID   func() string
}

// Registry is the graph API.
type Registry struct {
	mu sync.Mutex

	store   store.Storer
	cache   *cache.Cache
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	ready bool

	observers map[int]Observer
	nextObs   int
	pending   map[Topic]struct{}

	dict        *dafsa.RuntimeDictionary
	dictVersion uint64
	dictStale   bool
}

// New creates a registry. Call Hydrate once the store is recovered.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Cache == nil {
		opts.Cache = cache.New(cache.Options{Logger: opts.Logger, Metrics: opts.Metrics})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Registry{
		store:     opts.Store,
		cache:     opts.Cache,
		logger:    opts.Logger.With("component", "registry"),
		metrics:   opts.Metrics,
		now:       opts.Now,
		newID:     opts.NewID,
		observers: make(map[int]Observer),
		pending:   make(map[Topic]struct{}),
		dictStale: true,
	}
}

// Hydrate replaces the cache contents with every stored entity and opens
// the registry for mutations. It returns the number of entities loaded.
// Calling it again reloads from the store.
func (r *Registry) Hydrate() (int, error) {
	r.mu.Lock()
	defer r.unlock()

	entities, err := r.store.ListEntities(store.EntityFilter{})
	if err != nil {
		return 0, r.fail("hydrate", err)
	}
	relCount, err := r.store.CountRelationships()
	if err != nil {
		return 0, r.fail("hydrate", err)
	}

	// the store is authoritative; drop whatever the boot cache served
	r.cache.InvalidateAll()
	r.cache.WarmWithEntities(entities)
	r.cache.SetRelationshipCount(relCount)
	r.ready = true
	r.dictStale = true
	r.touch(TopicEntities, TopicRelationships)

	r.logger.Info("registry hydrated", "entities", len(entities), "relationships", relCount)
	return len(entities), nil
}

// Ready reports whether Hydrate has completed.
func (r *Registry) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Cache exposes the hot cache for boot-cache syncing and stats.
func (r *Registry) Cache() *cache.Cache {
	return r.cache
}

// Subscribe registers fn and returns a function that removes it.
func (r *Registry) Subscribe(fn Observer) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.observers, id)
	}
}

// touch queues observer notifications for the running call. Any entity
// change invalidates the scan dictionary, cached or not.
func (r *Registry) touch(topics ...Topic) {
	for _, t := range topics {
		r.pending[t] = struct{}{}
		if t == TopicEntities {
			r.dictStale = true
		}
	}
}

// unlock releases the registry lock and then delivers queued
// notifications, entities before relationships.
func (r *Registry) unlock() {
	var topics []Topic
	for _, t := range []Topic{TopicEntities, TopicRelationships} {
		if _, ok := r.pending[t]; ok {
			topics = append(topics, t)
		}
	}
	clear(r.pending)
	observers := make([]Observer, 0, len(r.observers))
	for i := 0; i < r.nextObs; i++ {
		if fn, ok := r.observers[i]; ok {
			observers = append(observers, fn)
		}
	}
	r.mu.Unlock()

	for _, t := range topics {
		for _, fn := range observers {
			fn(t)
		}
	}
}

func (r *Registry) requireReady() error {
	if !r.ready {
		return ErrNotReady
	}
	return nil
}

func (r *Registry) nowMillis() int64 {
	return r.now().UnixMilli()
}

// ============================================================================
// Outcome accounting
// ============================================================================

func (r *Registry) ok(op string) {
	r.metrics.Operations.WithLabelValues(op, "ok").Inc()
}

func (r *Registry) conflict(op string, msg string, args ...any) {
	r.metrics.Operations.WithLabelValues(op, "conflict").Inc()
	r.logger.Warn(msg, append([]any{"op", op}, args...)...)
}

// fail records a store error for op and returns it wrapped.
func (r *Registry) fail(op string, err error) error {
	r.metrics.Operations.WithLabelValues(op, "error").Inc()
	r.logger.Error("store operation failed", "op", op, "error", err)
	return &OpError{Op: op, Err: err}
}

// readFailed logs a swallowed read error.
func (r *Registry) readFailed(op string, err error) {
	r.metrics.Operations.WithLabelValues(op, "error").Inc()
	r.logger.Warn("read failed, returning empty result", "op", op, "error", err)
}

// OpError wraps a backing store failure with the registry operation.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return "registry: " + e.Op + ": " + e.Err.Error() }

func (e *OpError) Unwrap() error { return e.Err }
