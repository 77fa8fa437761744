// Package cache is the in-memory hot cache in front of the backing store.
// It indexes entities by id, normalized label and normalized alias, keeps
// relationships by id, bounds both with LRU eviction and mirrors a reduced
// projection into the settings store as the boot cache.
package cache

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kittclouds/kittgraph/internal/metrics"
	"github.com/kittclouds/kittgraph/internal/store"
)

// Cache defaults.
const (
	DefaultMaxEntities      = 500
	DefaultMaxRelationships = 1000
)

// Settings is the slice of the settings store the boot cache needs.
type Settings interface {
	Get(key string, dst any) bool
	Set(key string, value any) error
	Remove(key string)
}

// Options configures a Cache. Zero limits take the defaults.
type Options struct {
	MaxEntities      int
	MaxRelationships int
	Settings         Settings
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

type entry[T any] struct {
	data         T
	lastAccessed uint64
}

// Cache is safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	entities      map[string]*entry[*store.Entity]
	byLabel       map[string]string
	aliasToID     map[string]string
	relationships map[string]*entry[*store.Relationship]

	maxEntities      int
	maxRelationships int

	// tick is the logical clock behind lastAccessed.
	tick              uint64
	entityVersion     uint64
	relationshipCount int
	dirty             bool
	warmed            bool

	hits, misses, evictions int

	settings Settings
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates an empty cache.
func New(opts Options) *Cache {
	if opts.MaxEntities <= 0 {
		opts.MaxEntities = DefaultMaxEntities
	}
	if opts.MaxRelationships <= 0 {
		opts.MaxRelationships = DefaultMaxRelationships
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		maxEntities:      opts.MaxEntities,
		maxRelationships: opts.MaxRelationships,
		settings:         opts.Settings,
		logger:           opts.Logger.With("component", "cache"),
		metrics:          opts.Metrics,
		now:              opts.Now,
	}
	c.reset()
	return c
}

func (c *Cache) reset() {
	c.entities = make(map[string]*entry[*store.Entity])
	c.byLabel = make(map[string]string)
	c.aliasToID = make(map[string]string)
	c.relationships = make(map[string]*entry[*store.Relationship])
}

func (c *Cache) touch() uint64 {
	c.tick++
	return c.tick
}

func (c *Cache) hit() {
	c.hits++
	c.metrics.CacheHits.Inc()
}

func (c *Cache) miss() {
	c.misses++
	c.metrics.CacheMisses.Inc()
}

// ============================================================================
// Entities
// ============================================================================

// Get returns a copy of the entity with id, or nil.
func (c *Cache) Get(id string) *store.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entities[id]
	if !ok {
		c.miss()
		return nil
	}
	c.hit()
	e.lastAccessed = c.touch()
	return e.data.Clone()
}

// FindByLabel resolves text against the label index, then the alias index.
func (c *Cache) FindByLabel(text string) *store.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := store.Normalize(text)
	if key == "" {
		return nil
	}
	id, ok := c.byLabel[key]
	if !ok {
		id, ok = c.aliasToID[key]
	}
	if !ok {
		c.miss()
		return nil
	}
	e, ok := c.entities[id]
	if !ok {
		c.miss()
		return nil
	}
	c.hit()
	e.lastAccessed = c.touch()
	return e.data.Clone()
}

// Set caches entity, replacing any previous copy and its index entries.
// skipVersionBump is for bulk loads that must not invalidate dependents.
func (c *Cache) Set(entity *store.Entity, skipVersionBump bool) {
	if entity == nil || entity.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.set(entity.Clone(), skipVersionBump)
	c.evictEntities()
}

func (c *Cache) set(e *store.Entity, skipVersionBump bool) {
	if old, ok := c.entities[e.ID]; ok {
		c.unindex(old.data)
	}
	if e.NormalizedLabel == "" {
		e.NormalizedLabel = store.Normalize(e.Label)
	}
	c.entities[e.ID] = &entry[*store.Entity]{data: e, lastAccessed: c.touch()}
	c.index(e)

	c.dirty = true
	if !skipVersionBump {
		c.entityVersion++
	}
	c.metrics.CacheEntities.Set(float64(len(c.entities)))
}

func (c *Cache) index(e *store.Entity) {
	c.byLabel[e.NormalizedLabel] = e.ID
	for _, a := range e.Aliases {
		if n := store.Normalize(a); n != "" {
			c.aliasToID[n] = e.ID
		}
	}
}

// unindex drops index entries of e that still point at it.
func (c *Cache) unindex(e *store.Entity) {
	if c.byLabel[e.NormalizedLabel] == e.ID {
		delete(c.byLabel, e.NormalizedLabel)
	}
	for _, a := range e.Aliases {
		n := store.Normalize(a)
		if c.aliasToID[n] == e.ID {
			delete(c.aliasToID, n)
		}
	}
}

// Remove drops the entity with id and its index entries.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entities[id]
	if !ok {
		return
	}
	c.unindex(e.data)
	delete(c.entities, id)
	c.dirty = true
	c.entityVersion++
	c.metrics.CacheEntities.Set(float64(len(c.entities)))
}

// evictEntities drops least recently accessed entities until the cache
// is within budget.
func (c *Cache) evictEntities() {
	over := len(c.entities) - c.maxEntities
	if over <= 0 {
		return
	}
	victims := make([]*entry[*store.Entity], 0, len(c.entities))
	for _, e := range c.entities {
		victims = append(victims, e)
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].lastAccessed < victims[j].lastAccessed
	})
	for _, v := range victims[:over] {
		c.unindex(v.data)
		delete(c.entities, v.data.ID)
	}
	c.evictions += over
	c.metrics.CacheEvictions.Add(float64(over))
	c.metrics.CacheEntities.Set(float64(len(c.entities)))
	c.logger.Debug("evicted entities", "count", over, "size", len(c.entities))
}

// ============================================================================
// Relationships
// ============================================================================

// GetRelationship returns a copy of the relationship with id, or nil.
func (c *Cache) GetRelationship(id string) *store.Relationship {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.relationships[id]
	if !ok {
		c.miss()
		return nil
	}
	c.hit()
	r.lastAccessed = c.touch()
	return r.data.Clone()
}

// SetRelationship caches rel.
func (c *Cache) SetRelationship(rel *store.Relationship) {
	if rel == nil || rel.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.relationships[rel.ID] = &entry[*store.Relationship]{data: rel.Clone(), lastAccessed: c.touch()}

	over := len(c.relationships) - c.maxRelationships
	if over <= 0 {
		return
	}
	victims := make([]*entry[*store.Relationship], 0, len(c.relationships))
	for _, r := range c.relationships {
		victims = append(victims, r)
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].lastAccessed < victims[j].lastAccessed
	})
	for _, v := range victims[:over] {
		delete(c.relationships, v.data.ID)
	}
	c.evictions += over
	c.metrics.CacheEvictions.Add(float64(over))
}

// RemoveRelationship drops the relationship with id.
func (c *Cache) RemoveRelationship(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.relationships, id)
}

// SetRelationshipCount records the store-wide relationship total for the
// boot cache.
func (c *Cache) SetRelationshipCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relationshipCount != n {
		c.relationshipCount = n
		c.dirty = true
	}
}

// RelationshipCount returns the last recorded relationship total.
func (c *Cache) RelationshipCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relationshipCount
}

// ============================================================================
// Lifecycle
// ============================================================================

// WarmWithEntities bulk-loads fully hydrated entities and syncs the boot
// cache.
func (c *Cache) WarmWithEntities(entities []*store.Entity) {
	c.mu.Lock()
	for _, e := range entities {
		if e != nil && e.ID != "" {
			c.set(e.Clone(), true)
		}
	}
	c.evictEntities()
	c.warmed = true
	c.dirty = true
	c.mu.Unlock()

	if err := c.SyncToBootCache(); err != nil {
		c.logger.Warn("boot cache sync failed", "error", err)
	}
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reset()
	c.warmed = false
	c.dirty = true
	c.entityVersion++
	c.metrics.CacheEntities.Set(0)
}

// EntityVersion changes whenever the cached entity set changes outside a
// bulk load.
func (c *Cache) EntityVersion() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entityVersion
}

// Warmed reports whether a warm path has populated the cache.
func (c *Cache) Warmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warmed
}

// Stats describes the cache contents.
type Stats struct {
	Entities      int    `json:"entities"`
	Relationships int    `json:"relationships"`
	Labels        int    `json:"labels"`
	Aliases       int    `json:"aliases"`
	Hits          int    `json:"hits"`
	Misses        int    `json:"misses"`
	Evictions     int    `json:"evictions"`
	EntityVersion uint64 `json:"entityVersion"`
	Warmed        bool   `json:"warmed"`
	Dirty         bool   `json:"dirty"`
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entities:      len(c.entities),
		Relationships: len(c.relationships),
		Labels:        len(c.byLabel),
		Aliases:       len(c.aliasToID),
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		EntityVersion: c.entityVersion,
		Warmed:        c.warmed,
		Dirty:         c.dirty,
	}
}
