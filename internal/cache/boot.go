package cache

import (
	"fmt"
	"sort"

	"github.com/kittclouds/kittgraph/internal/store"
)

// Boot cache record identity in the settings store.
const (
	BootCacheKey     = "kittgraph.bootCache"
	BootCacheVersion = 1
)

// BootEntity is the reduced entity projection kept for instant startup.
type BootEntity struct {
	ID          string     `json:"id"`
	Label       string     `json:"label"`
	Kind        store.Kind `json:"kind"`
	Subtype     string     `json:"subtype,omitempty"`
	Aliases     []string   `json:"aliases"`
	NarrativeID string     `json:"narrativeId,omitempty"`
}

// BootRecord is the boot cache document.
type BootRecord struct {
	Version                int          `json:"version"`
	Entities               []BootEntity `json:"entities"`
	TotalRelationshipCount int          `json:"totalRelationshipCount"`
	LastUpdatedAt          int64        `json:"lastUpdatedAt"`
}

// BootRecord projects the cached entities, ordered by label then id.
func (c *Cache) BootRecord() BootRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bootRecord()
}

func (c *Cache) bootRecord() BootRecord {
	rec := BootRecord{
		Version:                BootCacheVersion,
		Entities:               make([]BootEntity, 0, len(c.entities)),
		TotalRelationshipCount: c.relationshipCount,
		LastUpdatedAt:          c.now().UnixMilli(),
	}
	for _, e := range c.entities {
		aliases := make([]string, len(e.data.Aliases))
		copy(aliases, e.data.Aliases)
		rec.Entities = append(rec.Entities, BootEntity{
			ID:          e.data.ID,
			Label:       e.data.Label,
			Kind:        e.data.Kind,
			Subtype:     e.data.Subtype,
			Aliases:     aliases,
			NarrativeID: e.data.NarrativeID,
		})
	}
	sort.Slice(rec.Entities, func(i, j int) bool {
		a, b := rec.Entities[i], rec.Entities[j]
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		return a.ID < b.ID
	})
	return rec
}

// SyncToBootCache writes the boot record when the cache changed since the
// last sync.
func (c *Cache) SyncToBootCache() error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	rec := c.bootRecord()
	c.dirty = false
	c.mu.Unlock()

	if c.settings == nil {
		return nil
	}
	if err := c.settings.Set(BootCacheKey, rec); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return fmt.Errorf("cache: failed to write boot cache: %w", err)
	}
	c.logger.Debug("boot cache synced", "entities", len(rec.Entities))
	return nil
}

// WarmFromBootCache loads the boot record and returns how many of its
// entities are cached afterwards. Records that fail to decode or carry another version are removed.
func (c *Cache) WarmFromBootCache() int {
	if c.settings == nil {
		return 0
	}
	var rec BootRecord
	if !c.settings.Get(BootCacheKey, &rec) {
		c.settings.Remove(BootCacheKey)
		return 0
	}
	if rec.Version != BootCacheVersion {
		c.logger.Warn("discarding boot cache", "version", rec.Version, "want", BootCacheVersion)
		c.settings.Remove(BootCacheKey)
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(rec.Entities))
	for _, b := range rec.Entities {
		if b.ID == "" {
			continue
		}
		ids = append(ids, b.ID)
		c.set(&store.Entity{
			ID:              b.ID,
			Label:           b.Label,
			NormalizedLabel: store.Normalize(b.Label),
			Kind:            b.Kind,
			Subtype:         b.Subtype,
			Aliases:         b.Aliases,
			NarrativeID:     b.NarrativeID,
		}, true)
	}
	c.evictEntities()
	c.relationshipCount = rec.TotalRelationshipCount
	c.warmed = true
	// The cache now matches the record.
	c.dirty = false

	loaded := 0
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := c.entities[id]; ok && !seen[id] {
			loaded++
		}
		seen[id] = true
	}
	c.logger.Info("warmed from boot cache", "entities", loaded, "record", len(rec.Entities))
	return loaded
}
