package registry

import (
	"sort"

	"github.com/kittclouds/kittgraph/internal/cache"
	"github.com/kittclouds/kittgraph/internal/store"
)

// Stats is the global summary.
type Stats struct {
	TotalEntities      int         `json:"totalEntities"`
	TotalRelationships int         `json:"totalRelationships"`
	Ready              bool        `json:"ready"`
	Cache              cache.Stats `json:"cache"`
}

// MentionCount ranks an entity by mentions.
type MentionCount struct {
	ID       string     `json:"id"`
	Label    string     `json:"label"`
	Kind     store.Kind `json:"kind"`
	Mentions int        `json:"mentions"`
}

// DetailedStats breaks the graph down by kind and relationship type.
type DetailedStats struct {
	Stats
	ByKind             map[store.Kind]int `json:"byKind"`
	ByRelationshipType map[string]int     `json:"byRelationshipType"`
	AverageConfidence  float64            `json:"averageConfidence"`
	TopMentioned       []MentionCount     `json:"topMentioned"`
	Orphans            int                `json:"orphans"`
}

// topMentionedLimit bounds DetailedStats.TopMentioned.
const topMentionedLimit = 10

// Stats reports store totals. Before hydration it answers from the cache.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats()
}

func (r *Registry) stats() Stats {
	cs := r.cache.Stats()
	st := Stats{Ready: r.ready, Cache: cs}
	if !r.ready {
		st.TotalEntities = cs.Entities
		st.TotalRelationships = r.cache.RelationshipCount()
		return st
	}

	var err error
	if st.TotalEntities, err = r.store.CountEntities(); err != nil {
		r.readFailed("stats", err)
	}
	if st.TotalRelationships, err = r.store.CountRelationships(); err != nil {
		r.readFailed("stats", err)
	}
	return st
}

// DetailedStats computes the full breakdown.
func (r *Registry) DetailedStats() DetailedStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	ds := DetailedStats{
		Stats:              r.stats(),
		ByKind:             make(map[store.Kind]int),
		ByRelationshipType: make(map[string]int),
		TopMentioned:       []MentionCount{},
	}
	if !r.ready {
		return ds
	}

	byKind, err := r.store.CountEntitiesByKind()
	if err != nil {
		r.readFailed("detailed_stats", err)
	}
	for k, n := range byKind {
		ds.ByKind[k] = n
	}

	rels, err := r.store.ListRelationships()
	if err != nil {
		r.readFailed("detailed_stats", err)
	}
	total := 0.0
	for _, rel := range rels {
		ds.ByRelationshipType[rel.Type]++
		total += rel.Confidence
	}
	if len(rels) > 0 {
		ds.AverageConfidence = total / float64(len(rels))
	}

	entities, err := r.store.ListEntities(store.EntityFilter{})
	if err != nil {
		r.readFailed("detailed_stats", err)
	}
	ds.Orphans = len(project(entities, rels).Orphans())
	for _, e := range entities {
		if e.TotalMentions > 0 {
			ds.TopMentioned = append(ds.TopMentioned, MentionCount{ID: e.ID, Label: e.Label, Kind: e.Kind, Mentions: e.TotalMentions})
		}
	}
	sort.Slice(ds.TopMentioned, func(i, j int) bool {
		a, b := ds.TopMentioned[i], ds.TopMentioned[j]
		if a.Mentions != b.Mentions {
			return a.Mentions > b.Mentions
		}
		return a.Label < b.Label
	})
	if len(ds.TopMentioned) > topMentionedLimit {
		ds.TopMentioned = ds.TopMentioned[:topMentionedLimit]
	}
	return ds
}
