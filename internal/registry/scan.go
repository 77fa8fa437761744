package registry

import (
	"fmt"

	"github.com/kittclouds/kittgraph/internal/store"
	"github.com/kittclouds/kittgraph/pkg/dafsa"
)

// TextMatch is one entity mention found by ScanText. Offsets are bytes.
type TextMatch struct {
	Start    int        `json:"start"`
	End      int        `json:"end"`
	Text     string     `json:"text"`
	EntityID string     `json:"entityId"`
	Label    string     `json:"label"`
	Kind     store.Kind `json:"kind"`
}

// ScanText finds mentions of known entities in text. When a surface form
// belongs to several entities the highest-priority kind wins.
func (r *Registry) ScanText(text string) []TextMatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return nil
	}

	dict, err := r.dictionary()
	if err != nil {
		r.readFailed("scan_text", err)
		return nil
	}

	var out []TextMatch
	for _, m := range dict.Scan(text) {
		best := dafsa.SelectBest(m.Entities)
		if best == nil {
			continue
		}
		out = append(out, TextMatch{
			Start:    m.Start,
			End:      m.End,
			Text:     m.MatchedText,
			EntityID: best.ID,
			Label:    best.Label,
			Kind:     store.Kind(best.Kind),
		})
	}
	return out
}

// dictionary returns the compiled dictionary, rebuilding it when the
// cached entity set changed since the last build.
func (r *Registry) dictionary() (*dafsa.RuntimeDictionary, error) {
	version := r.cache.EntityVersion()
	if r.dict != nil && !r.dictStale && version == r.dictVersion {
		return r.dict, nil
	}

	entities, err := r.store.ListEntities(store.EntityFilter{})
	if err != nil {
		return nil, err
	}
	registered := make([]dafsa.RegisteredEntity, 0, len(entities))
	for _, e := range entities {
		registered = append(registered, dafsa.RegisteredEntity{
			ID:          e.ID,
			Label:       e.Label,
			Aliases:     e.Aliases,
			Kind:        string(e.Kind),
			NarrativeID: e.NarrativeID,
		})
	}
	r.dict = dafsa.Compile(registered)
	r.dictVersion = version
	r.dictStale = false
	r.logger.Debug("dictionary rebuilt", "entities", len(registered), "patterns", r.dict.Len())
	return r.dict, nil
}

// ============================================================================
// Embeddings
// ============================================================================

// SimilarEntity is a nearest-neighbour result.
type SimilarEntity struct {
	Entity   *store.Entity `json:"entity"`
	Distance float64       `json:"distance"`
}

// SetEmbedding stores the vector of entityID.
func (r *Registry) SetEmbedding(entityID string, vec []float32) error {
	r.mu.Lock()
	defer r.unlock()
	if err := r.requireReady(); err != nil {
		return err
	}

	e, err := r.store.GetEntity(entityID)
	if err != nil {
		return r.fail("set_embedding", err)
	}
	if e == nil {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	if err := r.store.PutEmbedding(entityID, vec); err != nil {
		return r.fail("set_embedding", err)
	}
	r.ok("set_embedding")
	return nil
}

// SimilarEntities returns up to k entities nearest to vec.
func (r *Registry) SimilarEntities(vec []float32, k int) []SimilarEntity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return nil
	}

	hits, err := r.store.SearchEmbeddings(vec, k)
	if err != nil {
		r.readFailed("similar_entities", err)
		return nil
	}
	out := make([]SimilarEntity, 0, len(hits))
	for _, h := range hits {
		e, err := r.entity(h.EntityID)
		if err != nil {
			r.readFailed("similar_entities", err)
			return nil
		}
		if e != nil {
			out = append(out, SimilarEntity{Entity: e, Distance: h.Distance})
		}
	}
	return out
}
