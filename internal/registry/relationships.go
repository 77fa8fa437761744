package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kittclouds/kittgraph/internal/store"
)

// Attribute keys written by AddRelationship.
const (
	AttrInverseType   = "inverseType"
	AttrBidirectional = "bidirectional"
)

// RelationshipOptions carries the optional fields of a new edge.
type RelationshipOptions struct {
	NarrativeID   string
	InverseType   string
	Bidirectional bool
	Attributes    map[string]any
}

// NormalizeType canonicalizes a relationship type: trimmed, upper case,
// inner whitespace and hyphens as underscores.
func NormalizeType(t string) string {
	fields := strings.FieldsFunc(strings.ToUpper(strings.TrimSpace(t)), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '-' || r == '_'
	})
	return strings.Join(fields, "_")
}

// AddRelationship records an edge source -[relType]-> target backed by
// prov. An existing edge with the same endpoints and type gains the
// provenance instead of being duplicated; its confidence becomes the
// maximum over all provenance.
func (r *Registry) AddRelationship(sourceID, targetID, relType string, prov store.Provenance, opts RelationshipOptions) (*store.Relationship, error) {
	relType = NormalizeType(relType)
	if relType == "" {
		return nil, ErrEmptyType
	}

	r.mu.Lock()
	defer r.unlock()
	if err := r.requireReady(); err != nil {
		return nil, err
	}

	for _, id := range []string{sourceID, targetID} {
		e, err := r.store.GetEntity(id)
		if err != nil {
			return nil, r.fail("add_relationship", err)
		}
		if e == nil {
			return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
		}
	}

	now := r.nowMillis()
	prov.Confidence = clamp(prov.Confidence)
	if prov.Timestamp == 0 {
		prov.Timestamp = now
	}

	rel, err := r.store.FindRelationship(sourceID, targetID, relType)
	if err != nil {
		return nil, r.fail("add_relationship", err)
	}
	created := rel == nil
	if created {
		rel = &store.Relationship{
			ID:          r.newID(),
			SourceID:    sourceID,
			TargetID:    targetID,
			Type:        relType,
			Confidence:  prov.Confidence,
			Weight:      1.0,
			NarrativeID: opts.NarrativeID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := r.store.PutRelationship(rel); err != nil {
			return nil, r.fail("add_relationship", err)
		}
		if err := r.putAttributes(rel.ID, opts); err != nil {
			return nil, r.fail("add_relationship", err)
		}
	}

	if created || !hasProvenance(rel.Provenance, prov) {
		prov.ID = r.newID()
		prov.RelationshipID = rel.ID
		if err := r.store.InsertProvenance(&prov); err != nil {
			return nil, r.fail("add_relationship", err)
		}
	}

	updated, err := r.recalculate(rel.ID)
	if err != nil {
		return nil, r.fail("add_relationship", err)
	}
	if created {
		r.syncRelationshipCount()
	}
	r.ok("add_relationship")
	return updated, nil
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// hasProvenance reports whether an equivalent observation is already
// attached, so re-running the same extraction is a no-op.
func hasProvenance(list []store.Provenance, p store.Provenance) bool {
	for _, q := range list {
		if q.Source == p.Source && q.OriginID == p.OriginID && q.Context == p.Context && q.Confidence == p.Confidence {
			return true
		}
	}
	return false
}

func (r *Registry) putAttributes(relID string, opts RelationshipOptions) error {
	attrs := make(map[string]any, len(opts.Attributes)+2)
	for k, v := range opts.Attributes {
		attrs[k] = v
	}
	if opts.InverseType != "" {
		attrs[AttrInverseType] = NormalizeType(opts.InverseType)
	}
	if opts.Bidirectional {
		attrs[AttrBidirectional] = true
	}
	for k, v := range attrs {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode attribute %q: %w", k, err)
		}
		if err := r.store.PutAttribute(relID, k, raw); err != nil {
			return err
		}
	}
	return nil
}

// RecalculateConfidence sets the confidence of relID to the maximum over
// its provenance, zero when there is none.
func (r *Registry) RecalculateConfidence(relID string) (float64, error) {
	r.mu.Lock()
	defer r.unlock()
	if err := r.requireReady(); err != nil {
		return 0, err
	}

	rel, err := r.recalculate(relID)
	if err != nil {
		return 0, r.fail("recalculate_confidence", err)
	}
	if rel == nil {
		return 0, fmt.Errorf("%w: %s", ErrRelationshipNotFound, relID)
	}
	return rel.Confidence, nil
}

// recalculate returns the refreshed edge, nil if it does not exist.
func (r *Registry) recalculate(relID string) (*store.Relationship, error) {
	rel, err := r.store.GetRelationship(relID)
	if err != nil || rel == nil {
		return nil, err
	}

	best := 0.0
	for _, p := range rel.Provenance {
		if p.Confidence > best {
			best = p.Confidence
		}
	}
	if best != rel.Confidence {
		rel.Confidence = best
		rel.UpdatedAt = r.nowMillis()
		if err := r.store.PutRelationship(rel.Row()); err != nil {
			return nil, err
		}
	}

	r.cache.SetRelationship(rel)
	r.touch(TopicRelationships)
	return rel, nil
}

// GetRelationship returns the edge or nil.
func (r *Registry) GetRelationship(id string) *store.Relationship {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rel := r.cache.GetRelationship(id); rel != nil || !r.ready {
		return rel
	}
	rel, err := r.store.GetRelationship(id)
	if err != nil {
		r.readFailed("get_relationship", err)
		return nil
	}
	if rel != nil {
		r.cache.SetRelationship(rel)
	}
	return rel
}

// GetRelationshipsForEntity returns every edge incident on entityID.
func (r *Registry) GetRelationshipsForEntity(entityID string) []*store.Relationship {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return nil
	}

	rels, err := r.store.ListRelationshipsForEntity(entityID)
	if err != nil {
		r.readFailed("list_relationships", err)
		return nil
	}
	return rels
}

// DeleteRelationship removes the edge with its provenance and attributes.
func (r *Registry) DeleteRelationship(id string) (bool, error) {
	r.mu.Lock()
	defer r.unlock()
	if err := r.requireReady(); err != nil {
		return false, err
	}

	rel, err := r.store.GetRelationship(id)
	if err != nil {
		return false, r.fail("delete_relationship", err)
	}
	if rel == nil {
		r.cache.RemoveRelationship(id)
		return false, nil
	}
	if err := r.store.RemoveRelationship(id); err != nil {
		return false, r.fail("delete_relationship", err)
	}
	r.cache.RemoveRelationship(id)
	r.syncRelationshipCount()
	r.touch(TopicRelationships)
	r.ok("delete_relationship")
	return true, nil
}

func (r *Registry) syncRelationshipCount() {
	n, err := r.store.CountRelationships()
	if err != nil {
		r.logger.Warn("failed to count relationships", "error", err)
		return
	}
	r.cache.SetRelationshipCount(n)
}

// NoteCleanup reports what OnNoteDeleted changed.
type NoteCleanup struct {
	EntitiesTouched      int `json:"entitiesTouched"`
	ProvenanceRemoved    int `json:"provenanceRemoved"`
	RelationshipsDeleted int `json:"relationshipsDeleted"`
	RelationshipsUpdated int `json:"relationshipsUpdated"`
}

// OnNoteDeleted drops the mentions and provenance that came from noteID.
// Edges left without provenance are deleted, the rest are recalculated.
func (r *Registry) OnNoteDeleted(noteID string) (*NoteCleanup, error) {
	r.mu.Lock()
	defer r.unlock()
	if err := r.requireReady(); err != nil {
		return nil, err
	}
	res := &NoteCleanup{}

	entities, err := r.store.ListEntities(store.EntityFilter{})
	if err != nil {
		return nil, r.fail("note_deleted", err)
	}
	var touched []string
	for _, e := range entities {
		mentions, err := r.store.GetMentions(e.ID)
		if err != nil {
			return nil, r.fail("note_deleted", err)
		}
		for _, m := range mentions {
			if m.NoteID == noteID {
				touched = append(touched, e.ID)
				break
			}
		}
	}

	rels, err := r.store.ListRelationships()
	if err != nil {
		return nil, r.fail("note_deleted", err)
	}
	var affected []string
	for _, rel := range rels {
		n := 0
		for _, p := range rel.Provenance {
			if p.OriginID == noteID {
				n++
			}
		}
		if n > 0 {
			affected = append(affected, rel.ID)
			res.ProvenanceRemoved += n
		}
	}

	if err := r.store.RemoveNoteMentions(noteID); err != nil {
		return nil, r.fail("note_deleted", err)
	}
	if err := r.store.RemoveOriginProvenance(noteID); err != nil {
		return nil, r.fail("note_deleted", err)
	}

	for _, id := range touched {
		if _, err := r.refresh(id); err != nil {
			return nil, r.fail("note_deleted", err)
		}
	}
	res.EntitiesTouched = len(touched)

	for _, id := range affected {
		rel, err := r.store.GetRelationship(id)
		if err != nil {
			return nil, r.fail("note_deleted", err)
		}
		if rel == nil {
			continue
		}
		if len(rel.Provenance) == 0 {
			if err := r.store.RemoveRelationship(id); err != nil {
				return nil, r.fail("note_deleted", err)
			}
			r.cache.RemoveRelationship(id)
			res.RelationshipsDeleted++
			continue
		}
		if _, err := r.recalculate(id); err != nil {
			return nil, r.fail("note_deleted", err)
		}
		res.RelationshipsUpdated++
	}
	if res.RelationshipsDeleted > 0 {
		r.syncRelationshipCount()
	}
	if len(affected) > 0 {
		r.touch(TopicRelationships)
	}

	r.ok("note_deleted")
	r.logger.Info("note cleanup", "note", noteID,
		"entities", res.EntitiesTouched,
		"provenance", res.ProvenanceRemoved,
		"deleted", res.RelationshipsDeleted,
		"updated", res.RelationshipsUpdated,
	)
	return res, nil
}
