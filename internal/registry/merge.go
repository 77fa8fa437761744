package registry

import (
	"github.com/kittclouds/kittgraph/internal/store"
)

// MergeEntities folds sourceID into targetID: the source label and aliases
// become target aliases, mention counts are summed per note, incident edges
// are rewritten onto the target and metadata is copied over. The source is
// then deleted. It reports false when the ids are equal or either is
// unknown.
func (r *Registry) MergeEntities(targetID, sourceID string) (bool, error) {
	r.mu.Lock()
	defer r.unlock()
	if err := r.requireReady(); err != nil {
		return false, err
	}
	if targetID == sourceID {
		r.conflict("merge_entities", "cannot merge an entity into itself", "id", targetID)
		return false, nil
	}

	target, err := r.store.GetEntity(targetID)
	if err != nil {
		return false, r.fail("merge_entities", err)
	}
	source, err := r.store.GetEntity(sourceID)
	if err != nil {
		return false, r.fail("merge_entities", err)
	}
	if target == nil || source == nil {
		r.conflict("merge_entities", "merge endpoint missing", "target", targetID, "source", sourceID)
		return false, nil
	}

	if err := r.mergeInto(target, source); err != nil {
		return false, r.fail("merge_entities", err)
	}

	r.cache.Remove(sourceID)
	if _, err := r.refresh(targetID); err != nil {
		return false, r.fail("merge_entities", err)
	}
	r.touch(TopicEntities, TopicRelationships)
	r.ok("merge_entities")
	r.logger.Info("entities merged", "target", targetID, "source", sourceID, "label", source.Label)
	return true, nil
}

func (r *Registry) mergeInto(target, source *store.Entity) error {
	// The source row and aliases go first so the target can claim its
	// label and aliases; its other rows are still keyed by id.
	if err := r.store.RemoveAliases(source.ID); err != nil {
		return err
	}
	if err := r.store.RemoveEntity(source.ID); err != nil {
		return err
	}
	for _, a := range append([]string{source.Label}, source.Aliases...) {
		if _, err := r.addAlias(target.ID, a); err != nil {
			return err
		}
	}

	// Mentions
	mentions, err := r.store.GetMentions(source.ID)
	if err != nil {
		return err
	}
	for _, m := range mentions {
		if err := r.bumpMention(target.ID, m.NoteID, m.Count); err != nil {
			return err
		}
	}
	if err := r.store.RemoveMentions(source.ID); err != nil {
		return err
	}

	// Relationships
	rels, err := r.store.ListRelationshipsForEntity(source.ID)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if err := r.rewriteEdge(rel, source.ID, target.ID); err != nil {
			return err
		}
	}

	// Metadata: source values win.
	md, err := r.store.GetMetadata(source.ID)
	if err != nil {
		return err
	}
	for k, v := range md {
		if err := r.store.PutMetadata(target.ID, k, v); err != nil {
			return err
		}
	}

	for _, step := range []func(string) error{
		r.store.RemoveMetadata,
		r.store.RemoveEmbedding,
	} {
		if err := step(source.ID); err != nil {
			return err
		}
	}
	return nil
}

// rewriteEdge moves rel from the source entity to the target. When the
// target already has the same edge, the provenance is folded into it and
// rel is dropped so edges stay unique per endpoints and type.
func (r *Registry) rewriteEdge(rel *store.Relationship, sourceID, targetID string) error {
	moved := rel.Row()
	if moved.SourceID == sourceID {
		moved.SourceID = targetID
	}
	if moved.TargetID == sourceID {
		moved.TargetID = targetID
	}

	twin, err := r.store.FindRelationship(moved.SourceID, moved.TargetID, moved.Type)
	if err != nil {
		return err
	}
	if twin == nil || twin.ID == rel.ID {
		moved.UpdatedAt = r.nowMillis()
		if err := r.store.PutRelationship(moved); err != nil {
			return err
		}
		_, err := r.recalculate(rel.ID)
		return err
	}

	for _, p := range rel.Provenance {
		if hasProvenance(twin.Provenance, p) {
			continue
		}
		p.ID = r.newID()
		p.RelationshipID = twin.ID
		if err := r.store.InsertProvenance(&p); err != nil {
			return err
		}
	}
	for k, v := range rel.Attributes {
		if _, ok := twin.Attributes[k]; ok {
			continue
		}
		if err := r.store.PutAttribute(twin.ID, k, v); err != nil {
			return err
		}
	}
	if err := r.store.RemoveRelationship(rel.ID); err != nil {
		return err
	}
	r.cache.RemoveRelationship(rel.ID)
	r.syncRelationshipCount()
	_, err = r.recalculate(twin.ID)
	return err
}
