package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kittclouds/kittgraph/internal/store"
	"github.com/kittclouds/kittgraph/pkg/dafsa"
)

// RegisterOptions carries the optional fields of a registration.
type RegisterOptions struct {
	Subtype     string
	Aliases     []string
	Metadata    map[string]any
	NarrativeID string
	CreatedBy   store.CreatedBy
}

// EntityUpdate lists the fields UpdateEntity may change. Nil means keep.
type EntityUpdate struct {
	Label       *string
	Kind        *string
	Subtype     *string
	NarrativeID *string
}

// RegisterEntity returns the entity for label, creating it when neither
// its normalized label nor an alias is known. Registering a known entity
// counts a mention from originNoteID and merges in new aliases and
// metadata.
func (r *Registry) RegisterEntity(label, kind, originNoteID string, opts RegisterOptions) (*store.Entity, error) {
	label = strings.TrimSpace(label)
	norm := store.Normalize(label)
	if norm == "" {
		return nil, ErrEmptyLabel
	}
	k, err := store.ParseKind(kind)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.unlock()
	if err := r.requireReady(); err != nil {
		return nil, err
	}

	existing, err := r.lookup(norm)
	if err != nil {
		return nil, r.fail("register_entity", err)
	}
	if existing != nil {
		return r.reRegister(existing, originNoteID, opts)
	}

	if opts.CreatedBy == "" {
		opts.CreatedBy = store.CreatedByUser
	}
	now := r.nowMillis()
	e := &store.Entity{
		ID:          r.newID(),
		Label:       label,
		Kind:        k,
		Subtype:     opts.Subtype,
		FirstNote:   originNoteID,
		CreatedBy:   opts.CreatedBy,
		NarrativeID: opts.NarrativeID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.PutEntity(e); err != nil {
		return nil, r.fail("register_entity", err)
	}
	if err := r.absorb(e.ID, originNoteID, opts); err != nil {
		return nil, r.fail("register_entity", err)
	}

	created, err := r.refresh(e.ID)
	if err != nil {
		return nil, r.fail("register_entity", err)
	}
	r.ok("register_entity")
	r.logger.Debug("entity registered", "id", created.ID, "label", created.Label, "kind", created.Kind)
	return created, nil
}

func (r *Registry) reRegister(existing *store.Entity, originNoteID string, opts RegisterOptions) (*store.Entity, error) {
	if err := r.absorb(existing.ID, originNoteID, opts); err != nil {
		return nil, r.fail("register_entity", err)
	}
	e, err := r.refresh(existing.ID)
	if err != nil {
		return nil, r.fail("register_entity", err)
	}
	r.ok("register_entity")
	return e, nil
}

// absorb records the mention and merges aliases and metadata into id.
func (r *Registry) absorb(id, noteID string, opts RegisterOptions) error {
	if noteID != "" {
		if err := r.bumpMention(id, noteID, 1); err != nil {
			return err
		}
	}
	for _, a := range opts.Aliases {
		if _, err := r.addAlias(id, a); err != nil {
			return err
		}
	}
	for k, v := range opts.Metadata {
		if err := r.setMetadata(id, k, v); err != nil {
			return err
		}
	}
	return nil
}

// lookup resolves a normalized label: cache, then store label, then store
// alias. Store hits are cached.
func (r *Registry) lookup(norm string) (*store.Entity, error) {
	if e := r.cache.FindByLabel(norm); e != nil {
		return e, nil
	}
	if !r.ready {
		return nil, nil
	}
	e, err := r.store.GetEntityByLabel(norm)
	if err != nil {
		return nil, err
	}
	if e == nil {
		e, err = r.store.GetEntityByAlias(norm)
		if err != nil {
			return nil, err
		}
	}
	if e != nil {
		r.cache.Set(e, true)
	}
	return e, nil
}

// refresh reloads id from the store into the cache.
func (r *Registry) refresh(id string) (*store.Entity, error) {
	e, err := r.store.GetEntity(id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		r.cache.Remove(id)
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	r.cache.Set(e, false)
	r.touch(TopicEntities)
	return e, nil
}

// entity loads id from cache or store, nil if unknown.
func (r *Registry) entity(id string) (*store.Entity, error) {
	if e := r.cache.Get(id); e != nil || !r.ready {
		return e, nil
	}
	e, err := r.store.GetEntity(id)
	if err != nil || e == nil {
		return nil, err
	}
	r.cache.Set(e, true)
	return e, nil
}

// GetEntityByID returns the entity or nil.
func (r *Registry) GetEntityByID(id string) *store.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.entity(id)
	if err != nil {
		r.readFailed("get_entity", err)
		return nil
	}
	return e
}

// FindEntityByLabel resolves label or alias text case- and
// whitespace-insensitively.
func (r *Registry) FindEntityByLabel(label string) *store.Entity {
	norm := store.Normalize(label)
	if norm == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(norm)
	if err != nil {
		r.readFailed("find_entity", err)
		return nil
	}
	return e
}

// ListEntities returns the entities matching filter ordered by label.
func (r *Registry) ListEntities(filter store.EntityFilter) []*store.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return nil
	}

	entities, err := r.store.ListEntities(filter)
	if err != nil {
		r.readFailed("list_entities", err)
		return nil
	}
	return entities
}

// SearchEntities ranks entities by how many query tokens their label or
// aliases contain. Stop words are ignored unless nothing else is left.
func (r *Registry) SearchEntities(query string, limit int) []*store.Entity {
	tokens := dafsa.TokenizeNorm(query)
	if len(tokens) == 0 {
		if n := store.Normalize(query); n != "" {
			tokens = []string{n}
		}
	}
	if len(tokens) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return nil
	}

	scores := make(map[string]int)
	byID := make(map[string]*store.Entity)
	for _, tok := range tokens {
		hits, err := r.store.SearchEntities(tok, 0)
		if err != nil {
			r.readFailed("search_entities", err)
			return nil
		}
		for _, e := range hits {
			scores[e.ID]++
			byID[e.ID] = e
		}
	}

	result := make([]*store.Entity, 0, len(byID))
	for _, e := range byID {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if scores[a.ID] != scores[b.ID] {
			return scores[a.ID] > scores[b.ID]
		}
		if a.NormalizedLabel != b.NormalizedLabel {
			return a.NormalizedLabel < b.NormalizedLabel
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// UpdateEntity applies update to id. Relabelling onto a label or alias
// owned by another entity fails with ErrLabelConflict.
func (r *Registry) UpdateEntity(id string, update EntityUpdate) (*store.Entity, error) {
	r.mu.Lock()
	defer r.unlock()
	if err := r.requireReady(); err != nil {
		return nil, err
	}

	e, err := r.store.GetEntity(id)
	if err != nil {
		return nil, r.fail("update_entity", err)
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}

	if update.Label != nil {
		label := strings.TrimSpace(*update.Label)
		norm := store.Normalize(label)
		if norm == "" {
			return nil, ErrEmptyLabel
		}
		if norm != e.NormalizedLabel {
			owner, err := r.owner(norm)
			if err != nil {
				return nil, r.fail("update_entity", err)
			}
			if owner != "" && owner != id {
				r.conflict("update_entity", "label already in use", "label", label, "owner", owner)
				return nil, fmt.Errorf("%w: %q", ErrLabelConflict, label)
			}
		}
		e.Label = label
	}
	if update.Kind != nil {
		k, err := store.ParseKind(*update.Kind)
		if err != nil {
			return nil, err
		}
		e.Kind = k
	}
	if update.Subtype != nil {
		e.Subtype = *update.Subtype
	}
	if update.NarrativeID != nil {
		e.NarrativeID = *update.NarrativeID
	}
	e.UpdatedAt = r.nowMillis()

	if err := r.store.PutEntity(e); err != nil {
		return nil, r.fail("update_entity", err)
	}
	updated, err := r.refresh(id)
	if err != nil {
		return nil, r.fail("update_entity", err)
	}
	r.ok("update_entity")
	return updated, nil
}

// owner returns the id of the entity whose label or alias is norm.
func (r *Registry) owner(norm string) (string, error) {
	e, err := r.store.GetEntityByLabel(norm)
	if err != nil {
		return "", err
	}
	if e != nil {
		return e.ID, nil
	}
	return r.store.AliasOwner(norm)
}

// DeleteEntity removes id with its relationships, aliases, mentions,
// metadata and embedding. It reports false when id is unknown.
func (r *Registry) DeleteEntity(id string) (bool, error) {
	r.mu.Lock()
	defer r.unlock()
	if err := r.requireReady(); err != nil {
		return false, err
	}

	e, err := r.store.GetEntity(id)
	if err != nil {
		return false, r.fail("delete_entity", err)
	}
	if e == nil {
		r.cache.Remove(id)
		return false, nil
	}

	rels, err := r.store.ListRelationshipsForEntity(id)
	if err != nil {
		return false, r.fail("delete_entity", err)
	}
	for _, rel := range rels {
		if err := r.store.RemoveRelationship(rel.ID); err != nil {
			return false, r.fail("delete_entity", err)
		}
		r.cache.RemoveRelationship(rel.ID)
	}

	steps := []func(string) error{
		r.store.RemoveAliases,
		r.store.RemoveMentions,
		r.store.RemoveMetadata,
		r.store.RemoveEmbedding,
		r.store.RemoveEntity,
	}
	for _, step := range steps {
		if err := step(id); err != nil {
			return false, r.fail("delete_entity", err)
		}
	}
	r.cache.Remove(id)
	r.touch(TopicEntities)
	if len(rels) > 0 {
		r.syncRelationshipCount()
		r.touch(TopicRelationships)
	}

	r.ok("delete_entity")
	r.logger.Debug("entity deleted", "id", id, "label", e.Label, "relationships", len(rels))
	return true, nil
}

// ============================================================================
// Aliases
// ============================================================================

// AddAlias claims alias for entityID. It reports false when the alias
// already belongs to another entity or entityID is unknown.
func (r *Registry) AddAlias(entityID, alias string) (bool, error) {
	r.mu.Lock()
	defer r.unlock()
	if err := r.requireReady(); err != nil {
		return false, err
	}

	added, err := r.addAlias(entityID, alias)
	if err != nil {
		return false, r.fail("add_alias", err)
	}
	if added {
		if _, err := r.refresh(entityID); err != nil {
			return false, r.fail("add_alias", err)
		}
		r.ok("add_alias")
	}
	return added, nil
}

// addAlias stores the alias without refreshing the cache.
func (r *Registry) addAlias(entityID, alias string) (bool, error) {
	alias = strings.TrimSpace(alias)
	norm := store.Normalize(alias)
	if norm == "" {
		return false, nil
	}
	e, err := r.store.GetEntity(entityID)
	if err != nil {
		return false, err
	}
	if e == nil {
		r.conflict("add_alias", "alias target missing", "entity", entityID)
		return false, nil
	}
	if norm == e.NormalizedLabel {
		return false, nil
	}

	owner, err := r.owner(norm)
	if err != nil {
		return false, err
	}
	switch owner {
	case entityID:
		return true, nil
	case "":
	default:
		r.conflict("add_alias", "alias already claimed", "alias", alias, "owner", owner, "entity", entityID)
		return false, nil
	}

	if err := r.store.PutAlias(entityID, alias); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveAlias releases alias from entityID. It reports false when entityID
// does not own it.
func (r *Registry) RemoveAlias(entityID, alias string) (bool, error) {
	norm := store.Normalize(alias)

	r.mu.Lock()
	defer r.unlock()
	if err := r.requireReady(); err != nil {
		return false, err
	}

	owner, err := r.store.AliasOwner(norm)
	if err != nil {
		return false, r.fail("remove_alias", err)
	}
	if owner != entityID {
		return false, nil
	}
	if err := r.store.RemoveAlias(entityID, alias); err != nil {
		return false, r.fail("remove_alias", err)
	}
	if _, err := r.refresh(entityID); err != nil {
		return false, r.fail("remove_alias", err)
	}
	r.ok("remove_alias")
	return true, nil
}

// ============================================================================
// Mentions & metadata
// ============================================================================

// RecordMention counts one more mention of entityID in noteID.
func (r *Registry) RecordMention(entityID, noteID string) error {
	r.mu.Lock()
	defer r.unlock()
	if err := r.requireReady(); err != nil {
		return err
	}

	e, err := r.store.GetEntity(entityID)
	if err != nil {
		return r.fail("record_mention", err)
	}
	if e == nil {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	if err := r.bumpMention(entityID, noteID, 1); err != nil {
		return r.fail("record_mention", err)
	}
	if _, err := r.refresh(entityID); err != nil {
		return r.fail("record_mention", err)
	}
	r.ok("record_mention")
	return nil
}

func (r *Registry) bumpMention(entityID, noteID string, by int) error {
	mentions, err := r.store.GetMentions(entityID)
	if err != nil {
		return err
	}
	m := &store.Mention{EntityID: entityID, NoteID: noteID}
	for _, existing := range mentions {
		if existing.NoteID == noteID {
			m = existing
			break
		}
	}
	m.Count += by
	m.LastSeenAt = r.nowMillis()
	return r.store.PutMention(m)
}

// GetMentions lists the per-note mention counts of entityID.
func (r *Registry) GetMentions(entityID string) []*store.Mention {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return nil
	}

	mentions, err := r.store.GetMentions(entityID)
	if err != nil {
		r.readFailed("get_mentions", err)
		return nil
	}
	return mentions
}

// SetMetadata stores value as JSON under key for entityID.
func (r *Registry) SetMetadata(entityID, key string, value any) error {
	r.mu.Lock()
	defer r.unlock()
	if err := r.requireReady(); err != nil {
		return err
	}

	e, err := r.store.GetEntity(entityID)
	if err != nil {
		return r.fail("set_metadata", err)
	}
	if e == nil {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	if err := r.setMetadata(entityID, key, value); err != nil {
		return r.fail("set_metadata", err)
	}
	r.touch(TopicEntities)
	r.ok("set_metadata")
	return nil
}

func (r *Registry) setMetadata(entityID, key string, value any) error {
	raw, ok := value.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(value); err != nil {
			return fmt.Errorf("encode metadata %q: %w", key, err)
		}
	}
	return r.store.PutMetadata(entityID, key, raw)
}

// GetMetadata returns the metadata map of entityID.
func (r *Registry) GetMetadata(entityID string) map[string]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return nil
	}

	md, err := r.store.GetMetadata(entityID)
	if err != nil {
		r.readFailed("get_metadata", err)
		return nil
	}
	return md
}
