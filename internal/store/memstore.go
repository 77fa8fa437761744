package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kittclouds/kittgraph/pkg/vector"
)

// MemStore is an in-memory implementation of Storer.
// It backs tests and the "memory" engine driver.
type MemStore struct {
	mu            sync.RWMutex
	entities      map[string]*Entity
	aliases       map[string]Alias // normalized alias -> row
	mentions      map[string]map[string]*Mention
	metadata      map[string]map[string]json.RawMessage
	relationships map[string]*Relationship
	provenance    map[string]*Provenance
	attributes    map[string]map[string]json.RawMessage
	embeddings    map[string][]float32
	vectors       *vector.Store
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	s := &MemStore{}
	s.clear(AllRelations)
	return s
}

// EnsureSchema is a no-op for MemStore.
func (s *MemStore) EnsureSchema() error {
	return nil
}

// Close is a no-op for MemStore.
func (s *MemStore) Close() error {
	return nil
}

func (s *MemStore) clear(relations []string) {
	for _, r := range relations {
		switch r {
		case RelEntities:
			s.entities = make(map[string]*Entity)
		case RelEntityAliases:
			s.aliases = make(map[string]Alias)
		case RelEntityMentions:
			s.mentions = make(map[string]map[string]*Mention)
		case RelEntityMetadata:
			s.metadata = make(map[string]map[string]json.RawMessage)
		case RelRelationships:
			s.relationships = make(map[string]*Relationship)
		case RelRelationshipProvenance:
			s.provenance = make(map[string]*Provenance)
		case RelRelationshipAttributes:
			s.attributes = make(map[string]map[string]json.RawMessage)
		case RelEntityEmbeddings:
			s.embeddings = make(map[string][]float32)
			s.vectors = vector.New(nil, "")
		}
	}
}

// =============================================================================
// Entity CRUD
// =============================================================================

func (s *MemStore) PutEntity(entity *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putEntity(entity)
	return nil
}

func (s *MemStore) putEntity(entity *Entity) {
	row := entity.Clone()
	row.NormalizedLabel = Normalize(row.Label)
	row.Aliases = nil
	row.TotalMentions = 0
	s.entities[row.ID] = row
}

func (s *MemStore) GetEntity(id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entities[id]; ok {
		return s.hydrate(e), nil
	}
	return nil, nil
}

func (s *MemStore) GetEntityByLabel(normalized string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	normalized = Normalize(normalized)
	var found *Entity
	for _, e := range s.entities {
		if e.NormalizedLabel != normalized {
			continue
		}
		if found == nil || e.CreatedAt < found.CreatedAt ||
			(e.CreatedAt == found.CreatedAt && e.ID < found.ID) {
			found = e
		}
	}
	if found == nil {
		return nil, nil
	}
	return s.hydrate(found), nil
}

func (s *MemStore) GetEntityByAlias(normalized string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.aliases[Normalize(normalized)]
	if !ok {
		return nil, nil
	}
	if e, ok := s.entities[a.EntityID]; ok {
		return s.hydrate(e), nil
	}
	return nil, nil
}

func (s *MemStore) ListEntities(filter EntityFilter) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Entity
	for _, e := range s.entities {
		if filter.match(e) {
			result = append(result, s.hydrate(e))
		}
	}
	sortEntities(result)
	return result, nil
}

func (s *MemStore) SearchEntities(substring string, limit int) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := Normalize(substring)
	matched := make(map[string]bool)
	for _, e := range s.entities {
		if strings.Contains(e.NormalizedLabel, needle) {
			matched[e.ID] = true
		}
	}
	for norm, a := range s.aliases {
		if strings.Contains(norm, needle) {
			if _, ok := s.entities[a.EntityID]; ok {
				matched[a.EntityID] = true
			}
		}
	}

	result := make([]*Entity, 0, len(matched))
	for id := range matched {
		result = append(result, s.hydrate(s.entities[id]))
	}
	sortEntities(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemStore) RemoveEntity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, id)
	return nil
}

func (s *MemStore) CountEntities() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities), nil
}

func (s *MemStore) CountEntitiesByKind() (map[Kind]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Kind]int)
	for _, e := range s.entities {
		counts[e.Kind]++
	}
	return counts, nil
}

// hydrate copies e and fills its aliases and mention total.
func (s *MemStore) hydrate(e *Entity) *Entity {
	c := e.Clone()
	var rows []Alias
	for _, a := range s.aliases {
		if a.EntityID == e.ID {
			rows = append(rows, a)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Normalized < rows[j].Normalized })
	c.Aliases = make([]string, len(rows))
	for i, a := range rows {
		c.Aliases[i] = a.Alias
	}
	c.TotalMentions = 0
	for _, m := range s.mentions[e.ID] {
		c.TotalMentions += m.Count
	}
	return c
}

// =============================================================================
// Aliases
// =============================================================================

func (s *MemStore) PutAlias(entityID, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putAlias(Alias{EntityID: entityID, Alias: alias})
	return nil
}

func (s *MemStore) putAlias(a Alias) {
	a.Alias = strings.TrimSpace(a.Alias)
	a.Normalized = Normalize(a.Alias)
	s.aliases[a.Normalized] = a
}

func (s *MemStore) RemoveAlias(entityID, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	norm := Normalize(alias)
	if a, ok := s.aliases[norm]; ok && a.EntityID == entityID {
		delete(s.aliases, norm)
	}
	return nil
}

func (s *MemStore) RemoveAliases(entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for norm, a := range s.aliases {
		if a.EntityID == entityID {
			delete(s.aliases, norm)
		}
	}
	return nil
}

func (s *MemStore) AliasOwner(normalized string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aliases[Normalize(normalized)].EntityID, nil
}

// =============================================================================
// Mentions
// =============================================================================

func (s *MemStore) PutMention(m *Mention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putMention(*m)
	return nil
}

func (s *MemStore) putMention(m Mention) {
	notes, ok := s.mentions[m.EntityID]
	if !ok {
		notes = make(map[string]*Mention)
		s.mentions[m.EntityID] = notes
	}
	notes[m.NoteID] = &m
}

func (s *MemStore) GetMentions(entityID string) ([]*Mention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Mention
	for _, m := range s.mentions[entityID] {
		c := *m
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NoteID < result[j].NoteID })
	return result, nil
}

func (s *MemStore) RemoveMentions(entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mentions, entityID)
	return nil
}

func (s *MemStore) RemoveNoteMentions(noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for entityID, notes := range s.mentions {
		delete(notes, noteID)
		if len(notes) == 0 {
			delete(s.mentions, entityID)
		}
	}
	return nil
}

// =============================================================================
// Metadata
// =============================================================================

func (s *MemStore) PutMetadata(entityID, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putMetadata(MetadataEntry{EntityID: entityID, Key: key, Value: value})
	return nil
}

func (s *MemStore) putMetadata(m MetadataEntry) {
	keys, ok := s.metadata[m.EntityID]
	if !ok {
		keys = make(map[string]json.RawMessage)
		s.metadata[m.EntityID] = keys
	}
	keys[m.Key] = cloneRaw(m.Value)
}

func (s *MemStore) GetMetadata(entityID string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]json.RawMessage, len(s.metadata[entityID]))
	for k, v := range s.metadata[entityID] {
		result[k] = cloneRaw(v)
	}
	return result, nil
}

func (s *MemStore) RemoveMetadata(entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metadata, entityID)
	return nil
}

// =============================================================================
// Relationships
// =============================================================================

func (s *MemStore) PutRelationship(rel *Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relationships[rel.ID] = rel.Row()
	return nil
}

func (s *MemStore) GetRelationship(id string) (*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.relationships[id]; ok {
		return s.hydrateRel(r), nil
	}
	return nil, nil
}

func (s *MemStore) FindRelationship(sourceID, targetID, relType string) (*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *Relationship
	for _, r := range s.relationships {
		if r.SourceID != sourceID || r.TargetID != targetID || r.Type != relType {
			continue
		}
		if found == nil || relLess(r, found) {
			found = r
		}
	}
	if found == nil {
		return nil, nil
	}
	return s.hydrateRel(found), nil
}

func (s *MemStore) ListRelationshipsForEntity(entityID string) ([]*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Relationship
	for _, r := range s.relationships {
		if r.SourceID == entityID || r.TargetID == entityID {
			result = append(result, s.hydrateRel(r))
		}
	}
	sortRelationships(result)
	return result, nil
}

func (s *MemStore) ListRelationships() ([]*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Relationship, 0, len(s.relationships))
	for _, r := range s.relationships {
		result = append(result, s.hydrateRel(r))
	}
	sortRelationships(result)
	return result, nil
}

func (s *MemStore) RemoveRelationship(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.relationships, id)
	delete(s.attributes, id)
	for pid, p := range s.provenance {
		if p.RelationshipID == id {
			delete(s.provenance, pid)
		}
	}
	return nil
}

func (s *MemStore) CountRelationships() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.relationships), nil
}

func (s *MemStore) InsertProvenance(p *Provenance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" || p.RelationshipID == "" {
		return fmt.Errorf("provenance requires id and relationship id")
	}
	c := *p
	s.provenance[c.ID] = &c
	return nil
}

func (s *MemStore) RemoveOriginProvenance(originID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range s.provenance {
		if p.OriginID == originID {
			delete(s.provenance, id)
		}
	}
	return nil
}

func (s *MemStore) PutAttribute(relID, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putAttribute(Attribute{RelationshipID: relID, Key: key, Value: value})
	return nil
}

func (s *MemStore) putAttribute(a Attribute) {
	keys, ok := s.attributes[a.RelationshipID]
	if !ok {
		keys = make(map[string]json.RawMessage)
		s.attributes[a.RelationshipID] = keys
	}
	keys[a.Key] = cloneRaw(a.Value)
}

func (s *MemStore) hydrateRel(r *Relationship) *Relationship {
	c := r.Row()
	for _, p := range s.provenance {
		if p.RelationshipID == r.ID {
			c.Provenance = append(c.Provenance, *p)
		}
	}
	sortProvenance(c.Provenance)
	if attrs := s.attributes[r.ID]; len(attrs) > 0 {
		c.Attributes = make(map[string]json.RawMessage, len(attrs))
		for k, v := range attrs {
			c.Attributes[k] = cloneRaw(v)
		}
	}
	return c
}

// =============================================================================
// Vectors
// =============================================================================

func (s *MemStore) PutEmbedding(entityID string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putEmbedding(entityID, vec)
}

func (s *MemStore) putEmbedding(entityID string, vec []float32) error {
	if err := s.vectors.Add(entityID, vec); err != nil {
		return err
	}
	v := make([]float32, len(vec))
	copy(v, vec)
	s.embeddings[entityID] = v
	return nil
}

func (s *MemStore) RemoveEmbedding(entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.embeddings, entityID)
	s.vectors.Remove(entityID)
	return nil
}

func (s *MemStore) SearchEmbeddings(vec []float32, k int) ([]VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits, err := s.vectors.Search(vec, k)
	if err != nil {
		return nil, err
	}
	result := make([]VectorHit, len(hits))
	for i, h := range hits {
		result[i] = VectorHit{EntityID: h.ID, Distance: h.Distance}
	}
	return result, nil
}

// =============================================================================
// Export / Import
// =============================================================================

func (s *MemStore) Export(relations []string) ([]byte, error) {
	relations, err := relationsOrAll(relations)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	d := &Dump{Relations: relations}
	for _, r := range relations {
		switch r {
		case RelEntities:
			for _, e := range s.entities {
				d.Entities = append(d.Entities, e.Clone())
			}
			sortEntities(d.Entities)
		case RelEntityAliases:
			for _, a := range s.aliases {
				d.Aliases = append(d.Aliases, a)
			}
			sort.Slice(d.Aliases, func(i, j int) bool { return d.Aliases[i].Normalized < d.Aliases[j].Normalized })
		case RelEntityMentions:
			for _, notes := range s.mentions {
				for _, m := range notes {
					d.Mentions = append(d.Mentions, *m)
				}
			}
			sort.Slice(d.Mentions, func(i, j int) bool {
				if d.Mentions[i].EntityID != d.Mentions[j].EntityID {
					return d.Mentions[i].EntityID < d.Mentions[j].EntityID
				}
				return d.Mentions[i].NoteID < d.Mentions[j].NoteID
			})
		case RelEntityMetadata:
			for id, keys := range s.metadata {
				for k, v := range keys {
					d.Metadata = append(d.Metadata, MetadataEntry{EntityID: id, Key: k, Value: cloneRaw(v)})
				}
			}
			sort.Slice(d.Metadata, func(i, j int) bool {
				if d.Metadata[i].EntityID != d.Metadata[j].EntityID {
					return d.Metadata[i].EntityID < d.Metadata[j].EntityID
				}
				return d.Metadata[i].Key < d.Metadata[j].Key
			})
		case RelRelationships:
			for _, rel := range s.relationships {
				d.Relationships = append(d.Relationships, rel.Row())
			}
			sortRelationships(d.Relationships)
		case RelRelationshipProvenance:
			for _, p := range s.provenance {
				d.Provenance = append(d.Provenance, *p)
			}
			sortProvenance(d.Provenance)
		case RelRelationshipAttributes:
			for id, keys := range s.attributes {
				for k, v := range keys {
					d.Attributes = append(d.Attributes, Attribute{RelationshipID: id, Key: k, Value: cloneRaw(v)})
				}
			}
			sort.Slice(d.Attributes, func(i, j int) bool {
				if d.Attributes[i].RelationshipID != d.Attributes[j].RelationshipID {
					return d.Attributes[i].RelationshipID < d.Attributes[j].RelationshipID
				}
				return d.Attributes[i].Key < d.Attributes[j].Key
			})
		case RelEntityEmbeddings:
			for id, v := range s.embeddings {
				d.Embeddings = append(d.Embeddings, Embedding{EntityID: id, Vector: v})
			}
			sort.Slice(d.Embeddings, func(i, j int) bool { return d.Embeddings[i].EntityID < d.Embeddings[j].EntityID })
		}
	}
	return json.Marshal(d)
}

func (s *MemStore) Import(data []byte) error {
	d, err := DecodeDump(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clear(d.Relations)
	if d.Has(RelEntities) {
		for _, e := range d.Entities {
			s.putEntity(e)
		}
	}
	if d.Has(RelEntityAliases) {
		for _, a := range d.Aliases {
			s.putAlias(a)
		}
	}
	if d.Has(RelEntityMentions) {
		for _, m := range d.Mentions {
			s.putMention(m)
		}
	}
	if d.Has(RelEntityMetadata) {
		for _, m := range d.Metadata {
			s.putMetadata(m)
		}
	}
	if d.Has(RelRelationships) {
		for _, r := range d.Relationships {
			s.relationships[r.ID] = r.Row()
		}
	}
	if d.Has(RelRelationshipProvenance) {
		for i := range d.Provenance {
			p := d.Provenance[i]
			s.provenance[p.ID] = &p
		}
	}
	if d.Has(RelRelationshipAttributes) {
		for _, a := range d.Attributes {
			s.putAttribute(a)
		}
	}
	if d.Has(RelEntityEmbeddings) {
		for _, emb := range d.Embeddings {
			if err := s.putEmbedding(emb.EntityID, emb.Vector); err != nil {
				return fmt.Errorf("failed to import embedding %s: %w", emb.EntityID, err)
			}
		}
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func sortEntities(es []*Entity) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].NormalizedLabel != es[j].NormalizedLabel {
			return es[i].NormalizedLabel < es[j].NormalizedLabel
		}
		return es[i].ID < es[j].ID
	})
}

func relLess(a, b *Relationship) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

func sortRelationships(rs []*Relationship) {
	sort.Slice(rs, func(i, j int) bool { return relLess(rs[i], rs[j]) })
}

func sortProvenance(ps []Provenance) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Timestamp != ps[j].Timestamp {
			return ps[i].Timestamp < ps[j].Timestamp
		}
		return ps[i].ID < ps[j].ID
	})
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	c := make(json.RawMessage, len(v))
	copy(c, v)
	return c
}

var _ Storer = (*MemStore)(nil)
