// Package store provides the backing relation store for the kittgraph registry.
// SQLiteStore is the production implementation; MemStore backs tests and the
// in-memory engine driver.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrUnknownKind is returned when a kind string is not one of the closed set.
var ErrUnknownKind = errors.New("store: unknown entity kind")

// Kind is the closed set of entity kinds.
type Kind string

const (
	KindCharacter Kind = "CHARACTER"
	KindLocation  Kind = "LOCATION"
	KindItem      Kind = "ITEM"
	KindFaction   Kind = "FACTION"
	KindEvent     Kind = "EVENT"
	KindConcept   Kind = "CONCEPT"
	KindNPC       Kind = "NPC"
	KindScene     Kind = "SCENE"
)

// Kinds lists every valid kind in declaration order.
var Kinds = []Kind{
	KindCharacter, KindLocation, KindItem, KindFaction,
	KindEvent, KindConcept, KindNPC, KindScene,
}

// ParseKind parses a kind string, ignoring case and surrounding whitespace.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCharacter, KindLocation, KindItem, KindFaction,
		KindEvent, KindConcept, KindNPC, KindScene:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// CreatedBy records which path created an entity.
type CreatedBy string

const (
	CreatedByUser       CreatedBy = "user"
	CreatedByExtraction CreatedBy = "extraction"
	CreatedByAuto       CreatedBy = "auto"
)

// Normalize is the canonical form used by every label and alias index:
// NFC, lower-cased, trimmed.
func Normalize(s string) string {
	return strings.TrimSpace(strings.ToLower(norm.NFC.String(s)))
}

// Entity represents a registered entity.
// Aliases and TotalMentions are hydrated from their own relations on read.
type Entity struct {
	ID              string    `json:"id"`
	Label           string    `json:"label"`
	NormalizedLabel string    `json:"normalizedLabel"`
	Kind            Kind      `json:"kind"`
	Subtype         string    `json:"subtype,omitempty"`
	FirstNote       string    `json:"firstNote"`
	CreatedBy       CreatedBy `json:"createdBy"`
	NarrativeID     string    `json:"narrativeId,omitempty"`
	CreatedAt       int64     `json:"createdAt"`
	UpdatedAt       int64     `json:"updatedAt"`

	Aliases       []string `json:"aliases"`
	TotalMentions int      `json:"totalMentions"`
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	if e.Aliases != nil {
		c.Aliases = make([]string, len(e.Aliases))
		copy(c.Aliases, e.Aliases)
	}
	return &c
}

// Provenance is one attested observation supporting a relationship.
type Provenance struct {
	ID             string  `json:"id"`
	RelationshipID string  `json:"relationshipId,omitempty"`
	Source         string  `json:"source"`
	OriginID       string  `json:"originId"`
	Confidence     float64 `json:"confidence"`
	Timestamp      int64   `json:"timestamp"`
	Context        string  `json:"context,omitempty"`
}

// Relationship is a typed, directed, confidence-scored edge.
// Provenance and Attributes are hydrated from their own relations on read.
type Relationship struct {
	ID          string  `json:"id"`
	SourceID    string  `json:"sourceId"`
	TargetID    string  `json:"targetId"`
	Type        string  `json:"type"`
	Confidence  float64 `json:"confidence"`
	Weight      float64 `json:"weight"`
	NarrativeID string  `json:"narrativeId,omitempty"`
	CreatedAt   int64   `json:"createdAt"`
	UpdatedAt   int64   `json:"updatedAt"`

	Provenance []Provenance               `json:"provenance,omitempty"`
	Attributes map[string]json.RawMessage `json:"attributes,omitempty"`
}

// Clone returns a deep copy.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	c := *r
	if r.Provenance != nil {
		c.Provenance = make([]Provenance, len(r.Provenance))
		copy(c.Provenance, r.Provenance)
	}
	if r.Attributes != nil {
		c.Attributes = make(map[string]json.RawMessage, len(r.Attributes))
		for k, v := range r.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// Row returns a copy without the hydrated provenance and attributes.
func (r *Relationship) Row() *Relationship {
	c := *r
	c.Provenance = nil
	c.Attributes = nil
	return &c
}

// Mention counts how often an entity was seen in one note.
type Mention struct {
	EntityID   string `json:"entityId"`
	NoteID     string `json:"noteId"`
	Count      int    `json:"count"`
	LastSeenAt int64  `json:"lastSeenAt"`
}

// Alias is one row of the alias relation.
type Alias struct {
	EntityID   string `json:"entityId"`
	Alias      string `json:"alias"`
	Normalized string `json:"normalized"`
}

// MetadataEntry is one key of an entity's metadata.
type MetadataEntry struct {
	EntityID string          `json:"entityId"`
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
}

// Attribute is one key of a relationship's attribute map.
type Attribute struct {
	RelationshipID string          `json:"relationshipId"`
	Key            string          `json:"key"`
	Value          json.RawMessage `json:"value"`
}

// Embedding is an entity's vector.
type Embedding struct {
	EntityID string    `json:"entityId"`
	Vector   []float32 `json:"vector"`
}

// VectorHit is one result of an approximate nearest-neighbour search.
type VectorHit struct {
	EntityID string  `json:"entityId"`
	Distance float64 `json:"distance"`
}

// EntityFilter narrows ListEntities. Zero values match everything.
type EntityFilter struct {
	Kind        Kind
	NarrativeID string
}

func (f EntityFilter) match(e *Entity) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.NarrativeID != "" && e.NarrativeID != f.NarrativeID {
		return false
	}
	return true
}

// Storer defines the backing relation store.
// Reads that miss return nil, nil. Every Put/Remove/Insert method is a
// mutation; EnsureSchema is idempotent relation creation.
type Storer interface {
	EnsureSchema() error

	// Entities
	PutEntity(entity *Entity) error
	GetEntity(id string) (*Entity, error)
	GetEntityByLabel(normalized string) (*Entity, error)
	GetEntityByAlias(normalized string) (*Entity, error)
	ListEntities(filter EntityFilter) ([]*Entity, error)
	SearchEntities(substring string, limit int) ([]*Entity, error)
	RemoveEntity(id string) error
	CountEntities() (int, error)
	CountEntitiesByKind() (map[Kind]int, error)

	// Aliases
	PutAlias(entityID, alias string) error
	RemoveAlias(entityID, alias string) error
	RemoveAliases(entityID string) error
	AliasOwner(normalized string) (string, error)

	// Mentions
	PutMention(m *Mention) error
	GetMentions(entityID string) ([]*Mention, error)
	RemoveMentions(entityID string) error
	RemoveNoteMentions(noteID string) error

	// Metadata
	PutMetadata(entityID, key string, value json.RawMessage) error
	GetMetadata(entityID string) (map[string]json.RawMessage, error)
	RemoveMetadata(entityID string) error

	// Relationships
	PutRelationship(rel *Relationship) error
	GetRelationship(id string) (*Relationship, error)
	FindRelationship(sourceID, targetID, relType string) (*Relationship, error)
	ListRelationshipsForEntity(entityID string) ([]*Relationship, error)
	ListRelationships() ([]*Relationship, error)
	RemoveRelationship(id string) error
	CountRelationships() (int, error)
	InsertProvenance(p *Provenance) error
	RemoveOriginProvenance(originID string) error
	PutAttribute(relID, key string, value json.RawMessage) error

	// Vectors
	PutEmbedding(entityID string, vec []float32) error
	RemoveEmbedding(entityID string) error
	SearchEmbeddings(vec []float32, k int) ([]VectorHit, error)

	// Dump
	Export(relations []string) ([]byte, error)
	Import(data []byte) error

	// Lifecycle
	Close() error
}
