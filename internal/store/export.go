package store

import (
	"encoding/json"
	"fmt"
)

// Durable relation names.
const (
	RelEntities               = "entities"
	RelEntityAliases          = "entity_aliases"
	RelEntityMentions         = "entity_mentions"
	RelEntityMetadata         = "entity_metadata"
	RelRelationships          = "relationships"
	RelRelationshipProvenance = "relationship_provenance"
	RelRelationshipAttributes = "relationship_attributes"
	RelEntityEmbeddings       = "entity_embeddings"
)

// AllRelations lists every durable relation in dependency order.
var AllRelations = []string{
	RelEntities,
	RelEntityAliases,
	RelEntityMentions,
	RelEntityMetadata,
	RelRelationships,
	RelRelationshipProvenance,
	RelRelationshipAttributes,
	RelEntityEmbeddings,
}

// Dump is the export format of the backing store. Relations names the
// relations it carries; Import clears exactly those before re-inserting.
type Dump struct {
	Relations     []string        `json:"relations"`
	Entities      []*Entity       `json:"entities,omitempty"`
	Aliases       []Alias         `json:"aliases,omitempty"`
	Mentions      []Mention       `json:"mentions,omitempty"`
	Metadata      []MetadataEntry `json:"metadata,omitempty"`
	Relationships []*Relationship `json:"relationships,omitempty"`
	Provenance    []Provenance    `json:"provenance,omitempty"`
	Attributes    []Attribute     `json:"attributes,omitempty"`
	Embeddings    []Embedding     `json:"embeddings,omitempty"`
}

// Has reports whether the dump carries relation.
func (d *Dump) Has(relation string) bool {
	for _, r := range d.Relations {
		if r == relation {
			return true
		}
	}
	return false
}

// Counts returns the number of rows per carried relation.
func (d *Dump) Counts() map[string]int {
	counts := make(map[string]int, len(d.Relations))
	for _, r := range d.Relations {
		switch r {
		case RelEntities:
			counts[r] = len(d.Entities)
		case RelEntityAliases:
			counts[r] = len(d.Aliases)
		case RelEntityMentions:
			counts[r] = len(d.Mentions)
		case RelEntityMetadata:
			counts[r] = len(d.Metadata)
		case RelRelationships:
			counts[r] = len(d.Relationships)
		case RelRelationshipProvenance:
			counts[r] = len(d.Provenance)
		case RelRelationshipAttributes:
			counts[r] = len(d.Attributes)
		case RelEntityEmbeddings:
			counts[r] = len(d.Embeddings)
		}
	}
	return counts
}

// DecodeDump parses an exported dump and rejects unknown relation names.
func DecodeDump(data []byte) (*Dump, error) {
	var d Dump
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode dump: %w", err)
	}
	for _, r := range d.Relations {
		if !knownRelation(r) {
			return nil, fmt.Errorf("failed to decode dump: unknown relation %q", r)
		}
	}
	d.prune()
	return &d, nil
}

// prune drops rows of relations the dump does not name.
func (d *Dump) prune() {
	if !d.Has(RelEntities) {
		d.Entities = nil
	}
	if !d.Has(RelEntityAliases) {
		d.Aliases = nil
	}
	if !d.Has(RelEntityMentions) {
		d.Mentions = nil
	}
	if !d.Has(RelEntityMetadata) {
		d.Metadata = nil
	}
	if !d.Has(RelRelationships) {
		d.Relationships = nil
	}
	if !d.Has(RelRelationshipProvenance) {
		d.Provenance = nil
	}
	if !d.Has(RelRelationshipAttributes) {
		d.Attributes = nil
	}
	if !d.Has(RelEntityEmbeddings) {
		d.Embeddings = nil
	}
}

func knownRelation(name string) bool {
	for _, r := range AllRelations {
		if r == name {
			return true
		}
	}
	return false
}

func relationsOrAll(relations []string) ([]string, error) {
	if len(relations) == 0 {
		return AllRelations, nil
	}
	for _, r := range relations {
		if !knownRelation(r) {
			return nil, fmt.Errorf("unknown relation %q", r)
		}
	}
	return relations, nil
}
