package persist

import (
	"encoding/json"
	"fmt"

	"github.com/kittclouds/kittgraph/internal/store"
)

// WAL scripts. Every one of them is an idempotent upsert or delete, so
// replaying an entry that is already reflected in a snapshot is harmless.
const (
	OpPutEntity              = "put_entity"
	OpRemoveEntity           = "remove_entity"
	OpPutAlias               = "put_alias"
	OpRemoveAlias            = "remove_alias"
	OpRemoveAliases          = "remove_aliases"
	OpPutMention             = "put_mention"
	OpRemoveMentions         = "remove_mentions"
	OpRemoveNoteMentions     = "remove_note_mentions"
	OpPutMetadata            = "put_metadata"
	OpRemoveMetadata         = "remove_metadata"
	OpPutRelationship        = "put_relationship"
	OpRemoveRelationship     = "remove_relationship"
	OpInsertProvenance       = "insert_provenance"
	OpRemoveOriginProvenance = "remove_origin_provenance"
	OpPutAttribute           = "put_attribute"
	OpPutEmbedding           = "put_embedding"
	OpRemoveEmbedding        = "remove_embedding"
)

type idParams struct {
	ID string `json:"id"`
}

type aliasParams struct {
	EntityID string `json:"entityId"`
	Alias    string `json:"alias"`
}

type keyValueParams struct {
	OwnerID string          `json:"ownerId"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
}

type embeddingParams struct {
	EntityID string    `json:"entityId"`
	Vector   []float32 `json:"vector"`
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("bad params: %w", err)
	}
	return v, nil
}

// apply replays one entry against s.
func apply(s store.Storer, e Entry) error {
	switch e.Script {
	case OpPutEntity:
		p, err := decode[store.Entity](e.Params)
		if err != nil {
			return err
		}
		return s.PutEntity(&p)

	case OpRemoveEntity:
		p, err := decode[idParams](e.Params)
		if err != nil {
			return err
		}
		return s.RemoveEntity(p.ID)

	case OpPutAlias:
		p, err := decode[aliasParams](e.Params)
		if err != nil {
			return err
		}
		return s.PutAlias(p.EntityID, p.Alias)

	case OpRemoveAlias:
		p, err := decode[aliasParams](e.Params)
		if err != nil {
			return err
		}
		return s.RemoveAlias(p.EntityID, p.Alias)

	case OpRemoveAliases:
		p, err := decode[idParams](e.Params)
		if err != nil {
			return err
		}
		return s.RemoveAliases(p.ID)

	case OpPutMention:
		p, err := decode[store.Mention](e.Params)
		if err != nil {
			return err
		}
		return s.PutMention(&p)

	case OpRemoveMentions:
		p, err := decode[idParams](e.Params)
		if err != nil {
			return err
		}
		return s.RemoveMentions(p.ID)

	case OpRemoveNoteMentions:
		p, err := decode[idParams](e.Params)
		if err != nil {
			return err
		}
		return s.RemoveNoteMentions(p.ID)

	case OpPutMetadata:
		p, err := decode[keyValueParams](e.Params)
		if err != nil {
			return err
		}
		return s.PutMetadata(p.OwnerID, p.Key, p.Value)

	case OpRemoveMetadata:
		p, err := decode[idParams](e.Params)
		if err != nil {
			return err
		}
		return s.RemoveMetadata(p.ID)

	case OpPutRelationship:
		p, err := decode[store.Relationship](e.Params)
		if err != nil {
			return err
		}
		return s.PutRelationship(&p)

	case OpRemoveRelationship:
		p, err := decode[idParams](e.Params)
		if err != nil {
			return err
		}
		return s.RemoveRelationship(p.ID)

	case OpInsertProvenance:
		p, err := decode[store.Provenance](e.Params)
		if err != nil {
			return err
		}
		return s.InsertProvenance(&p)

	case OpRemoveOriginProvenance:
		p, err := decode[idParams](e.Params)
		if err != nil {
			return err
		}
		return s.RemoveOriginProvenance(p.ID)

	case OpPutAttribute:
		p, err := decode[keyValueParams](e.Params)
		if err != nil {
			return err
		}
		return s.PutAttribute(p.OwnerID, p.Key, p.Value)

	case OpPutEmbedding:
		p, err := decode[embeddingParams](e.Params)
		if err != nil {
			return err
		}
		return s.PutEmbedding(p.EntityID, p.Vector)

	case OpRemoveEmbedding:
		p, err := decode[idParams](e.Params)
		if err != nil {
			return err
		}
		return s.RemoveEmbedding(p.ID)
	}
	return fmt.Errorf("unknown script %q", e.Script)
}
