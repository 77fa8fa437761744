package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Store Factory for Testing Both Implementations
// =============================================================================

// storeFactory creates a store for testing.
// We test both MemStore and SQLiteStore with the same test suite.
type storeFactory func() (Storer, error)

func memStoreFactory() (Storer, error) {
	return NewMemStore(), nil
}

func sqliteStoreFactory() (Storer, error) {
	return NewSQLiteStore()
}

var factories = map[string]storeFactory{
	"MemStore":    memStoreFactory,
	"SQLiteStore": sqliteStoreFactory,
}

// runTestsForAllStores runs a test function against both store implementations.
func runTestsForAllStores(t *testing.T, testName string, testFn func(t *testing.T, store Storer)) {
	for name, factory := range factories {
		t.Run(name+"/"+testName, func(t *testing.T) {
			store, err := factory()
			require.NoError(t, err, "Failed to create store")
			defer store.Close()
			testFn(t, store)
		})
	}
}

func newEntity(id, label string, kind Kind) *Entity {
	now := time.Now().UnixMilli()
	return &Entity{
		ID:        id,
		Label:     label,
		Kind:      kind,
		FirstNote: "note-1",
		CreatedBy: CreatedByUser,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newRelationship(id, source, target, relType string, createdAt int64) *Relationship {
	return &Relationship{
		ID:        id,
		SourceID:  source,
		TargetID:  target,
		Type:      relType,
		Weight:    1.0,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

// =============================================================================
// Store Initialization Tests
// =============================================================================

func TestStoreCreation(t *testing.T) {
	runTestsForAllStores(t, "Creation", func(t *testing.T, store Storer) {
		require.NotNil(t, store, "Store should not be nil")
		require.NoError(t, store.EnsureSchema())
		require.NoError(t, store.EnsureSchema(), "schema creation is idempotent")
	})
}

// =============================================================================
// Entity CRUD Tests
// =============================================================================

func TestEntityPutAndGet(t *testing.T) {
	runTestsForAllStores(t, "PutAndGet", func(t *testing.T, store Storer) {
		e := newEntity("ent-1", "  Jon Snow ", KindCharacter)
		e.Subtype = "Protagonist"
		e.NarrativeID = "narrative-1"
		e.NormalizedLabel = "ignored"

		require.NoError(t, store.PutEntity(e))

		got, err := store.GetEntity("ent-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "  Jon Snow ", got.Label)
		assert.Equal(t, "jon snow", got.NormalizedLabel)
		assert.Equal(t, KindCharacter, got.Kind)
		assert.Equal(t, "Protagonist", got.Subtype)
		assert.Equal(t, "narrative-1", got.NarrativeID)
		assert.Equal(t, CreatedByUser, got.CreatedBy)
		assert.Empty(t, got.Aliases)
		assert.Equal(t, 0, got.TotalMentions)

		// Update
		e.Label = "Jon"
		require.NoError(t, store.PutEntity(e))
		got, err = store.GetEntity("ent-1")
		require.NoError(t, err)
		assert.Equal(t, "jon", got.NormalizedLabel)

		n, err := store.CountEntities()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestEntityGetNotFound(t *testing.T) {
	runTestsForAllStores(t, "GetNotFound", func(t *testing.T, store Storer) {
		got, err := store.GetEntity("missing")
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = store.GetEntityByLabel("missing")
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = store.GetEntityByAlias("missing")
		require.NoError(t, err)
		assert.Nil(t, got)

		rel, err := store.GetRelationship("missing")
		require.NoError(t, err)
		assert.Nil(t, rel)
	})
}

func TestEntityGetByLabel(t *testing.T) {
	runTestsForAllStores(t, "GetByLabel", func(t *testing.T, store Storer) {
		require.NoError(t, store.PutEntity(newEntity("ent-1", "Winterfell", KindLocation)))

		got, err := store.GetEntityByLabel("WINTERFELL ")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "ent-1", got.ID)
	})
}

func TestEntityRemove(t *testing.T) {
	runTestsForAllStores(t, "Remove", func(t *testing.T, store Storer) {
		require.NoError(t, store.PutEntity(newEntity("ent-1", "Ghost", KindCharacter)))
		require.NoError(t, store.RemoveEntity("ent-1"))

		got, err := store.GetEntity("ent-1")
		require.NoError(t, err)
		assert.Nil(t, got)

		// removing again is a no-op
		require.NoError(t, store.RemoveEntity("ent-1"))
	})
}

func TestEntityListAndCountByKind(t *testing.T) {
	runTestsForAllStores(t, "ListAndCountByKind", func(t *testing.T, store Storer) {
		a := newEntity("ent-a", "Arya", KindCharacter)
		a.NarrativeID = "n1"
		require.NoError(t, store.PutEntity(a))
		require.NoError(t, store.PutEntity(newEntity("ent-b", "Bran", KindCharacter)))
		require.NoError(t, store.PutEntity(newEntity("ent-c", "Castle Black", KindLocation)))

		all, err := store.ListEntities(EntityFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "ent-a", all[0].ID)
		assert.Equal(t, "ent-c", all[2].ID)

		chars, err := store.ListEntities(EntityFilter{Kind: KindCharacter})
		require.NoError(t, err)
		assert.Len(t, chars, 2)

		scoped, err := store.ListEntities(EntityFilter{NarrativeID: "n1"})
		require.NoError(t, err)
		require.Len(t, scoped, 1)
		assert.Equal(t, "ent-a", scoped[0].ID)

		counts, err := store.CountEntitiesByKind()
		require.NoError(t, err)
		assert.Equal(t, 2, counts[KindCharacter])
		assert.Equal(t, 1, counts[KindLocation])
	})
}

func TestEntitySearch(t *testing.T) {
	runTestsForAllStores(t, "Search", func(t *testing.T, store Storer) {
		require.NoError(t, store.PutEntity(newEntity("ent-1", "Jon Snow", KindCharacter)))
		require.NoError(t, store.PutEntity(newEntity("ent-2", "Sansa Stark", KindCharacter)))
		require.NoError(t, store.PutEntity(newEntity("ent-3", "Snowfield", KindLocation)))
		require.NoError(t, store.PutAlias("ent-2", "Lady of Winterfell"))

		hits, err := store.SearchEntities("snow", 0)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "ent-1", hits[0].ID)
		assert.Equal(t, "ent-3", hits[1].ID)

		hits, err = store.SearchEntities("WINTER", 10)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "ent-2", hits[0].ID)

		hits, err = store.SearchEntities("s", 1)
		require.NoError(t, err)
		assert.Len(t, hits, 1)
	})
}

// =============================================================================
// Alias Tests
// =============================================================================

func TestAliases(t *testing.T) {
	runTestsForAllStores(t, "Aliases", func(t *testing.T, store Storer) {
		require.NoError(t, store.PutEntity(newEntity("ent-1", "Jon Snow", KindCharacter)))
		require.NoError(t, store.PutAlias("ent-1", "Lord Snow"))
		require.NoError(t, store.PutAlias("ent-1", "King in the North"))

		got, err := store.GetEntity("ent-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"King in the North", "Lord Snow"}, got.Aliases)

		owner, err := store.AliasOwner("lord snow")
		require.NoError(t, err)
		assert.Equal(t, "ent-1", owner)

		byAlias, err := store.GetEntityByAlias("LORD SNOW")
		require.NoError(t, err)
		require.NotNil(t, byAlias)
		assert.Equal(t, "ent-1", byAlias.ID)

		// only the owner can remove an alias
		require.NoError(t, store.RemoveAlias("ent-2", "Lord Snow"))
		owner, err = store.AliasOwner("lord snow")
		require.NoError(t, err)
		assert.Equal(t, "ent-1", owner)

		require.NoError(t, store.RemoveAlias("ent-1", "lord snow"))
		owner, err = store.AliasOwner("lord snow")
		require.NoError(t, err)
		assert.Equal(t, "", owner)

		require.NoError(t, store.RemoveAliases("ent-1"))
		got, err = store.GetEntity("ent-1")
		require.NoError(t, err)
		assert.Empty(t, got.Aliases)
	})
}

func TestAliasSingleOwner(t *testing.T) {
	runTestsForAllStores(t, "AliasSingleOwner", func(t *testing.T, store Storer) {
		require.NoError(t, store.PutAlias("ent-1", "The Hound"))
		require.NoError(t, store.PutAlias("ent-2", "the hound"))

		owner, err := store.AliasOwner("the hound")
		require.NoError(t, err)
		assert.Equal(t, "ent-2", owner)
	})
}

// =============================================================================
// Mention / Metadata Tests
// =============================================================================

func TestMentions(t *testing.T) {
	runTestsForAllStores(t, "Mentions", func(t *testing.T, store Storer) {
		require.NoError(t, store.PutEntity(newEntity("ent-1", "Tyrion", KindCharacter)))
		require.NoError(t, store.PutMention(&Mention{EntityID: "ent-1", NoteID: "note-1", Count: 1, LastSeenAt: 1}))
		require.NoError(t, store.PutMention(&Mention{EntityID: "ent-1", NoteID: "note-1", Count: 3, LastSeenAt: 2}))
		require.NoError(t, store.PutMention(&Mention{EntityID: "ent-1", NoteID: "note-2", Count: 2, LastSeenAt: 3}))

		mentions, err := store.GetMentions("ent-1")
		require.NoError(t, err)
		require.Len(t, mentions, 2)
		assert.Equal(t, "note-1", mentions[0].NoteID)
		assert.Equal(t, 3, mentions[0].Count)
		assert.Equal(t, int64(2), mentions[0].LastSeenAt)

		got, err := store.GetEntity("ent-1")
		require.NoError(t, err)
		assert.Equal(t, 5, got.TotalMentions)

		require.NoError(t, store.RemoveNoteMentions("note-1"))
		got, err = store.GetEntity("ent-1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.TotalMentions)

		require.NoError(t, store.RemoveMentions("ent-1"))
		mentions, err = store.GetMentions("ent-1")
		require.NoError(t, err)
		assert.Empty(t, mentions)
	})
}

func TestMetadata(t *testing.T) {
	runTestsForAllStores(t, "Metadata", func(t *testing.T, store Storer) {
		require.NoError(t, store.PutMetadata("ent-1", "house", json.RawMessage(`"Stark"`)))
		require.NoError(t, store.PutMetadata("ent-1", "age", json.RawMessage(`17`)))
		require.NoError(t, store.PutMetadata("ent-1", "age", json.RawMessage(`18`)))

		meta, err := store.GetMetadata("ent-1")
		require.NoError(t, err)
		assert.JSONEq(t, `"Stark"`, string(meta["house"]))
		assert.JSONEq(t, `18`, string(meta["age"]))

		require.NoError(t, store.RemoveMetadata("ent-1"))
		meta, err = store.GetMetadata("ent-1")
		require.NoError(t, err)
		assert.Empty(t, meta)
	})
}

// =============================================================================
// Relationship Tests
// =============================================================================

func TestRelationshipPutAndGet(t *testing.T) {
	runTestsForAllStores(t, "RelationshipPutAndGet", func(t *testing.T, store Storer) {
		rel := newRelationship("rel-1", "ent-a", "ent-b", "ALLY_OF", 100)
		rel.Confidence = 0.6
		rel.Provenance = []Provenance{{ID: "ignored"}}
		require.NoError(t, store.PutRelationship(rel))

		require.NoError(t, store.InsertProvenance(&Provenance{
			ID: "p-2", RelationshipID: "rel-1", Source: "llm", OriginID: "note-2", Confidence: 0.9, Timestamp: 20,
		}))
		require.NoError(t, store.InsertProvenance(&Provenance{
			ID: "p-1", RelationshipID: "rel-1", Source: "user", OriginID: "note-1", Confidence: 0.6, Timestamp: 10,
		}))
		// replayed insert is a no-op
		require.NoError(t, store.InsertProvenance(&Provenance{
			ID: "p-1", RelationshipID: "rel-1", Source: "user", OriginID: "note-1", Confidence: 0.6, Timestamp: 10,
		}))
		require.NoError(t, store.PutAttribute("rel-1", "bidirectional", json.RawMessage(`true`)))

		got, err := store.GetRelationship("rel-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "ALLY_OF", got.Type)
		assert.InDelta(t, 0.6, got.Confidence, 1e-9)
		assert.InDelta(t, 1.0, got.Weight, 1e-9)
		require.Len(t, got.Provenance, 2)
		assert.Equal(t, "p-1", got.Provenance[0].ID)
		assert.Equal(t, "p-2", got.Provenance[1].ID)
		assert.JSONEq(t, `true`, string(got.Attributes["bidirectional"]))

		found, err := store.FindRelationship("ent-a", "ent-b", "ALLY_OF")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "rel-1", found.ID)

		missing, err := store.FindRelationship("ent-b", "ent-a", "ALLY_OF")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestRelationshipList(t *testing.T) {
	runTestsForAllStores(t, "RelationshipList", func(t *testing.T, store Storer) {
		require.NoError(t, store.PutRelationship(newRelationship("rel-2", "b", "c", "KNOWS", 200)))
		require.NoError(t, store.PutRelationship(newRelationship("rel-1", "a", "b", "KNOWS", 100)))
		require.NoError(t, store.PutRelationship(newRelationship("rel-3", "c", "d", "KNOWS", 300)))

		forB, err := store.ListRelationshipsForEntity("b")
		require.NoError(t, err)
		require.Len(t, forB, 2)
		assert.Equal(t, "rel-1", forB[0].ID)
		assert.Equal(t, "rel-2", forB[1].ID)

		all, err := store.ListRelationships()
		require.NoError(t, err)
		assert.Len(t, all, 3)

		n, err := store.CountRelationships()
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func TestRelationshipRemoveCascades(t *testing.T) {
	runTestsForAllStores(t, "RelationshipRemove", func(t *testing.T, store Storer) {
		require.NoError(t, store.PutRelationship(newRelationship("rel-1", "a", "b", "KNOWS", 1)))
		require.NoError(t, store.InsertProvenance(&Provenance{ID: "p-1", RelationshipID: "rel-1", Source: "user", Confidence: 1}))
		require.NoError(t, store.PutAttribute("rel-1", "k", json.RawMessage(`1`)))
		require.NoError(t, store.RemoveRelationship("rel-1"))

		// recreate with the same id: no stale provenance or attributes
		require.NoError(t, store.PutRelationship(newRelationship("rel-1", "a", "b", "KNOWS", 1)))
		got, err := store.GetRelationship("rel-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Empty(t, got.Provenance)
		assert.Empty(t, got.Attributes)
	})
}

func TestRemoveOriginProvenance(t *testing.T) {
	runTestsForAllStores(t, "RemoveOriginProvenance", func(t *testing.T, store Storer) {
		require.NoError(t, store.PutRelationship(newRelationship("rel-1", "a", "b", "KNOWS", 1)))
		require.NoError(t, store.InsertProvenance(&Provenance{ID: "p-1", RelationshipID: "rel-1", OriginID: "note-1", Confidence: 0.5}))
		require.NoError(t, store.InsertProvenance(&Provenance{ID: "p-2", RelationshipID: "rel-1", OriginID: "note-2", Confidence: 0.7}))

		require.NoError(t, store.RemoveOriginProvenance("note-1"))

		got, err := store.GetRelationship("rel-1")
		require.NoError(t, err)
		require.Len(t, got.Provenance, 1)
		assert.Equal(t, "p-2", got.Provenance[0].ID)
	})
}

func TestInsertProvenanceRequiresIDs(t *testing.T) {
	runTestsForAllStores(t, "InsertProvenanceRequiresIDs", func(t *testing.T, store Storer) {
		assert.Error(t, store.InsertProvenance(&Provenance{RelationshipID: "rel-1"}))
		assert.Error(t, store.InsertProvenance(&Provenance{ID: "p-1"}))
	})
}

// =============================================================================
// Vector Tests
// =============================================================================

func TestEmbeddings(t *testing.T) {
	runTestsForAllStores(t, "Embeddings", func(t *testing.T, store Storer) {
		require.NoError(t, store.PutEmbedding("ent-1", []float32{1, 0, 0}))
		require.NoError(t, store.PutEmbedding("ent-2", []float32{0.9, 0.1, 0}))
		require.NoError(t, store.PutEmbedding("ent-3", []float32{0, 0, 1}))

		hits, err := store.SearchEmbeddings([]float32{1, 0, 0}, 2)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "ent-1", hits[0].EntityID)
		assert.InDelta(t, 0.0, hits[0].Distance, 1e-4)
		assert.Equal(t, "ent-2", hits[1].EntityID)

		require.NoError(t, store.RemoveEmbedding("ent-1"))
		hits, err = store.SearchEmbeddings([]float32{1, 0, 0}, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "ent-2", hits[0].EntityID)
	})
}

// =============================================================================
// Export / Import Tests
// =============================================================================

func seedGraph(t *testing.T, store Storer) {
	t.Helper()
	require.NoError(t, store.PutEntity(newEntity("ent-1", "Jon Snow", KindCharacter)))
	require.NoError(t, store.PutEntity(newEntity("ent-2", "Winterfell", KindLocation)))
	require.NoError(t, store.PutAlias("ent-1", "Lord Snow"))
	require.NoError(t, store.PutMention(&Mention{EntityID: "ent-1", NoteID: "note-1", Count: 4, LastSeenAt: 1}))
	require.NoError(t, store.PutMetadata("ent-1", "house", json.RawMessage(`"Stark"`)))
	require.NoError(t, store.PutRelationship(newRelationship("rel-1", "ent-1", "ent-2", "LIVES_IN", 1)))
	require.NoError(t, store.InsertProvenance(&Provenance{ID: "p-1", RelationshipID: "rel-1", Source: "user", OriginID: "note-1", Confidence: 0.8, Timestamp: 1}))
	require.NoError(t, store.PutAttribute("rel-1", "bidirectional", json.RawMessage(`false`)))
	require.NoError(t, store.PutEmbedding("ent-1", []float32{1, 2, 3}))
}

func TestExportImport(t *testing.T) {
	for srcName, srcFactory := range factories {
		for dstName, dstFactory := range factories {
			t.Run(srcName+"->"+dstName, func(t *testing.T) {
				src, err := srcFactory()
				require.NoError(t, err)
				defer src.Close()
				seedGraph(t, src)

				data, err := src.Export(nil)
				require.NoError(t, err)

				dump, err := DecodeDump(data)
				require.NoError(t, err)
				assert.Equal(t, AllRelations, dump.Relations)
				counts := dump.Counts()
				assert.Equal(t, 2, counts[RelEntities])
				assert.Equal(t, 1, counts[RelRelationshipProvenance])
				assert.Equal(t, 1, counts[RelEntityEmbeddings])

				dst, err := dstFactory()
				require.NoError(t, err)
				defer dst.Close()
				// stale rows are cleared by the import
				require.NoError(t, dst.PutEntity(newEntity("stale", "Stale", KindItem)))
				require.NoError(t, dst.Import(data))

				n, err := dst.CountEntities()
				require.NoError(t, err)
				assert.Equal(t, 2, n)

				jon, err := dst.GetEntity("ent-1")
				require.NoError(t, err)
				require.NotNil(t, jon)
				assert.Equal(t, []string{"Lord Snow"}, jon.Aliases)
				assert.Equal(t, 4, jon.TotalMentions)

				meta, err := dst.GetMetadata("ent-1")
				require.NoError(t, err)
				assert.JSONEq(t, `"Stark"`, string(meta["house"]))

				rel, err := dst.GetRelationship("rel-1")
				require.NoError(t, err)
				require.NotNil(t, rel)
				require.Len(t, rel.Provenance, 1)
				assert.JSONEq(t, `false`, string(rel.Attributes["bidirectional"]))

				hits, err := dst.SearchEmbeddings([]float32{1, 2, 3}, 1)
				require.NoError(t, err)
				require.Len(t, hits, 1)
				assert.Equal(t, "ent-1", hits[0].EntityID)

				again, err := dst.Export(nil)
				require.NoError(t, err)
				assert.JSONEq(t, string(data), string(again))
			})
		}
	}
}

func TestExportSubset(t *testing.T) {
	runTestsForAllStores(t, "ExportSubset", func(t *testing.T, store Storer) {
		seedGraph(t, store)

		data, err := store.Export([]string{RelEntities})
		require.NoError(t, err)

		dump, err := DecodeDump(data)
		require.NoError(t, err)
		assert.Len(t, dump.Entities, 2)
		assert.Empty(t, dump.Relationships)

		// importing a subset leaves the other relations untouched
		require.NoError(t, store.PutEntity(newEntity("ent-3", "Ghost", KindCharacter)))
		require.NoError(t, store.Import(data))
		n, err := store.CountEntities()
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = store.CountRelationships()
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = store.Export([]string{"notes"})
		assert.Error(t, err)
	})
}

func TestImportRejectsUnknownRelation(t *testing.T) {
	runTestsForAllStores(t, "ImportUnknownRelation", func(t *testing.T, store Storer) {
		assert.Error(t, store.Import([]byte(`{"relations":["notes"]}`)))
		assert.Error(t, store.Import([]byte(`not json`)))
	})
}

// =============================================================================
// Model Tests
// =============================================================================

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" character ")
	require.NoError(t, err)
	assert.Equal(t, KindCharacter, k)

	for _, kind := range Kinds {
		parsed, err := ParseKind(string(kind))
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	_, err = ParseKind("DRAGON")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "jon snow", Normalize("  Jon SNOW\t"))
	// decomposed e + combining acute composes to a single rune
	assert.Equal(t, "caf\u00e9", Normalize("Cafe\u0301"))
}

func TestStorerInterface(t *testing.T) {
	var _ Storer = NewMemStore()

	sqlStore, err := NewSQLiteStore()
	require.NoError(t, err)
	defer sqlStore.Close()
	var _ Storer = sqlStore
}
