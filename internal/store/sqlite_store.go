package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"

	"github.com/kittclouds/kittgraph/pkg/vector"
)

// SQLiteStore is the SQLite-backed relation store.
// Thread-safe; the registry and the background queue may call it concurrently.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB

	// sqlite-vec functions registered with the connection
	vec bool
}

// schema defines every durable relation.
// No foreign keys: referential integrity is managed by the registry.
const schema = `
-- Entities (Registry)
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    label TEXT NOT NULL,
    normalized_label TEXT NOT NULL,
    kind TEXT NOT NULL,
    subtype TEXT NOT NULL DEFAULT '',
    first_note TEXT NOT NULL DEFAULT '',
    created_by TEXT NOT NULL DEFAULT 'user',
    narrative_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_label ON entities(normalized_label);
CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);

-- Aliases: one owner per normalized alias
CREATE TABLE IF NOT EXISTS entity_aliases (
    normalized TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    alias TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_aliases_entity ON entity_aliases(entity_id);

CREATE TABLE IF NOT EXISTS entity_mentions (
    entity_id TEXT NOT NULL,
    note_id TEXT NOT NULL,
    count INTEGER NOT NULL DEFAULT 0,
    last_seen_at INTEGER NOT NULL,
    PRIMARY KEY (entity_id, note_id)
);

CREATE INDEX IF NOT EXISTS idx_mentions_note ON entity_mentions(note_id);

CREATE TABLE IF NOT EXISTS entity_metadata (
    entity_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (entity_id, key)
);

-- Relationships (Graph)
CREATE TABLE IF NOT EXISTS relationships (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    rel_type TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    weight REAL NOT NULL DEFAULT 1.0,
    narrative_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_id);

CREATE TABLE IF NOT EXISTS relationship_provenance (
    id TEXT PRIMARY KEY,
    relationship_id TEXT NOT NULL,
    source TEXT NOT NULL,
    origin_id TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL,
    timestamp INTEGER NOT NULL,
    context TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_provenance_rel ON relationship_provenance(relationship_id);
CREATE INDEX IF NOT EXISTS idx_provenance_origin ON relationship_provenance(origin_id);

CREATE TABLE IF NOT EXISTS relationship_attributes (
    relationship_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (relationship_id, key)
);

-- Embeddings as JSON float arrays, readable by sqlite-vec
CREATE TABLE IF NOT EXISTS entity_embeddings (
    entity_id TEXT PRIMARY KEY,
    dim INTEGER NOT NULL,
    vector TEXT NOT NULL
);
`

// NewSQLiteStore creates a new in-memory SQLite store.
func NewSQLiteStore() (*SQLiteStore, error) {
	return NewSQLiteStoreWithDSN(":memory:")
}

// NewSQLiteStoreWithDSN creates a store with a specific data source name.
// Use ":memory:" for in-memory or a file path for persistent storage.
func NewSQLiteStoreWithDSN(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// an in-memory database lives on a single connection
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.EnsureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	var version string
	s.vec = db.QueryRow(`SELECT vec_version()`).Scan(&version) == nil
	return s, nil
}

// EnsureSchema creates any missing relation. Safe to call repeatedly.
func (s *SQLiteStore) EnsureSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// Entity CRUD
// =============================================================================

const entityColumns = `id, label, normalized_label, kind, subtype, first_note,
    created_by, narrative_id, created_at, updated_at`

// PutEntity inserts or updates an entity row.
func (s *SQLiteStore) PutEntity(entity *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putEntity(s.db, entity)
}

func putEntity(ex execer, e *Entity) error {
	_, err := ex.Exec(`
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			normalized_label = excluded.normalized_label,
			kind = excluded.kind,
			subtype = excluded.subtype,
			first_note = excluded.first_note,
			created_by = excluded.created_by,
			narrative_id = excluded.narrative_id,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, e.ID, e.Label, Normalize(e.Label), string(e.Kind), e.Subtype, e.FirstNote,
		string(e.CreatedBy), e.NarrativeID, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to put entity %s: %w", e.ID, err)
	}
	return nil
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var kind, createdBy string
	err := row.Scan(&e.ID, &e.Label, &e.NormalizedLabel, &kind, &e.Subtype, &e.FirstNote,
		&createdBy, &e.NarrativeID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.CreatedBy = CreatedBy(createdBy)
	return &e, nil
}

// getEntity runs a single-row entity query and hydrates the result.
func (s *SQLiteStore) getEntity(query string, args ...any) (*Entity, error) {
	e, err := scanEntity(s.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	if err := s.hydrate(e); err != nil {
		return nil, err
	}
	return e, nil
}

// listEntities reads every row before hydrating; the pool holds one connection.
func (s *SQLiteStore) listEntities(query string, args ...any) ([]*Entity, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	var entities []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, e := range entities {
		if err := s.hydrate(e); err != nil {
			return nil, err
		}
	}
	return entities, nil
}

func (s *SQLiteStore) hydrate(e *Entity) error {
	rows, err := s.db.Query(`SELECT alias FROM entity_aliases WHERE entity_id = ? ORDER BY normalized`, e.ID)
	if err != nil {
		return fmt.Errorf("failed to load aliases: %w", err)
	}
	e.Aliases = make([]string, 0)
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan alias: %w", err)
		}
		e.Aliases = append(e.Aliases, a)
	}
	rows.Close()

	err = s.db.QueryRow(`SELECT COALESCE(SUM(count), 0) FROM entity_mentions WHERE entity_id = ?`, e.ID).
		Scan(&e.TotalMentions)
	if err != nil {
		return fmt.Errorf("failed to sum mentions: %w", err)
	}
	return nil
}

// GetEntity retrieves an entity by ID.
func (s *SQLiteStore) GetEntity(id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEntity(`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
}

// GetEntityByLabel finds the oldest entity with a normalized label.
func (s *SQLiteStore) GetEntityByLabel(normalized string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEntity(`SELECT `+entityColumns+` FROM entities
		WHERE normalized_label = ? ORDER BY created_at, id LIMIT 1`, Normalize(normalized))
}

// GetEntityByAlias finds the owner of a normalized alias.
func (s *SQLiteStore) GetEntityByAlias(normalized string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEntity(`SELECT `+prefixed("e", entityColumns)+` FROM entities e
		JOIN entity_aliases a ON a.entity_id = e.id
		WHERE a.normalized = ?`, Normalize(normalized))
}

// ListEntities returns entities matching filter ordered by label.
func (s *SQLiteStore) ListEntities(filter EntityFilter) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + entityColumns + ` FROM entities WHERE 1 = 1`
	var args []any
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.NarrativeID != "" {
		query += ` AND narrative_id = ?`
		args = append(args, filter.NarrativeID)
	}
	query += ` ORDER BY normalized_label, id`
	return s.listEntities(query, args...)
}

// SearchEntities matches substring against normalized labels and aliases.
func (s *SQLiteStore) SearchEntities(substring string, limit int) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	needle := Normalize(substring)
	return s.listEntities(`SELECT `+entityColumns+` FROM entities
		WHERE instr(normalized_label, ?) > 0
		   OR id IN (SELECT entity_id FROM entity_aliases WHERE instr(normalized, ?) > 0)
		ORDER BY normalized_label, id
		LIMIT ?`, needle, needle, limit)
}

// RemoveEntity removes an entity row by ID.
func (s *SQLiteStore) RemoveEntity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM entities WHERE id = ?`, id)
	return err
}

// CountEntities returns the total entity count.
func (s *SQLiteStore) CountEntities() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count(`SELECT COUNT(*) FROM entities`)
}

// CountEntitiesByKind groups the entity count by kind.
func (s *SQLiteStore) CountEntitiesByKind() (map[Kind]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT kind, COUNT(*) FROM entities GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Kind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[Kind(kind)] = n
	}
	return counts, rows.Err()
}

// =============================================================================
// Aliases
// =============================================================================

// PutAlias assigns alias to entityID, replacing any previous owner.
func (s *SQLiteStore) PutAlias(entityID, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putAlias(s.db, Alias{EntityID: entityID, Alias: alias})
}

func putAlias(ex execer, a Alias) error {
	alias := strings.TrimSpace(a.Alias)
	_, err := ex.Exec(`
		INSERT INTO entity_aliases (normalized, entity_id, alias) VALUES (?, ?, ?)
		ON CONFLICT(normalized) DO UPDATE SET entity_id = excluded.entity_id, alias = excluded.alias
	`, Normalize(alias), a.EntityID, alias)
	if err != nil {
		return fmt.Errorf("failed to put alias %q: %w", alias, err)
	}
	return nil
}

// RemoveAlias drops alias when entityID owns it.
func (s *SQLiteStore) RemoveAlias(entityID, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM entity_aliases WHERE normalized = ? AND entity_id = ?`,
		Normalize(alias), entityID)
	return err
}

// RemoveAliases drops every alias of entityID.
func (s *SQLiteStore) RemoveAliases(entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM entity_aliases WHERE entity_id = ?`, entityID)
	return err
}

// AliasOwner returns the entity owning a normalized alias, "" when none.
func (s *SQLiteStore) AliasOwner(normalized string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRow(`SELECT entity_id FROM entity_aliases WHERE normalized = ?`, Normalize(normalized)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// =============================================================================
// Mentions
// =============================================================================

// PutMention upserts the absolute mention count for (entity, note).
func (s *SQLiteStore) PutMention(m *Mention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putMention(s.db, *m)
}

func putMention(ex execer, m Mention) error {
	_, err := ex.Exec(`
		INSERT INTO entity_mentions (entity_id, note_id, count, last_seen_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id, note_id) DO UPDATE SET
			count = excluded.count,
			last_seen_at = excluded.last_seen_at
	`, m.EntityID, m.NoteID, m.Count, m.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to put mention: %w", err)
	}
	return nil
}

// GetMentions lists an entity's mentions ordered by note.
func (s *SQLiteStore) GetMentions(entityID string) ([]*Mention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT entity_id, note_id, count, last_seen_at
		FROM entity_mentions WHERE entity_id = ? ORDER BY note_id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Mention
	for rows.Next() {
		var m Mention
		if err := rows.Scan(&m.EntityID, &m.NoteID, &m.Count, &m.LastSeenAt); err != nil {
			return nil, err
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}

// RemoveMentions drops every mention of entityID.
func (s *SQLiteStore) RemoveMentions(entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM entity_mentions WHERE entity_id = ?`, entityID)
	return err
}

// RemoveNoteMentions drops every mention recorded in noteID.
func (s *SQLiteStore) RemoveNoteMentions(noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM entity_mentions WHERE note_id = ?`, noteID)
	return err
}

// =============================================================================
// Metadata
// =============================================================================

// PutMetadata upserts one metadata key.
func (s *SQLiteStore) PutMetadata(entityID, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putMetadata(s.db, MetadataEntry{EntityID: entityID, Key: key, Value: value})
}

func putMetadata(ex execer, m MetadataEntry) error {
	_, err := ex.Exec(`
		INSERT INTO entity_metadata (entity_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(entity_id, key) DO UPDATE SET value = excluded.value
	`, m.EntityID, m.Key, rawText(m.Value))
	if err != nil {
		return fmt.Errorf("failed to put metadata %q: %w", m.Key, err)
	}
	return nil
}

// GetMetadata returns all metadata of an entity.
func (s *SQLiteStore) GetMetadata(entityID string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyValues(`SELECT key, value FROM entity_metadata WHERE entity_id = ?`, entityID)
}

// RemoveMetadata drops every metadata key of entityID.
func (s *SQLiteStore) RemoveMetadata(entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM entity_metadata WHERE entity_id = ?`, entityID)
	return err
}

// =============================================================================
// Relationship CRUD
// =============================================================================

const relationshipColumns = `id, source_id, target_id, rel_type, confidence, weight,
    narrative_id, created_at, updated_at`

// PutRelationship inserts or updates a relationship row.
func (s *SQLiteStore) PutRelationship(rel *Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putRelationship(s.db, rel)
}

func putRelationship(ex execer, r *Relationship) error {
	_, err := ex.Exec(`
		INSERT INTO relationships (`+relationshipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_id = excluded.source_id,
			target_id = excluded.target_id,
			rel_type = excluded.rel_type,
			confidence = excluded.confidence,
			weight = excluded.weight,
			narrative_id = excluded.narrative_id,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, r.ID, r.SourceID, r.TargetID, r.Type, r.Confidence, r.Weight,
		r.NarrativeID, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to put relationship %s: %w", r.ID, err)
	}
	return nil
}

func scanRelationship(row rowScanner) (*Relationship, error) {
	var r Relationship
	err := row.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.Type, &r.Confidence, &r.Weight,
		&r.NarrativeID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) getRelationship(query string, args ...any) (*Relationship, error) {
	r, err := scanRelationship(s.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relationship: %w", err)
	}
	if err := s.hydrateRel(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) listRelationships(query string, args ...any) ([]*Relationship, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	var rels []*Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		rels = append(rels, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, r := range rels {
		if err := s.hydrateRel(r); err != nil {
			return nil, err
		}
	}
	return rels, nil
}

func (s *SQLiteStore) hydrateRel(r *Relationship) error {
	provenance, err := s.listProvenance(`WHERE relationship_id = ?`, r.ID)
	if err != nil {
		return err
	}
	r.Provenance = provenance

	attrs, err := s.keyValues(`SELECT key, value FROM relationship_attributes WHERE relationship_id = ?`, r.ID)
	if err != nil {
		return err
	}
	if len(attrs) > 0 {
		r.Attributes = attrs
	}
	return nil
}

// GetRelationship retrieves a hydrated relationship by ID.
func (s *SQLiteStore) GetRelationship(id string) (*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRelationship(`SELECT `+relationshipColumns+` FROM relationships WHERE id = ?`, id)
}

// FindRelationship finds the oldest edge with the same endpoints and type.
func (s *SQLiteStore) FindRelationship(sourceID, targetID, relType string) (*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRelationship(`SELECT `+relationshipColumns+` FROM relationships
		WHERE source_id = ? AND target_id = ? AND rel_type = ?
		ORDER BY created_at, id LIMIT 1`, sourceID, targetID, relType)
}

// ListRelationshipsForEntity returns all edges connected to an entity.
func (s *SQLiteStore) ListRelationshipsForEntity(entityID string) ([]*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listRelationships(`SELECT `+relationshipColumns+` FROM relationships
		WHERE source_id = ? OR target_id = ?
		ORDER BY created_at, id`, entityID, entityID)
}

// ListRelationships returns every edge.
func (s *SQLiteStore) ListRelationships() ([]*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listRelationships(`SELECT ` + relationshipColumns + ` FROM relationships ORDER BY created_at, id`)
}

// RemoveRelationship removes the row with its provenance and attributes.
func (s *SQLiteStore) RemoveRelationship(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range []string{
		`DELETE FROM relationship_provenance WHERE relationship_id = ?`,
		`DELETE FROM relationship_attributes WHERE relationship_id = ?`,
		`DELETE FROM relationships WHERE id = ?`,
	} {
		if _, err := s.db.Exec(q, id); err != nil {
			return fmt.Errorf("failed to remove relationship %s: %w", id, err)
		}
	}
	return nil
}

// CountRelationships returns the total edge count.
func (s *SQLiteStore) CountRelationships() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count(`SELECT COUNT(*) FROM relationships`)
}

// InsertProvenance appends a provenance row; re-inserting an id is a no-op.
func (s *SQLiteStore) InsertProvenance(p *Provenance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" || p.RelationshipID == "" {
		return fmt.Errorf("provenance requires id and relationship id")
	}
	return insertProvenance(s.db, *p)
}

func insertProvenance(ex execer, p Provenance) error {
	_, err := ex.Exec(`
		INSERT INTO relationship_provenance (id, relationship_id, source, origin_id, confidence, timestamp, context)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			relationship_id = excluded.relationship_id,
			source = excluded.source,
			origin_id = excluded.origin_id,
			confidence = excluded.confidence,
			timestamp = excluded.timestamp,
			context = excluded.context
	`, p.ID, p.RelationshipID, p.Source, p.OriginID, p.Confidence, p.Timestamp, p.Context)
	if err != nil {
		return fmt.Errorf("failed to insert provenance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) listProvenance(where string, args ...any) ([]Provenance, error) {
	rows, err := s.db.Query(`SELECT id, relationship_id, source, origin_id, confidence, timestamp, context
		FROM relationship_provenance `+where+` ORDER BY timestamp, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load provenance: %w", err)
	}
	defer rows.Close()

	var result []Provenance
	for rows.Next() {
		var p Provenance
		if err := rows.Scan(&p.ID, &p.RelationshipID, &p.Source, &p.OriginID,
			&p.Confidence, &p.Timestamp, &p.Context); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// RemoveOriginProvenance drops every provenance row attested by originID.
func (s *SQLiteStore) RemoveOriginProvenance(originID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM relationship_provenance WHERE origin_id = ?`, originID)
	return err
}

// PutAttribute upserts one relationship attribute.
func (s *SQLiteStore) PutAttribute(relID, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putAttribute(s.db, Attribute{RelationshipID: relID, Key: key, Value: value})
}

func putAttribute(ex execer, a Attribute) error {
	_, err := ex.Exec(`
		INSERT INTO relationship_attributes (relationship_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(relationship_id, key) DO UPDATE SET value = excluded.value
	`, a.RelationshipID, a.Key, rawText(a.Value))
	if err != nil {
		return fmt.Errorf("failed to put attribute %q: %w", a.Key, err)
	}
	return nil
}

// =============================================================================
// Vectors
// =============================================================================

// PutEmbedding stores an entity's vector.
func (s *SQLiteStore) PutEmbedding(entityID string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putEmbedding(s.db, entityID, vec)
}

func putEmbedding(ex execer, entityID string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty vector for %s", entityID)
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("failed to marshal vector: %w", err)
	}
	_, err = ex.Exec(`
		INSERT INTO entity_embeddings (entity_id, dim, vector) VALUES (?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET dim = excluded.dim, vector = excluded.vector
	`, entityID, len(vec), string(data))
	if err != nil {
		return fmt.Errorf("failed to put embedding %s: %w", entityID, err)
	}
	return nil
}

// RemoveEmbedding drops an entity's vector.
func (s *SQLiteStore) RemoveEmbedding(entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM entity_embeddings WHERE entity_id = ?`, entityID)
	return err
}

// SearchEmbeddings returns the k nearest vectors of the same dimension by
// cosine distance. Uses sqlite-vec when it is registered and scans otherwise.
func (s *SQLiteStore) SearchEmbeddings(vec []float32, k int) ([]VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 || len(vec) == 0 {
		return nil, nil
	}
	query, err := json.Marshal(vec)
	if err != nil {
		return nil, err
	}

	if s.vec {
		rows, err := s.db.Query(`
			SELECT entity_id, vec_distance_cosine(vector, ?) AS distance
			FROM entity_embeddings WHERE dim = ?
			ORDER BY distance, entity_id LIMIT ?
		`, string(query), len(vec), k)
		if err != nil {
			return nil, fmt.Errorf("failed to search embeddings: %w", err)
		}
		defer rows.Close()

		var hits []VectorHit
		for rows.Next() {
			var h VectorHit
			if err := rows.Scan(&h.EntityID, &h.Distance); err != nil {
				return nil, err
			}
			hits = append(hits, h)
		}
		return hits, rows.Err()
	}

	embeddings, err := s.embeddings(`WHERE dim = ?`, len(vec))
	if err != nil {
		return nil, err
	}
	hits := make([]VectorHit, 0, len(embeddings))
	for _, emb := range embeddings {
		hits = append(hits, VectorHit{EntityID: emb.EntityID, Distance: vector.CosineDistance(vec, emb.Vector)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *SQLiteStore) embeddings(where string, args ...any) ([]Embedding, error) {
	rows, err := s.db.Query(`SELECT entity_id, vector FROM entity_embeddings `+where+` ORDER BY entity_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer rows.Close()

	var result []Embedding
	for rows.Next() {
		var emb Embedding
		var data string
		if err := rows.Scan(&emb.EntityID, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &emb.Vector); err != nil {
			return nil, fmt.Errorf("failed to decode vector %s: %w", emb.EntityID, err)
		}
		result = append(result, emb)
	}
	return result, rows.Err()
}

// =============================================================================
// Export / Import
// =============================================================================

// Export dumps the named relations (all when empty) as JSON.
func (s *SQLiteStore) Export(relations []string) ([]byte, error) {
	relations, err := relationsOrAll(relations)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	d := &Dump{Relations: relations}
	for _, r := range relations {
		if err := s.exportRelation(d, r); err != nil {
			return nil, fmt.Errorf("failed to export %s: %w", r, err)
		}
	}
	return json.Marshal(d)
}

func (s *SQLiteStore) exportRelation(d *Dump, relation string) error {
	switch relation {
	case RelEntities:
		rows, err := s.db.Query(`SELECT ` + entityColumns + ` FROM entities ORDER BY normalized_label, id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntity(rows)
			if err != nil {
				return err
			}
			d.Entities = append(d.Entities, e)
		}
		return rows.Err()

	case RelEntityAliases:
		rows, err := s.db.Query(`SELECT entity_id, alias, normalized FROM entity_aliases ORDER BY normalized`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a Alias
			if err := rows.Scan(&a.EntityID, &a.Alias, &a.Normalized); err != nil {
				return err
			}
			d.Aliases = append(d.Aliases, a)
		}
		return rows.Err()

	case RelEntityMentions:
		rows, err := s.db.Query(`SELECT entity_id, note_id, count, last_seen_at
			FROM entity_mentions ORDER BY entity_id, note_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m Mention
			if err := rows.Scan(&m.EntityID, &m.NoteID, &m.Count, &m.LastSeenAt); err != nil {
				return err
			}
			d.Mentions = append(d.Mentions, m)
		}
		return rows.Err()

	case RelEntityMetadata:
		rows, err := s.db.Query(`SELECT entity_id, key, value FROM entity_metadata ORDER BY entity_id, key`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m MetadataEntry
			var value string
			if err := rows.Scan(&m.EntityID, &m.Key, &value); err != nil {
				return err
			}
			m.Value = json.RawMessage(value)
			d.Metadata = append(d.Metadata, m)
		}
		return rows.Err()

	case RelRelationships:
		rows, err := s.db.Query(`SELECT ` + relationshipColumns + ` FROM relationships ORDER BY created_at, id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRelationship(rows)
			if err != nil {
				return err
			}
			d.Relationships = append(d.Relationships, r)
		}
		return rows.Err()

	case RelRelationshipProvenance:
		provenance, err := s.listProvenance(``)
		if err != nil {
			return err
		}
		d.Provenance = provenance
		return nil

	case RelRelationshipAttributes:
		rows, err := s.db.Query(`SELECT relationship_id, key, value
			FROM relationship_attributes ORDER BY relationship_id, key`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a Attribute
			var value string
			if err := rows.Scan(&a.RelationshipID, &a.Key, &value); err != nil {
				return err
			}
			a.Value = json.RawMessage(value)
			d.Attributes = append(d.Attributes, a)
		}
		return rows.Err()

	case RelEntityEmbeddings:
		embeddings, err := s.embeddings(``)
		if err != nil {
			return err
		}
		d.Embeddings = embeddings
		return nil
	}
	return fmt.Errorf("unknown relation %q", relation)
}

// Import clears the relations named in the dump and re-inserts its rows in
// one transaction.
func (s *SQLiteStore) Import(data []byte) error {
	d, err := DecodeDump(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin import: %w", err)
	}
	if err := importDump(tx, d); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit import: %w", err)
	}
	return nil
}

func importDump(tx *sql.Tx, d *Dump) error {
	for _, r := range d.Relations {
		// relation names are validated by DecodeDump
		if _, err := tx.Exec(`DELETE FROM ` + r); err != nil {
			return fmt.Errorf("failed to clear %s: %w", r, err)
		}
	}
	for _, e := range d.Entities {
		if err := putEntity(tx, e); err != nil {
			return err
		}
	}
	for _, a := range d.Aliases {
		if err := putAlias(tx, a); err != nil {
			return err
		}
	}
	for _, m := range d.Mentions {
		if err := putMention(tx, m); err != nil {
			return err
		}
	}
	for _, m := range d.Metadata {
		if err := putMetadata(tx, m); err != nil {
			return err
		}
	}
	for _, r := range d.Relationships {
		if err := putRelationship(tx, r); err != nil {
			return err
		}
	}
	for _, p := range d.Provenance {
		if err := insertProvenance(tx, p); err != nil {
			return err
		}
	}
	for _, a := range d.Attributes {
		if err := putAttribute(tx, a); err != nil {
			return err
		}
	}
	for _, emb := range d.Embeddings {
		if err := putEmbedding(tx, emb.EntityID, emb.Vector); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func (s *SQLiteStore) count(query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) keyValues(query string, args ...any) (map[string]json.RawMessage, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]json.RawMessage)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = json.RawMessage(v)
	}
	return result, rows.Err()
}

func rawText(v json.RawMessage) string {
	if len(v) == 0 {
		return "null"
	}
	return string(v)
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

var _ Storer = (*SQLiteStore)(nil)
