// Package vector is an HNSW nearest-neighbour index keyed by entity id.
package vector

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/fogfish/hnsw"
	"github.com/fogfish/hnsw/vector"
	"github.com/hack-pad/hackpadfs"
	kvector "github.com/kshard/vector"
)

// Hit is one search result.
type Hit struct {
	ID       string
	Distance float64
}

// Store manages the HNSW index, the string id mapping and its persistence.
// The graph cannot delete nodes, so replaced or removed ids leave a
// tombstoned key behind that Search filters out.
type Store struct {
	mu    sync.RWMutex
	index *hnsw.HNSW[vector.VF32]
	fs    hackpadfs.FS
	path  string

	keys map[string]uint32
	ids  map[uint32]string
	vecs map[uint32][]float32
	next uint32
	dead int
}

type snapshot struct {
	Nodes hnsw.Nodes[vector.VF32]
	Keys  map[string]uint32
	Vecs  map[uint32][]float32
	Next  uint32
	Dead  int
}

// New creates an empty index. fs may be nil when Save/Load are not used.
func New(fs hackpadfs.FS, path string) *Store {
	s := &Store{fs: fs, path: path}
	s.reset()
	return s
}

// NewStore creates a Store, loading the index at path when one exists.
func NewStore(fs hackpadfs.FS, path string) (*Store, error) {
	s := New(fs, path)
	if err := s.Load(); err != nil {
		s.reset()
	}
	return s, nil
}

func (s *Store) reset() {
	s.index = hnsw.New[vector.VF32](vector.SurfaceVF32(kvector.Cosine()))
	s.keys = make(map[string]uint32)
	s.ids = make(map[uint32]string)
	s.vecs = make(map[uint32][]float32)
	s.next = 1
	s.dead = 0
}

// Dim returns the dimension of the indexed vectors, 0 when empty.
func (s *Store) Dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim()
}

func (s *Store) dim() int {
	for _, v := range s.vecs {
		return len(v)
	}
	return 0
}

// Len returns the number of live ids.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Add inserts or replaces the vector for id.
// Returns error if vec dimension doesn't match the existing index.
func (s *Store) Add(id string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(vec) == 0 {
		return fmt.Errorf("vector: empty vector for %q", id)
	}
	if dim := s.dim(); dim > 0 && len(vec) != dim {
		// replacing the only vector may change the dimension
		if _, replacing := s.keys[id]; !replacing || len(s.keys) > 1 {
			return fmt.Errorf("vector dimension mismatch: expected %d, got %d", dim, len(vec))
		}
	}

	s.remove(id)

	key := s.next
	s.next++
	v := make([]float32, len(vec))
	copy(v, vec)

	s.keys[id] = key
	s.ids[key] = id
	s.vecs[key] = v
	s.index.Insert(vector.VF32{Key: key, Vec: v})
	return nil
}

// Remove drops id from search results.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(id)
}

func (s *Store) remove(id string) {
	key, ok := s.keys[id]
	if !ok {
		return
	}
	delete(s.keys, id)
	delete(s.ids, key)
	delete(s.vecs, key)
	s.dead++
}

// Search returns up to k live ids nearest to vec by cosine distance.
func (s *Store) Search(vec []float32, k int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 || len(s.keys) == 0 {
		return nil, nil
	}
	if dim := s.dim(); len(vec) != dim {
		return nil, fmt.Errorf("vector dimension mismatch: expected %d, got %d", dim, len(vec))
	}

	want := k + s.dead
	ef := want * 2
	if ef < 100 {
		ef = 100
	}

	results := s.index.Search(vector.VF32{Vec: vec}, want, ef)

	hits := make([]Hit, 0, k)
	for _, r := range results {
		id, ok := s.ids[r.Key]
		if !ok {
			continue
		}
		hits = append(hits, Hit{ID: id, Distance: CosineDistance(vec, s.vecs[r.Key])})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Save persists the index to FS.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fs == nil {
		return fmt.Errorf("vector: no filesystem configured")
	}

	snap := snapshot{
		Nodes: s.index.Nodes(),
		Keys:  s.keys,
		Vecs:  s.vecs,
		Next:  s.next,
		Dead:  s.dead,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := hackpadfs.WriteFullFile(s.fs, s.path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write index file: %w", err)
	}
	return nil
}

// Load reads the index from FS.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fs == nil {
		return fmt.Errorf("vector: no filesystem configured")
	}

	content, err := hackpadfs.ReadFile(s.fs, s.path)
	if err != nil {
		return err
	}

	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(content)).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode index: %w", err)
	}

	s.index = hnsw.FromNodes[vector.VF32](vector.SurfaceVF32(kvector.Cosine()), snap.Nodes)
	s.keys = snap.Keys
	s.vecs = snap.Vecs
	s.next = snap.Next
	s.dead = snap.Dead
	if s.keys == nil {
		s.keys = make(map[string]uint32)
	}
	if s.vecs == nil {
		s.vecs = make(map[uint32][]float32)
	}
	s.ids = make(map[uint32]string, len(s.keys))
	for id, key := range s.keys {
		s.ids[key] = id
	}
	return nil
}

// CosineDistance returns 1 - cos(a, b). Zero vectors are at distance 1.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
