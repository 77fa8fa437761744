package registry

import (
	"fmt"

	"github.com/kittclouds/kittgraph/internal/store"
	"github.com/kittclouds/kittgraph/pkg/graph"
)

// Graph builds an adjacency view of every stored entity and relationship.
func (r *Registry) Graph() (*graph.Graph, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireReady(); err != nil {
		return nil, err
	}
	entities, err := r.store.ListEntities(store.EntityFilter{})
	if err != nil {
		return nil, r.fail("graph", err)
	}
	rels, err := r.store.ListRelationships()
	if err != nil {
		return nil, r.fail("graph", err)
	}
	return project(entities, rels), nil
}

// Neighborhood returns the entities within depth hops of entityID and the
// relationships among them.
func (r *Registry) Neighborhood(entityID string, depth int) (*graph.Graph, error) {
	if depth < 0 {
		depth = 0
	}
	g, err := r.Graph()
	if err != nil {
		return nil, err
	}
	sub := g.Neighborhood(entityID, depth)
	if sub == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	return sub, nil
}

func project(entities []*store.Entity, rels []*store.Relationship) *graph.Graph {
	g := graph.New()
	for _, e := range entities {
		g.EnsureNode(e.ID, e.Label, string(e.Kind))
	}
	for _, rel := range rels {
		g.AddEdge(graph.Edge{
			ID:         rel.ID,
			Source:     rel.SourceID,
			Target:     rel.TargetID,
			Type:       rel.Type,
			Confidence: rel.Confidence,
		})
	}
	return g
}
