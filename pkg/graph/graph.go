// Package graph is an in-memory adjacency view of the entity graph, built
// on demand for traversal and connectivity statistics.
package graph

import "sort"

// Node is an entity in the view.
type Node struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"`
}

// Edge is one directed relationship. Several edges may join the same pair
// as long as their types differ.
type Edge struct {
	ID         string  `json:"id"`
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Graph is a directed multigraph. Not safe for concurrent mutation.
type Graph struct {
	nodes map[string]*Node
	edges map[string]*Edge

	// Adjacency lists: node ID -> edge IDs
	outbound map[string][]string
	inbound  map[string][]string
}

// New creates an empty graph
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]*Node),
		edges:    make(map[string]*Edge),
		outbound: make(map[string][]string),
		inbound:  make(map[string][]string),
	}
}

// EnsureNode adds a node if it doesn't exist, returns existing node otherwise
func (g *Graph) EnsureNode(id, label, kind string) *Node {
	if existing, ok := g.nodes[id]; ok {
		return existing
	}
	n := &Node{ID: id, Label: label, Kind: kind}
	g.nodes[id] = n
	return n
}

// AddEdge adds e. It reports false when an endpoint is unknown or the
// edge ID is already present.
func (g *Graph) AddEdge(e Edge) bool {
	if g.nodes[e.Source] == nil || g.nodes[e.Target] == nil {
		return false
	}
	if _, dup := g.edges[e.ID]; dup {
		return false
	}
	g.edges[e.ID] = &e
	g.outbound[e.Source] = append(g.outbound[e.Source], e.ID)
	g.inbound[e.Target] = append(g.inbound[e.Target], e.ID)
	return true
}

// Node retrieves a node by ID
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// Outgoing returns the edges leaving id.
func (g *Graph) Outgoing(id string) []*Edge {
	return g.collect(g.outbound[id])
}

// Incoming returns the edges arriving at id.
func (g *Graph) Incoming(id string) []*Edge {
	return g.collect(g.inbound[id])
}

func (g *Graph) collect(ids []string) []*Edge {
	out := make([]*Edge, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.edges[id])
	}
	sortEdges(out)
	return out
}

// Neighbors returns all nodes connected to id in either direction, by ID.
func (g *Graph) Neighbors(id string) []*Node {
	seen := make(map[string]bool)
	var result []*Node
	visit := func(other string) {
		if other == id || seen[other] {
			return
		}
		seen[other] = true
		if n := g.nodes[other]; n != nil {
			result = append(result, n)
		}
	}
	for _, eid := range g.outbound[id] {
		visit(g.edges[eid].Target)
	}
	for _, eid := range g.inbound[id] {
		visit(g.edges[eid].Source)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Neighborhood returns the subgraph of nodes within depth hops of id,
// with every edge among them. Nil when id is unknown.
func (g *Graph) Neighborhood(id string, depth int) *Graph {
	if g.nodes[id] == nil {
		return nil
	}
	sub := New()
	root := g.nodes[id]
	sub.EnsureNode(root.ID, root.Label, root.Kind)

	frontier := []string{id}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			for _, n := range g.Neighbors(cur) {
				if sub.nodes[n.ID] != nil {
					continue
				}
				sub.EnsureNode(n.ID, n.Label, n.Kind)
				next = append(next, n.ID)
			}
		}
		frontier = next
	}

	for _, e := range g.allEdges() {
		sub.AddEdge(*e)
	}
	return sub
}

// NodeCount returns the number of nodes
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges
func (g *Graph) EdgeCount() int {
	return len(g.edges)
}

// DegreeCentrality computes (in+out)/(2*(n-1)) for each node
func (g *Graph) DegreeCentrality() map[string]float64 {
	n := len(g.nodes)
	result := make(map[string]float64, n)
	if n <= 1 {
		for id := range g.nodes {
			result[id] = 0
		}
		return result
	}

	normalizer := 2.0 * float64(n-1)
	for id := range g.nodes {
		result[id] = float64(len(g.outbound[id])+len(g.inbound[id])) / normalizer
	}
	return result
}

// Orphans returns nodes with no connections, by ID.
func (g *Graph) Orphans() []*Node {
	var orphans []*Node
	for id, n := range g.nodes {
		if len(g.outbound[id]) == 0 && len(g.inbound[id]) == 0 {
			orphans = append(orphans, n)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].ID < orphans[j].ID })
	return orphans
}

// View is the serializable form of a graph.
type View struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// View lists nodes by ID and edges by source, target, type.
func (g *Graph) View() View {
	v := View{
		Nodes: make([]Node, 0, len(g.nodes)),
		Edges: make([]Edge, 0, len(g.edges)),
	}
	for _, n := range g.nodes {
		v.Nodes = append(v.Nodes, *n)
	}
	sort.Slice(v.Nodes, func(i, j int) bool { return v.Nodes[i].ID < v.Nodes[j].ID })
	for _, e := range g.allEdges() {
		v.Edges = append(v.Edges, *e)
	}
	return v
}

func (g *Graph) allEdges() []*Edge {
	out := make([]*Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	sortEdges(out)
	return out
}

func sortEdges(es []*Edge) {
	sort.Slice(es, func(i, j int) bool {
		a, b := es[i], es[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.ID < b.ID
	})
}
