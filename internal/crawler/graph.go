package crawler

import (
	"context"
	"sort"
	"sync"
)

// Edge identifies a traversal between two graph nodes.
type Edge struct {
	Parent int `json:"parent"`
	Child  int `json:"child"`
}

// EdgeCount is an edge together with how many times it was traversed.
type EdgeCount struct {
	Edge
	Count int `json:"count"`
}

// GraphSnapshot is a point-in-time copy of a VisitedGraph.
type GraphSnapshot struct {
	Nodes map[string]int `json:"nodes"`
	Edges []EdgeCount    `json:"edges"`
}

// VisitedGraph is the in-memory set of seen URLs plus link counts between them.
// It is safe for concurrent use.
type VisitedGraph struct {
	mu    sync.Mutex
	nodes map[string]int
	edges map[Edge]int
}

// NewVisitedGraph returns an empty graph.
func NewVisitedGraph() *VisitedGraph {
	return &VisitedGraph{
		nodes: make(map[string]int),
		edges: make(map[Edge]int),
	}
}

// Has reports whether url (fragment ignored) is a node.
func (g *VisitedGraph) Has(url string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.nodes[stripFragment(url)]
	return ok
}

// AddNode registers url and returns its id.
func (g *VisitedGraph) AddNode(url string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.node(stripFragment(url))
}

// AddEdge registers both endpoints and increments the edge count.
// Self-edges are ignored.
func (g *VisitedGraph) AddEdge(parent, child string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addEdge(stripFragment(parent), stripFragment(child))
}

// EdgeCount returns how many times parent linked to child.
func (g *VisitedGraph) EdgeCount(parent, child string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.nodes[stripFragment(parent)]
	if !ok {
		return 0
	}
	c, ok := g.nodes[stripFragment(child)]
	if !ok {
		return 0
	}
	return g.edges[Edge{Parent: p, Child: c}]
}

// Len returns the node and edge counts.
func (g *VisitedGraph) Len() (nodes, edges int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes), len(g.edges)
}

// Snapshot copies the graph with edges sorted by parent then child.
func (g *VisitedGraph) Snapshot() GraphSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := GraphSnapshot{
		Nodes: make(map[string]int, len(g.nodes)),
		Edges: make([]EdgeCount, 0, len(g.edges)),
	}
	for u, id := range g.nodes {
		snap.Nodes[u] = id
	}
	for e, n := range g.edges {
		snap.Edges = append(snap.Edges, EdgeCount{Edge: e, Count: n})
	}
	sort.Slice(snap.Edges, func(i, j int) bool {
		if snap.Edges[i].Parent != snap.Edges[j].Parent {
			return snap.Edges[i].Parent < snap.Edges[j].Parent
		}
		return snap.Edges[i].Child < snap.Edges[j].Child
	})
	return snap
}

// Seen implements Deduper.
func (g *VisitedGraph) Seen(_ context.Context, url string) (bool, error) {
	return g.Has(url), nil
}

// Record implements Deduper. An empty parent registers a seed; otherwise the
// edge is counted and both endpoints become nodes.
func (g *VisitedGraph) Record(_ context.Context, parent, child string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	child = stripFragment(child)
	if parent == "" {
		g.node(child)
		return nil
	}
	g.addEdge(stripFragment(parent), child)
	return nil
}

func (g *VisitedGraph) node(url string) int {
	if id, ok := g.nodes[url]; ok {
		return id
	}
	id := len(g.nodes)
	g.nodes[url] = id
	return id
}

func (g *VisitedGraph) addEdge(parent, child string) {
	if parent == child {
		return
	}
	e := Edge{Parent: g.node(parent), Child: g.node(child)}
	g.edges[e]++
}
