// Package graph provides DAG operations over a workflow's nodes/edges:
// cycle detection, weak-connectivity, and a deterministic topological
// order. Grounded on the teacher engine's Kahn's-algorithm implementation,
// adapted from a single-successor DAG to a multi-action graph (an edge is
// (from, action, to) rather than just (from, to)).
package graph

import (
	"fmt"
	"sort"

	"github.com/pflow-dev/pflow/pkg/types"
)

// Graph is a read-only view over one IR document's nodes and edges.
type Graph struct {
	nodeIDs []string
	nodeSet map[string]bool
	edges   []types.EdgeSpec
}

// New builds a Graph from nodes and edges. Edges referencing unknown node
// ids are retained as-is; callers should validate connectivity with
// structural checks in pkg/ir before relying on traversal results.
func New(nodes []types.NodeSpec, edges []types.EdgeSpec) *Graph {
	g := &Graph{
		nodeIDs: make([]string, 0, len(nodes)),
		nodeSet: make(map[string]bool, len(nodes)),
		edges:   edges,
	}
	for _, n := range nodes {
		g.nodeIDs = append(g.nodeIDs, n.ID)
		g.nodeSet[n.ID] = true
	}
	return g
}

// TopologicalSort performs Kahn's algorithm over the (from,to) projection of
// the edge set, ignoring action labels — multiple actions out of one node
// collapse to one adjacency edge for ordering purposes. Ties are broken by
// sorting the in-degree-zero frontier, so the result is deterministic.
func (g *Graph) TopologicalSort() ([]string, error) {
	n := len(g.nodeIDs)
	if n == 0 {
		return []string{}, nil
	}

	inDegree := make(map[string]int, n)
	adjacency := make(map[string][]string, n)
	for _, id := range g.nodeIDs {
		inDegree[id] = 0
	}
	seenEdge := make(map[[2]string]bool)
	for _, e := range g.edges {
		key := [2]string{e.From, e.To}
		if seenEdge[key] {
			continue
		}
		seenEdge[key] = true
		adjacency[e.From] = append(adjacency[e.From], e.To)
		inDegree[e.To]++
	}

	frontier := make([]string, 0, n)
	for id, d := range inDegree {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, n)
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		next := append([]string(nil), adjacency[id]...)
		sort.Strings(next)
		for _, target := range next {
			inDegree[target]--
			if inDegree[target] == 0 {
				frontier = append(frontier, target)
				sort.Strings(frontier)
			}
		}
	}

	if len(order) != n {
		return nil, fmt.Errorf("graph contains a cycle: only %d of %d nodes are reachable in topological order", len(order), n)
	}
	return order, nil
}

// WeaklyConnected reports whether the undirected version of the graph is a
// single connected component (spec §4.1: "the chain is weakly connected").
func (g *Graph) WeaklyConnected() bool {
	if len(g.nodeIDs) <= 1 {
		return true
	}
	undirected := make(map[string][]string, len(g.nodeIDs))
	for _, e := range g.edges {
		undirected[e.From] = append(undirected[e.From], e.To)
		undirected[e.To] = append(undirected[e.To], e.From)
	}

	visited := make(map[string]bool, len(g.nodeIDs))
	stack := []string{g.nodeIDs[0]}
	visited[g.nodeIDs[0]] = true
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range undirected[cur] {
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return len(visited) == len(g.nodeIDs)
}

// Successors returns, for a given node id, a map from action string to
// target node id, built from the edge set. Compilation refuses duplicate
// (from, action) pairs before this is ever called (pkg/ir), so this is a
// simple last-wins build here.
func (g *Graph) Successors(nodeID string) map[string]string {
	out := make(map[string]string)
	for _, e := range g.edges {
		if e.From == nodeID {
			out[e.DefaultAction()] = e.To
		}
	}
	return out
}
