// Package dag models the user-configured operator graph that routes entities
// from one source node through transformer nodes to destination nodes.
// Edges are typed: each edge declares which entity types flow along it, and
// the router picks outgoing edges by the type of the produced entity.
package dag

import (
	"fmt"
)

// NodeKind discriminates the three node kinds of a sync DAG.
type NodeKind string

const (
	NodeSource      NodeKind = "source"
	NodeTransformer NodeKind = "transformer"
	NodeDestination NodeKind = "destination"
)

// Node is one vertex of the graph. For transformer nodes, Name is the catalog
// short name resolved at context-build time; for source and destination nodes
// it is the adapter short name.
type Node struct {
	ID   string   `json:"id" mapstructure:"id"`
	Kind NodeKind `json:"kind" mapstructure:"kind"`
	Name string   `json:"name" mapstructure:"name"`
}

// Edge connects two nodes and declares the entity types that flow along it.
// An empty type list (or the single element "*") matches every type.
type Edge struct {
	FromID      string   `json:"from_id" mapstructure:"from_id"`
	ToID        string   `json:"to_id" mapstructure:"to_id"`
	EntityTypes []string `json:"entity_types" mapstructure:"entity_types"`
}

// Matches reports whether entityType flows along this edge.
func (e Edge) Matches(entityType string) bool {
	if len(e.EntityTypes) == 0 {
		return true
	}
	for _, t := range e.EntityTypes {
		if t == "*" || t == entityType {
			return true
		}
	}
	return false
}

// Graph is a validated sync DAG.
type Graph struct {
	Nodes []Node `json:"nodes" mapstructure:"nodes"`
	Edges []Edge `json:"edges" mapstructure:"edges"`
}

// SourceNode returns the graph's single source node.
func (g *Graph) SourceNode() (Node, error) {
	for _, n := range g.Nodes {
		if n.Kind == NodeSource {
			return n, nil
		}
	}
	return Node{}, fmt.Errorf("dag: graph has no source node")
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Outgoing returns the edges leaving the given node.
func (g *Graph) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.FromID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Validate checks the structural invariants: exactly one source, at least one
// destination, edges referencing known nodes, no edges leaving destinations,
// and no cycles.
func (g *Graph) Validate() error {
	var sources, destinations int
	byID := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("dag: duplicate node id %q", n.ID)
		}
		byID[n.ID] = n
		switch n.Kind {
		case NodeSource:
			sources++
		case NodeDestination:
			destinations++
		case NodeTransformer:
		default:
			return fmt.Errorf("dag: node %q has unknown kind %q", n.ID, n.Kind)
		}
	}
	if sources != 1 {
		return fmt.Errorf("dag: expected exactly one source node, found %d", sources)
	}
	if destinations == 0 {
		return fmt.Errorf("dag: graph has no destination node")
	}

	for _, e := range g.Edges {
		from, ok := byID[e.FromID]
		if !ok {
			return fmt.Errorf("dag: edge references unknown node %q", e.FromID)
		}
		if _, ok := byID[e.ToID]; !ok {
			return fmt.Errorf("dag: edge references unknown node %q", e.ToID)
		}
		if from.Kind == NodeDestination {
			return fmt.Errorf("dag: destination node %q has an outgoing edge", e.FromID)
		}
	}

	return g.checkCycles()
}

// checkCycles runs a depth-first search with a recursion stack to detect
// circular routing.
func (g *Graph) checkCycles() error {
	visited := make(map[string]bool)
	recursionStack := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		visited[id] = true
		recursionStack[id] = true
		for _, e := range g.Outgoing(id) {
			if !visited[e.ToID] {
				if err := visit(e.ToID); err != nil {
					return err
				}
			} else if recursionStack[e.ToID] {
				return fmt.Errorf("dag: cycle detected: %s -> %s", id, e.ToID)
			}
		}
		recursionStack[id] = false
		return nil
	}

	for _, n := range g.Nodes {
		if !visited[n.ID] {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
