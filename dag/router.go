package dag

import (
	"context"
	"fmt"

	"driftsync.dev/entity"
	"driftsync.dev/transform"
)

// Router dispatches entities along the graph. The transformer map is resolved
// against the catalog once at context-build time, so per-entity dispatch is a
// pure in-memory lookup with no registry or database access.
type Router struct {
	graph        *Graph
	transformers map[string]transform.Transformer // node id -> resolved transformer
	outgoing     map[string][]Edge                // node id -> outgoing edges
}

// NewRouter validates the graph and resolves every transformer node against
// the catalog.
func NewRouter(graph *Graph) (*Router, error) {
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	transformers := make(map[string]transform.Transformer)
	for _, n := range graph.Nodes {
		if n.Kind != NodeTransformer {
			continue
		}
		t, err := transform.Resolve(n.Name)
		if err != nil {
			return nil, fmt.Errorf("dag: node %q: %w", n.ID, err)
		}
		transformers[n.ID] = t
	}

	outgoing := make(map[string][]Edge)
	for _, e := range graph.Edges {
		outgoing[e.FromID] = append(outgoing[e.FromID], e)
	}

	return &Router{graph: graph, transformers: transformers, outgoing: outgoing}, nil
}

// Graph returns the routed graph.
func (r *Router) Graph() *Graph { return r.graph }

// ProcessEntity routes e from the producer node through matching edges,
// invoking transformers along the way, and returns the flat list of entities
// that reached any destination node.
func (r *Router) ProcessEntity(ctx context.Context, producerNodeID string, e *entity.Entity) ([]*entity.Entity, error) {
	var reached []*entity.Entity
	if err := r.route(ctx, producerNodeID, e, &reached); err != nil {
		return nil, err
	}
	return reached, nil
}

func (r *Router) route(ctx context.Context, producerNodeID string, e *entity.Entity, reached *[]*entity.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, edge := range r.outgoing[producerNodeID] {
		if !edge.Matches(e.Type) {
			continue
		}
		target, ok := r.graph.Node(edge.ToID)
		if !ok {
			return fmt.Errorf("dag: edge target %q vanished", edge.ToID)
		}
		switch target.Kind {
		case NodeDestination:
			*reached = append(*reached, e)
		case NodeTransformer:
			t := r.transformers[target.ID]
			outputs, err := t.Apply(ctx, e)
			if err != nil {
				return fmt.Errorf("dag: transformer %q on entity %s: %w", t.Name(), e.ID, err)
			}
			for _, out := range outputs {
				if err := r.route(ctx, target.ID, out, reached); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("dag: entity routed into %s node %q", target.Kind, target.ID)
		}
	}
	return nil
}
