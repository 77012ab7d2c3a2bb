package dag

import (
	"context"
	"fmt"

	"github.com/vk/etlgrid/internal/config"
	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/registry"
)

// Build constructs a complete, validated dependency graph from a config model.
func Build(ctx context.Context, model *config.Model, r *registry.Registry) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Build: Starting graph construction.")
	graph := &Graph{Nodes: make(map[string]*Node)}

	if err := validateTypes(model.Pipeline, r); err != nil {
		return nil, err
	}

	// First pass: create all nodes for stages and connections.
	createNodes(ctx, model.Pipeline, graph)
	logger.Debug("Build: Node creation complete.", "node_count", len(graph.Nodes))

	// Second pass: link dependencies.
	if err := linkNodes(ctx, graph, r); err != nil {
		return nil, err
	}
	logger.Debug("Build: Node linking complete.")

	// Third pass: initialize counters.
	for _, node := range graph.Nodes {
		node.SetInitialCounters()
	}

	if err := graph.detectCycles(); err != nil {
		return nil, fmt.Errorf("error validating dependency graph: %w", err)
	}
	logger.Debug("Build: Graph construction successful.")
	return graph, nil
}

// validateTypes rejects pipelines that instantiate stage or connection types
// for which no manifest was loaded. Catching this before node creation lets a
// validate-only run report the problem without executing anything.
func validateTypes(pipeline *config.Pipeline, r *registry.Registry) error {
	for _, s := range pipeline.Stages {
		if _, ok := r.ConnectorDefs[s.StageType]; !ok {
			return fmt.Errorf("stage %q uses unknown stage type %q", s.Name, s.StageType)
		}
	}
	for _, c := range pipeline.Connections {
		if _, ok := r.ConnectionDefs[c.ConnType]; !ok {
			return fmt.Errorf("connection %q uses unknown connection type %q", c.Name, c.ConnType)
		}
	}
	return nil
}

// createNodes performs the first pass of graph creation.
func createNodes(ctx context.Context, pipeline *config.Pipeline, graph *Graph) {
	logger := ctxlog.FromContext(ctx)
	for _, s := range pipeline.Stages {
		id := StageNodeID(s.StageType, s.Name)
		if _, exists := graph.Nodes[id]; exists {
			logger.Warn("Duplicate stage definition found, it will be overwritten.", "id", id)
		}
		graph.Nodes[id] = &Node{
			ID:          id,
			Name:        s.Name,
			Type:        StageNode,
			StageConfig: s,
			Deps:        make(map[string]*Node),
			Dependents:  make(map[string]*Node),
		}
	}
	for _, c := range pipeline.Connections {
		id := ConnectionNodeID(c.ConnType, c.Name)
		if _, exists := graph.Nodes[id]; exists {
			logger.Warn("Duplicate connection definition found, it will be overwritten.", "id", id)
		}
		graph.Nodes[id] = &Node{
			ID:         id,
			Name:       c.Name,
			Type:       ConnectionNode,
			ConnConfig: c,
			Deps:       make(map[string]*Node),
			Dependents: make(map[string]*Node),
		}
	}
}

// StageNodeID returns the graph ID for a stage instance.
func StageNodeID(stageType, name string) string {
	return fmt.Sprintf("stage.%s.%s", stageType, name)
}

// ConnectionNodeID returns the graph ID for a connection instance.
func ConnectionNodeID(connType, name string) string {
	return fmt.Sprintf("connection.%s.%s", connType, name)
}
