package dag

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/registry"
)

// linkNodes performs the second pass, establishing dependency links from
// explicit depends_on lists and from expression traversals (the `source`
// attribute, argument expressions, and uses references).
func linkNodes(ctx context.Context, graph *Graph, r *registry.Registry) error {
	for _, node := range graph.Nodes {
		var dependsOn []string
		var expressions []hcl.Expression

		if node.Type == StageNode {
			dependsOn = node.StageConfig.DependsOn
			if node.StageConfig.Source != nil {
				expressions = append(expressions, node.StageConfig.Source)
			}
			for _, expr := range node.StageConfig.Arguments {
				expressions = append(expressions, expr)
			}
			for _, expr := range node.StageConfig.Uses {
				expressions = append(expressions, expr)
			}
		} else {
			dependsOn = node.ConnConfig.DependsOn
			for _, expr := range node.ConnConfig.Arguments {
				expressions = append(expressions, expr)
			}
		}

		if err := linkExplicitDeps(ctx, node, dependsOn, graph); err != nil {
			return err
		}
		for _, expr := range expressions {
			if err := linkImplicitDeps(ctx, node, expr, graph, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// linkExplicitDeps resolves dependencies from a `depends_on` list. Entries
// name a stage or connection as "<type>.<instance>".
func linkExplicitDeps(ctx context.Context, node *Node, dependsOn []string, graph *Graph) error {
	logger := ctxlog.FromContext(ctx)
	for _, depAddr := range dependsOn {
		stageID := "stage." + depAddr
		connectionID := "connection." + depAddr

		var depNode *Node
		var found bool
		if depNode, found = graph.Nodes[stageID]; !found {
			if depNode, found = graph.Nodes[connectionID]; !found {
				return fmt.Errorf("node '%s' depends on non-existent identifier '%s'", node.ID, depAddr)
			}
		}
		if depNode.ID == node.ID {
			return fmt.Errorf("node '%s' cannot depend on itself", node.ID)
		}

		if _, exists := node.Deps[depNode.ID]; !exists {
			logger.Debug("Linking explicit dependency.", "from", node.ID, "to", depNode.ID)
			node.Deps[depNode.ID] = depNode
			depNode.Dependents[node.ID] = node
		}
	}
	return nil
}

// linkImplicitDeps parses an expression for variable traversals to create
// dependency links.
func linkImplicitDeps(ctx context.Context, node *Node, expr hcl.Expression, graph *Graph, r *registry.Registry) error {
	logger := ctxlog.FromContext(ctx)
	for _, traversal := range expr.Variables() {
		if len(traversal) < 3 {
			continue
		}
		rootName := traversal.RootName()
		if rootName != "stage" && rootName != "connection" {
			continue
		}
		typeAttr, typeOk := traversal[1].(hcl.TraverseAttr)
		nameAttr, nameOk := traversal[2].(hcl.TraverseAttr)
		if !typeOk || !nameOk {
			continue
		}
		depID := fmt.Sprintf("%s.%s.%s", rootName, typeAttr.Name, nameAttr.Name)
		depNode, ok := graph.Nodes[depID]
		if !ok {
			return fmt.Errorf("node '%s' references non-existent identifier '%s'", node.ID, depID)
		}
		if depID == node.ID {
			return fmt.Errorf("node '%s' cannot reference itself", node.ID)
		}

		// If referencing a summary output, validate it exists in the manifest.
		if len(traversal) > 3 {
			if outputAttr, isOutput := traversal[3].(hcl.TraverseAttr); isOutput && outputAttr.Name == "output" {
				if err := validateOutputReference(traversal, depNode, r); err != nil {
					return err
				}
			}
		}

		if _, exists := node.Deps[depID]; !exists {
			logger.Debug("Linking implicit dependency.", "from", node.ID, "to", depID)
			node.Deps[depID] = depNode
			depNode.Dependents[node.ID] = node
		}
	}
	return nil
}

// validateOutputReference checks that a reference to a stage's summary output
// names an output declared in its connector manifest (or the built-in `rows`).
func validateOutputReference(traversal hcl.Traversal, depNode *Node, r *registry.Registry) error {
	if depNode.Type != StageNode || len(traversal) < 5 {
		return nil
	}
	outputNameAttr, ok := traversal[4].(hcl.TraverseAttr)
	if !ok {
		return nil
	}
	outputName := outputNameAttr.Name
	if outputName == "rows" {
		return nil
	}

	def, ok := r.ConnectorDefs[depNode.StageConfig.StageType]
	if !ok {
		return fmt.Errorf("internal error: could not find manifest for stage type %s", depNode.StageConfig.StageType)
	}
	if _, ok := def.Outputs[outputName]; ok {
		return nil
	}
	return fmt.Errorf("reference to undeclared output %q on stage %q", outputName, depNode.ID)
}
