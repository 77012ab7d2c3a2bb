package dag

import (
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// buildEvalContext exposes the summary outputs of a node's completed stage
// dependencies as `stage.<type>.<name>.output`. Only direct dependencies are
// included: implicit linking guarantees every referenced node is a dep.
func (e *Executor) buildEvalContext(node *Node) *hcl.EvalContext {
	byType := make(map[string]map[string]cty.Value)

	for _, dep := range node.Deps {
		if dep.Type != StageNode || dep.Output == cty.NilVal {
			continue
		}
		parts := strings.SplitN(dep.ID, ".", 3)
		if len(parts) != 3 {
			continue
		}
		stageType, name := parts[1], parts[2]
		if byType[stageType] == nil {
			byType[stageType] = make(map[string]cty.Value)
		}
		byType[stageType][name] = cty.ObjectVal(map[string]cty.Value{
			"output": dep.Output,
		})
	}

	variables := make(map[string]cty.Value)
	if len(byType) > 0 {
		outer := make(map[string]cty.Value, len(byType))
		for stageType, instances := range byType {
			outer[stageType] = cty.ObjectVal(instances)
		}
		variables["stage"] = cty.ObjectVal(outer)
	}

	return &hcl.EvalContext{Variables: variables}
}
