// Package transform reshapes batches with per-row HCL expressions.
package transform

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/dataset"
	"github.com/vk/etlgrid/internal/registry"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the transform stage. Operations apply in
// a fixed order: rename, drop, computed, filter, distinct_on.
type Input struct {
	Rename     map[string]string `hcl:"rename"`
	Drop       []string          `hcl:"drop"`
	Computed   map[string]string `hcl:"computed"`
	Filter     string            `hcl:"filter"`
	DistinctOn []string          `hcl:"distinct_on"`
}

// OnRunTransform is the handler for the 'transform' stage's run event.
func OnRunTransform(ctx context.Context, sc registry.StageContext, rawInput any) (*registry.Result, error) {
	input := rawInput.(*Input)
	logger := ctxlog.FromContext(ctx)

	source := sc.Source()
	if source == nil {
		return nil, fmt.Errorf("transform stage requires a source")
	}

	computed, err := parseComputed(input.Computed)
	if err != nil {
		return nil, err
	}
	var filter hclsyntax.Expression
	if input.Filter != "" {
		filter, err = parseExpression(input.Filter, "filter")
		if err != nil {
			return nil, err
		}
	}

	columns, err := transformColumns(source.Columns, input, computed)
	if err != nil {
		return nil, err
	}

	out := dataset.NewBatch(columns)
	seen := make(map[string]bool)
	filtered := 0
	for i, record := range source.Records {
		row, err := transformRecord(record, input, computed)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}

		if filter != nil {
			keep, err := evalFilter(filter, row)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i+1, err)
			}
			if !keep {
				filtered++
				continue
			}
		}

		if len(input.DistinctOn) > 0 {
			key := distinctKey(row, input.DistinctOn)
			if seen[key] {
				filtered++
				continue
			}
			seen[key] = true
		}

		out.Append(row)
	}

	logger.Info("Transform complete.", "rows", out.Len(), "filtered", filtered)
	return &registry.Result{
		Batch: out,
		Outputs: map[string]cty.Value{
			"filtered": cty.NumberIntVal(int64(filtered)),
		},
	}, nil
}

type computedColumn struct {
	name string
	expr hclsyntax.Expression
}

func parseComputed(exprs map[string]string) ([]computedColumn, error) {
	names := make([]string, 0, len(exprs))
	for name := range exprs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]computedColumn, 0, len(names))
	for _, name := range names {
		expr, err := parseExpression(exprs[name], fmt.Sprintf("computed.%s", name))
		if err != nil {
			return nil, err
		}
		out = append(out, computedColumn{name: name, expr: expr})
	}
	return out, nil
}

func parseExpression(src, label string) (hclsyntax.Expression, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), label, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid expression for %s: %s", label, diags.Error())
	}
	return expr, nil
}

func transformColumns(columns []string, input *Input, computed []computedColumn) ([]string, error) {
	dropped := make(map[string]bool, len(input.Drop))
	for _, col := range input.Drop {
		dropped[col] = true
	}

	var out []string
	present := make(map[string]bool)
	for _, col := range columns {
		if renamed, ok := input.Rename[col]; ok {
			col = renamed
		}
		if dropped[col] {
			continue
		}
		if present[col] {
			return nil, fmt.Errorf("rename produces duplicate column %q", col)
		}
		present[col] = true
		out = append(out, col)
	}
	for _, cc := range computed {
		if !present[cc.name] {
			present[cc.name] = true
			out = append(out, cc.name)
		}
	}
	return out, nil
}

func transformRecord(record dataset.Record, input *Input, computed []computedColumn) (dataset.Record, error) {
	row := make(dataset.Record, len(record))
	for col, val := range record {
		if renamed, ok := input.Rename[col]; ok {
			col = renamed
		}
		row[col] = val
	}
	for _, col := range input.Drop {
		delete(row, col)
	}

	for _, cc := range computed {
		val, diags := cc.expr.Value(rowEvalContext(row))
		if diags.HasErrors() {
			return nil, fmt.Errorf("computed column %q: %s", cc.name, diags.Error())
		}
		row[cc.name] = val
	}
	return row, nil
}

func evalFilter(filter hclsyntax.Expression, row dataset.Record) (bool, error) {
	val, diags := filter.Value(rowEvalContext(row))
	if diags.HasErrors() {
		return false, fmt.Errorf("filter: %s", diags.Error())
	}
	boolVal, err := convert.Convert(val, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("filter did not produce a boolean: %w", err)
	}
	if boolVal.IsNull() {
		return false, nil
	}
	return boolVal.True(), nil
}

func rowEvalContext(row dataset.Record) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"row": row.Object(),
		},
	}
}

func distinctKey(row dataset.Record, columns []string) string {
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = row.Value(col).GoString()
	}
	return strings.Join(parts, "\x1f")
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterStage("OnRunTransform", &registry.StageHandler{
		NewInput: func() any { return new(Input) },
		Fn:       OnRunTransform,
	})
}
