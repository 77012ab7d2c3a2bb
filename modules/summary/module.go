// Package summary logs per-column statistics for a batch.
package summary

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/registry"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the summary stage.
type Input struct {
	Title       string `hcl:"title"`
	CountBy     string `hcl:"count_by"`
	TotalColumn string `hcl:"total_column"`
}

// OnRunSummary is the handler for the 'summary' stage's run event.
func OnRunSummary(ctx context.Context, sc registry.StageContext, rawInput any) (*registry.Result, error) {
	input := rawInput.(*Input)
	logger := ctxlog.FromContext(ctx)
	if input.Title != "" {
		logger = logger.With("title", input.Title)
	}

	source := sc.Source()
	if source == nil {
		return nil, fmt.Errorf("summary stage requires a source")
	}
	if input.CountBy != "" && !source.HasColumn(input.CountBy) {
		return nil, fmt.Errorf("count_by column %q is missing from upstream batch %q", input.CountBy, source.Source)
	}
	if input.TotalColumn != "" && !source.HasColumn(input.TotalColumn) {
		return nil, fmt.Errorf("total_column %q is missing from upstream batch %q", input.TotalColumn, source.Source)
	}

	logger.Info("Batch summary.", "source", source.Source, "rows", source.Len(), "columns", len(source.Columns))
	for _, col := range source.Columns {
		nulls := 0
		numbers := 0
		for _, record := range source.Records {
			val := record.Value(col)
			if val.IsNull() {
				nulls++
				continue
			}
			if val.Type() == cty.Number {
				numbers++
			}
		}
		logger.Info("Column summary.", "column", col, "nulls", nulls, "numeric", numbers)
	}

	countsVal := cty.MapValEmpty(cty.Number)
	if input.CountBy != "" {
		counts := make(map[string]int)
		for _, record := range source.Records {
			val := record.Value(input.CountBy)
			if val.IsNull() {
				counts["<null>"]++
				continue
			}
			s, err := convert.Convert(val, cty.String)
			if err != nil {
				return nil, fmt.Errorf("count_by column %q: %w", input.CountBy, err)
			}
			counts[s.AsString()]++
		}
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		countsMap := make(map[string]cty.Value, len(counts))
		for _, k := range keys {
			logger.Info("Group count.", "column", input.CountBy, "value", k, "rows", counts[k])
			countsMap[k] = cty.NumberIntVal(int64(counts[k]))
		}
		if len(countsMap) > 0 {
			countsVal = cty.MapVal(countsMap)
		}
	}

	total := big.NewFloat(0)
	if input.TotalColumn != "" {
		for i, record := range source.Records {
			val := record.Value(input.TotalColumn)
			if val.IsNull() {
				continue
			}
			num, err := convert.Convert(val, cty.Number)
			if err != nil {
				return nil, fmt.Errorf("row %d, total_column %q: %w", i+1, input.TotalColumn, err)
			}
			total.Add(total, num.AsBigFloat())
		}
		logger.Info("Column total.", "column", input.TotalColumn, "total", total.String())
	}

	return &registry.Result{
		Batch: source,
		Outputs: map[string]cty.Value{
			"row_count":    cty.NumberIntVal(int64(source.Len())),
			"column_count": cty.NumberIntVal(int64(len(source.Columns))),
			"total":        cty.NumberVal(total),
			"counts":       countsVal,
		},
	}, nil
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterStage("OnRunSummary", &registry.StageHandler{
		NewInput: func() any { return new(Input) },
		Fn:       OnRunSummary,
	})
}
