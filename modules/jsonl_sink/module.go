// Package jsonl_sink writes a batch to a JSON Lines file.
package jsonl_sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/dataset"
	"github.com/vk/etlgrid/internal/fsutil"
	"github.com/vk/etlgrid/internal/registry"
	"github.com/zclconf/go-cty/cty"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the jsonl_sink stage.
type Input struct {
	Path string `hcl:"path"`
}

// OnRunJSONLSink is the handler for the 'jsonl_sink' stage's run event.
func OnRunJSONLSink(ctx context.Context, sc registry.StageContext, rawInput any) (*registry.Result, error) {
	input := rawInput.(*Input)
	logger := ctxlog.FromContext(ctx)

	source := sc.Source()
	if source == nil {
		return nil, fmt.Errorf("jsonl_sink stage requires a source")
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for i, record := range source.Records {
		row := make(map[string]any, len(source.Columns))
		for _, col := range source.Columns {
			v, err := dataset.ValueToInterface(record.Value(col))
			if err != nil {
				return nil, fmt.Errorf("row %d, column %q: %w", i+1, col, err)
			}
			row[col] = v
		}
		if err := encoder.Encode(row); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
	}

	if err := fsutil.WriteFileAtomic(input.Path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write '%s': %w", input.Path, err)
	}

	logger.Info("JSONL written.", "path", input.Path, "rows", source.Len())
	return &registry.Result{
		Batch: source,
		Outputs: map[string]cty.Value{
			"path":         cty.StringVal(input.Path),
			"rows_written": cty.NumberIntVal(int64(source.Len())),
		},
	}, nil
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterStage("OnRunJSONLSink", &registry.StageHandler{
		NewInput: func() any { return new(Input) },
		Fn:       OnRunJSONLSink,
	})
}
