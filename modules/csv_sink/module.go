// Package csv_sink writes a batch to a CSV file.
package csv_sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"

	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/fsutil"
	"github.com/vk/etlgrid/internal/registry"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the csv_sink stage.
type Input struct {
	Path      string   `hcl:"path"`
	Delimiter string   `hcl:"delimiter"`
	Header    bool     `hcl:"header"`
	Columns   []string `hcl:"columns"`
}

// OnRunCSVSink is the handler for the 'csv_sink' stage's run event.
func OnRunCSVSink(ctx context.Context, sc registry.StageContext, rawInput any) (*registry.Result, error) {
	input := rawInput.(*Input)
	logger := ctxlog.FromContext(ctx)

	source := sc.Source()
	if source == nil {
		return nil, fmt.Errorf("csv_sink stage requires a source")
	}
	if len(input.Delimiter) != 1 {
		return nil, fmt.Errorf("delimiter must be a single character, got %q", input.Delimiter)
	}

	columns := source.Columns
	if len(input.Columns) > 0 {
		for _, col := range input.Columns {
			if !source.HasColumn(col) {
				return nil, fmt.Errorf("column %q is missing from upstream batch %q", col, source.Source)
			}
		}
		columns = input.Columns
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	writer.Comma = rune(input.Delimiter[0])

	if input.Header {
		if err := writer.Write(columns); err != nil {
			return nil, fmt.Errorf("failed to encode header: %w", err)
		}
	}
	for i, record := range source.Records {
		row := make([]string, len(columns))
		for j, col := range columns {
			s, err := valueString(record.Value(col))
			if err != nil {
				return nil, fmt.Errorf("row %d, column %q: %w", i+1, col, err)
			}
			row[j] = s
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to encode row %d: %w", i+1, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to encode csv: %w", err)
	}

	if err := fsutil.WriteFileAtomic(input.Path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write '%s': %w", input.Path, err)
	}

	logger.Info("CSV written.", "path", input.Path, "rows", source.Len())
	return &registry.Result{
		Batch: source,
		Outputs: map[string]cty.Value{
			"path":         cty.StringVal(input.Path),
			"rows_written": cty.NumberIntVal(int64(source.Len())),
		},
	}, nil
}

func valueString(val cty.Value) (string, error) {
	if val == cty.NilVal || val.IsNull() {
		return "", nil
	}
	s, err := convert.Convert(val, cty.String)
	if err != nil {
		return "", err
	}
	return s.AsString(), nil
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterStage("OnRunCSVSink", &registry.StageHandler{
		NewInput: func() any { return new(Input) },
		Fn:       OnRunCSVSink,
	})
}
