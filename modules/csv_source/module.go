// Package csv_source extracts records from a CSV file.
package csv_source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/dataset"
	"github.com/vk/etlgrid/internal/registry"
	"github.com/zclconf/go-cty/cty"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the csv_source stage.
type Input struct {
	Path         string            `hcl:"path"`
	Delimiter    string            `hcl:"delimiter"`
	HasHeader    bool              `hcl:"has_header"`
	AllowMissing bool              `hcl:"allow_missing"`
	Types        map[string]string `hcl:"types"`
}

// OnRunCSVSource is the handler for the 'csv_source' stage's run event.
func OnRunCSVSource(ctx context.Context, _ registry.StageContext, rawInput any) (*registry.Result, error) {
	input := rawInput.(*Input)
	logger := ctxlog.FromContext(ctx)

	if len(input.Delimiter) != 1 {
		return nil, fmt.Errorf("delimiter must be a single character, got %q", input.Delimiter)
	}

	f, err := os.Open(input.Path)
	if err != nil {
		if os.IsNotExist(err) && input.AllowMissing {
			logger.Warn("Source file missing, producing empty batch.", "path", input.Path)
			return &registry.Result{Batch: dataset.NewBatch(nil)}, nil
		}
		return nil, fmt.Errorf("failed to open source file '%s': %w", input.Path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = rune(input.Delimiter[0])
	reader.TrimLeadingSpace = true

	var columns []string
	if input.HasHeader {
		header, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return &registry.Result{Batch: dataset.NewBatch(nil)}, nil
			}
			return nil, fmt.Errorf("failed to read header of '%s': %w", input.Path, err)
		}
		columns = header
	}

	batch := dataset.NewBatch(columns)
	rowNum := 0
	for {
		row, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to read '%s': %w", input.Path, err)
		}
		rowNum++

		if columns == nil {
			// Headerless files get positional column names.
			columns = make([]string, len(row))
			for i := range row {
				columns[i] = fmt.Sprintf("col_%d", i)
			}
			batch.Columns = columns
		}
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d of '%s' has %d fields, want %d", rowNum, input.Path, len(row), len(columns))
		}

		record := make(dataset.Record, len(columns))
		for i, col := range columns {
			val, err := dataset.CoerceString(row[i], input.Types[col])
			if err != nil {
				return nil, fmt.Errorf("row %d of '%s', column %q: %w", rowNum, input.Path, col, err)
			}
			record[col] = val
		}
		batch.Append(record)
	}

	logger.Debug("CSV extraction complete.", "path", input.Path, "rows", batch.Len())
	return &registry.Result{
		Batch: batch,
		Outputs: map[string]cty.Value{
			"path": cty.StringVal(input.Path),
		},
	}, nil
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterStage("OnRunCSVSource", &registry.StageHandler{
		NewInput: func() any { return new(Input) },
		Fn:       OnRunCSVSource,
	})
}
