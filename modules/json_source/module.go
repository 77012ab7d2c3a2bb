// Package json_source extracts records from a JSON or JSON Lines file.
package json_source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/dataset"
	"github.com/vk/etlgrid/internal/registry"
	"github.com/zclconf/go-cty/cty"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the json_source stage.
type Input struct {
	Path         string `hcl:"path"`
	Format       string `hcl:"format"`
	AllowMissing bool   `hcl:"allow_missing"`
}

const scannerBufferSize = 16 * 1024 * 1024

// OnRunJSONSource is the handler for the 'json_source' stage's run event.
func OnRunJSONSource(ctx context.Context, _ registry.StageContext, rawInput any) (*registry.Result, error) {
	input := rawInput.(*Input)
	logger := ctxlog.FromContext(ctx)

	rows, err := readRows(input)
	if err != nil {
		if os.IsNotExist(err) && input.AllowMissing {
			logger.Warn("Source file missing, producing empty batch.", "path", input.Path)
			return &registry.Result{Batch: dataset.NewBatch(nil)}, nil
		}
		return nil, err
	}

	batch := dataset.NewBatch(nil)
	seen := make(map[string]bool)
	for i, row := range rows {
		record := make(dataset.Record, len(row))
		for key, raw := range row {
			val, err := dataset.InterfaceToValue(raw)
			if err != nil {
				return nil, fmt.Errorf("row %d of '%s', key %q: %w", i+1, input.Path, key, err)
			}
			record[key] = val
			if !seen[key] {
				seen[key] = true
				batch.Columns = append(batch.Columns, key)
			}
		}
		batch.Append(record)
	}
	sort.Strings(batch.Columns)

	logger.Debug("JSON extraction complete.", "path", input.Path, "rows", batch.Len())
	return &registry.Result{
		Batch: batch,
		Outputs: map[string]cty.Value{
			"path": cty.StringVal(input.Path),
		},
	}, nil
}

func readRows(input *Input) ([]map[string]any, error) {
	switch input.Format {
	case "array":
		data, err := os.ReadFile(input.Path)
		if err != nil {
			return nil, err
		}
		var rows []map[string]any
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("failed to parse '%s' as a JSON array of objects: %w", input.Path, err)
		}
		return rows, nil

	case "lines":
		f, err := os.Open(input.Path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		var rows []map[string]any
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), scannerBufferSize)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var row map[string]any
			if err := json.Unmarshal(line, &row); err != nil {
				return nil, fmt.Errorf("line %d of '%s' is not a JSON object: %w", lineNum, input.Path, err)
			}
			rows = append(rows, row)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan '%s': %w", input.Path, err)
		}
		return rows, nil

	default:
		return nil, fmt.Errorf("unsupported format %q, want 'array' or 'lines'", input.Format)
	}
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterStage("OnRunJSONSource", &registry.StageHandler{
		NewInput: func() any { return new(Input) },
		Fn:       OnRunJSONSource,
	})
}
