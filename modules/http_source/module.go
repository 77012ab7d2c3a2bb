// Package http_source extracts records from a JSON HTTP endpoint.
package http_source

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/dataset"
	"github.com/vk/etlgrid/internal/registry"
	"github.com/vk/etlgrid/modules/http_pool"
	"github.com/zclconf/go-cty/cty"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the http_source stage.
type Input struct {
	Path    string            `hcl:"path"`
	Query   map[string]string `hcl:"query"`
	DataKey string            `hcl:"data_key"`
}

// OnRunHTTPSource is the handler for the 'http_source' stage's run event.
func OnRunHTTPSource(ctx context.Context, sc registry.StageContext, rawInput any) (*registry.Result, error) {
	input := rawInput.(*Input)
	logger := ctxlog.FromContext(ctx)

	conn, ok := sc.Connection("client")
	if !ok {
		return nil, fmt.Errorf("http client connection was not injected")
	}
	client, ok := conn.(*http_pool.Client)
	if !ok {
		return nil, fmt.Errorf("connection 'client' is not an http_pool, got %T", conn)
	}

	req := client.Resty.R().SetContext(ctx)
	if len(input.Query) > 0 {
		req.SetQueryParams(input.Query)
	}
	res, err := req.Get(input.Path)
	if err != nil {
		return nil, fmt.Errorf("request to '%s' failed: %w", input.Path, err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("request to '%s' returned status %d", input.Path, res.StatusCode())
	}

	rows, err := decodeRows(res.Bytes(), input.DataKey)
	if err != nil {
		return nil, fmt.Errorf("response from '%s': %w", input.Path, err)
	}

	batch := dataset.NewBatch(nil)
	seen := make(map[string]bool)
	for i, row := range rows {
		record := make(dataset.Record, len(row))
		for key, raw := range row {
			val, err := dataset.InterfaceToValue(raw)
			if err != nil {
				return nil, fmt.Errorf("row %d, key %q: %w", i+1, key, err)
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

	logger.Debug("HTTP extraction complete.", "path", input.Path, "rows", batch.Len(), "status", res.StatusCode())
	return &registry.Result{
		Batch: batch,
		Outputs: map[string]cty.Value{
			"status_code": cty.NumberIntVal(int64(res.StatusCode())),
		},
	}, nil
}

// decodeRows parses the response body as an array of objects, optionally
// nested under a top-level key.
func decodeRows(body []byte, dataKey string) ([]map[string]any, error) {
	if dataKey == "" {
		var rows []map[string]any
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("expected a JSON array of objects: %w", err)
		}
		return rows, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("expected a JSON object with key %q: %w", dataKey, err)
	}
	raw, ok := envelope[dataKey]
	if !ok {
		return nil, fmt.Errorf("key %q not present in response", dataKey)
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("key %q is not an array of objects: %w", dataKey, err)
	}
	return rows, nil
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterStage("OnRunHTTPSource", &registry.StageHandler{
		NewInput: func() any { return new(Input) },
		Fn:       OnRunHTTPSource,
	})
}
