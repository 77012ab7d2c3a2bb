// Package s3_sink uploads a batch to object storage via a presigned URL.
package s3_sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"

	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/dataset"
	"github.com/vk/etlgrid/internal/registry"
	"github.com/vk/etlgrid/modules/http_pool"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the s3_sink stage.
type Input struct {
	URL    string `hcl:"url"`
	Format string `hcl:"format"`
}

// OnRunS3Sink is the handler for the 's3_sink' stage's run event.
func OnRunS3Sink(ctx context.Context, sc registry.StageContext, rawInput any) (*registry.Result, error) {
	input := rawInput.(*Input)
	logger := ctxlog.FromContext(ctx)

	source := sc.Source()
	if source == nil {
		return nil, fmt.Errorf("s3_sink stage requires a source")
	}
	conn, ok := sc.Connection("client")
	if !ok {
		return nil, fmt.Errorf("http client connection was not injected")
	}
	client, ok := conn.(*http_pool.Client)
	if !ok {
		return nil, fmt.Errorf("connection 'client' is not an http_pool, got %T", conn)
	}

	body, contentType, err := encodeBatch(source, input.Format)
	if err != nil {
		return nil, err
	}

	res, err := client.Resty.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(body).
		Put(input.URL)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("upload returned status %d", res.StatusCode())
	}

	logger.Info("Object uploaded.", "rows", source.Len(), "bytes", len(body), "status", res.StatusCode())
	return &registry.Result{
		Batch: source,
		Outputs: map[string]cty.Value{
			"rows_written":  cty.NumberIntVal(int64(source.Len())),
			"bytes_written": cty.NumberIntVal(int64(len(body))),
		},
	}, nil
}

func encodeBatch(batch *dataset.Batch, format string) ([]byte, string, error) {
	switch format {
	case "jsonl":
		var buf bytes.Buffer
		encoder := json.NewEncoder(&buf)
		for i, record := range batch.Records {
			row := make(map[string]any, len(batch.Columns))
			for _, col := range batch.Columns {
				v, err := dataset.ValueToInterface(record.Value(col))
				if err != nil {
					return nil, "", fmt.Errorf("row %d, column %q: %w", i+1, col, err)
				}
				row[col] = v
			}
			if err := encoder.Encode(row); err != nil {
				return nil, "", fmt.Errorf("row %d: %w", i+1, err)
			}
		}
		return buf.Bytes(), "application/x-ndjson", nil

	case "csv":
		var buf bytes.Buffer
		writer := csv.NewWriter(&buf)
		if err := writer.Write(batch.Columns); err != nil {
			return nil, "", fmt.Errorf("failed to encode header: %w", err)
		}
		for i, record := range batch.Records {
			row := make([]string, len(batch.Columns))
			for j, col := range batch.Columns {
				val := record.Value(col)
				if val.IsNull() {
					continue
				}
				s, err := convert.Convert(val, cty.String)
				if err != nil {
					return nil, "", fmt.Errorf("row %d, column %q: %w", i+1, col, err)
				}
				row[j] = s.AsString()
			}
			if err := writer.Write(row); err != nil {
				return nil, "", fmt.Errorf("failed to encode row %d: %w", i+1, err)
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return nil, "", fmt.Errorf("failed to encode csv: %w", err)
		}
		return buf.Bytes(), "text/csv", nil

	default:
		return nil, "", fmt.Errorf("unsupported format %q, want 'jsonl' or 'csv'", format)
	}
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterStage("OnRunS3Sink", &registry.StageHandler{
		NewInput: func() any { return new(Input) },
		Fn:       OnRunS3Sink,
	})
}
