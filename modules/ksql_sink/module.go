// Package ksql_sink publishes batch records to a ksqlDB stream.
package ksql_sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gulfstream-h/ksql/kinds"
	"github.com/gulfstream-h/ksql/ksql"
	"github.com/gulfstream-h/ksql/shared"
	"github.com/gulfstream-h/ksql/streams"
	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/dataset"
	"github.com/vk/etlgrid/internal/registry"
	"github.com/vk/etlgrid/modules/ksql_cluster"
	"github.com/zclconf/go-cty/cty"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the ksql_sink stage.
type Input struct {
	Stream          string `hcl:"stream"`
	SourceTopic     string `hcl:"source_topic"`
	Partitions      int    `hcl:"partitions"`
	CreateIfMissing bool   `hcl:"create_if_missing"`
	KeyColumn       string `hcl:"key_column"`
}

// RecordEvent is the stream schema: a record key plus the full row as a
// JSON document.
type RecordEvent struct {
	Key     string `ksql:"KEY"`
	Payload string `ksql:"PAYLOAD"`
}

// OnRunKSQLSink is the handler for the 'ksql_sink' stage's run event.
func OnRunKSQLSink(ctx context.Context, sc registry.StageContext, rawInput any) (*registry.Result, error) {
	input := rawInput.(*Input)
	logger := ctxlog.FromContext(ctx)

	source := sc.Source()
	if source == nil {
		return nil, fmt.Errorf("ksql_sink stage requires a source")
	}
	conn, ok := sc.Connection("cluster")
	if !ok {
		return nil, fmt.Errorf("ksql cluster connection was not injected")
	}
	cluster, ok := conn.(*ksql_cluster.Cluster)
	if !ok {
		return nil, fmt.Errorf("connection 'cluster' is not a ksql_cluster, got %T", conn)
	}
	if input.KeyColumn != "" && !source.HasColumn(input.KeyColumn) {
		return nil, fmt.Errorf("key_column %q is missing from upstream batch %q", input.KeyColumn, source.Source)
	}

	stream, err := openStream(ctx, input)
	if err != nil {
		return nil, err
	}

	for i, record := range source.Records {
		row := make(map[string]any, len(source.Columns))
		for _, col := range source.Columns {
			v, err := dataset.ValueToInterface(record.Value(col))
			if err != nil {
				return nil, fmt.Errorf("row %d, column %q: %w", i+1, col, err)
			}
			row[col] = v
		}
		payload, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}

		key := fmt.Sprintf("%s-%d", source.Source, i)
		if input.KeyColumn != "" {
			if s, ok := row[input.KeyColumn].(string); ok {
				key = s
			} else {
				key = fmt.Sprint(row[input.KeyColumn])
			}
		}

		if err := stream.InsertRow(ctx, ksql.Row{
			"KEY":     key,
			"PAYLOAD": string(payload),
		}); err != nil {
			return nil, fmt.Errorf("failed to insert row %d into stream '%s': %w", i+1, input.Stream, err)
		}
	}

	logger.Info("Stream publish complete.", "url", cluster.URL, "stream", input.Stream, "rows", source.Len())
	return &registry.Result{
		Batch: source,
		Outputs: map[string]cty.Value{
			"stream":       cty.StringVal(input.Stream),
			"rows_written": cty.NumberIntVal(int64(source.Len())),
		},
	}, nil
}

func openStream(ctx context.Context, input *Input) (*streams.Stream[RecordEvent], error) {
	if input.CreateIfMissing {
		stream, err := streams.CreateStream[RecordEvent](ctx, input.Stream, shared.StreamSettings{
			Name:        input.Stream,
			SourceTopic: input.SourceTopic,
			Partitions:  input.Partitions,
			ValueFormat: kinds.JSON,
		})
		if err == nil {
			return stream, nil
		}
		// Streams survive across runs, so racing a prior create is fine.
		if !strings.Contains(err.Error(), "exists") {
			return nil, fmt.Errorf("failed to create stream '%s': %w", input.Stream, err)
		}
	}
	stream, err := streams.GetStream[RecordEvent](ctx, input.Stream)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream '%s': %w", input.Stream, err)
	}
	return stream, nil
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterStage("OnRunKSQLSink", &registry.StageHandler{
		NewInput: func() any { return new(Input) },
		Fn:       OnRunKSQLSink,
	})
}
