// Package ksql_cluster provides a shared ksqlDB cluster connection.
package ksql_cluster

import (
	"context"
	"fmt"

	"github.com/gulfstream-h/ksql/config"
	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the ksql_cluster connection.
type Input struct {
	URL            string `hcl:"url"`
	TimeoutSeconds int    `hcl:"timeout_seconds"`
	Reflection     bool   `hcl:"reflection"`
}

// Cluster marks a configured ksqlDB client. The underlying library keeps the
// client global, so the instance only carries the URL for logging.
type Cluster struct {
	URL string
}

// OpenKSQLCluster is the handler for the 'ksql_cluster' connection's open
// event.
func OpenKSQLCluster(ctx context.Context, rawInput any) (any, error) {
	input := rawInput.(*Input)
	logger := ctxlog.FromContext(ctx)

	cfg := config.New(input.URL, int64(input.TimeoutSeconds), input.Reflection)
	if err := cfg.Configure(ctx); err != nil {
		return nil, fmt.Errorf("failed to configure ksql client for '%s': %w", input.URL, err)
	}

	logger.Info("ksqlDB cluster connected.", "url", input.URL)
	return &Cluster{URL: input.URL}, nil
}

// CloseKSQLCluster is the handler for the 'ksql_cluster' connection's close
// event. The library holds no per-connection resources to release.
func CloseKSQLCluster(any) error {
	return nil
}

// Register registers the handlers with the engine.
func (m *Module) Register(r *registry.Registry) {
	handler := &registry.ConnectionHandler{
		NewInput: func() any { return new(Input) },
		Open:     OpenKSQLCluster,
		Close:    CloseKSQLCluster,
	}
	r.RegisterConnection("OpenKSQLCluster", handler)
	r.RegisterConnection("CloseKSQLCluster", handler)
}
