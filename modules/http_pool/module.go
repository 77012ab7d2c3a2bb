// Package http_pool provides a shared HTTP client connection.
package http_pool

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/registry"
	"resty.dev/v3"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the http_pool connection.
type Input struct {
	BaseURL string            `hcl:"base_url"`
	Timeout string            `hcl:"timeout"`
	Headers map[string]string `hcl:"headers"`
}

// Client wraps the shared resty client handed to stages.
type Client struct {
	Resty *resty.Client
}

// OpenHTTPPool is the handler for the 'http_pool' connection's open event.
func OpenHTTPPool(ctx context.Context, rawInput any) (any, error) {
	input := rawInput.(*Input)
	logger := ctxlog.FromContext(ctx)

	timeout, err := time.ParseDuration(input.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout %q: %w", input.Timeout, err)
	}

	client := resty.New().
		SetBaseURL(input.BaseURL).
		SetTimeout(timeout)
	for k, v := range input.Headers {
		client.SetHeader(k, v)
	}

	logger.Debug("HTTP pool opened.", "base_url", input.BaseURL, "timeout", timeout)
	return &Client{Resty: client}, nil
}

// CloseHTTPPool is the handler for the 'http_pool' connection's close event.
func CloseHTTPPool(instance any) error {
	client := instance.(*Client)
	return client.Resty.Close()
}

// Register registers the handlers with the engine.
func (m *Module) Register(r *registry.Registry) {
	handler := &registry.ConnectionHandler{
		NewInput: func() any { return new(Input) },
		Open:     OpenHTTPPool,
		Close:    CloseHTTPPool,
	}
	r.RegisterConnection("OpenHTTPPool", handler)
	r.RegisterConnection("CloseHTTPPool", handler)
}
