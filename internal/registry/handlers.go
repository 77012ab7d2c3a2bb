package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vk/etlgrid/internal/dataset"
	"github.com/zclconf/go-cty/cty"
)

// StageContext gives a stage handler access to its resolved inputs: the
// upstream batch and any connections declared in the stage's uses block.
type StageContext interface {
	// Source returns the batch produced by the stage referenced in the
	// `source` attribute, or nil when the stage has none.
	Source() *dataset.Batch
	// Connection returns the opened connection object registered under the
	// given local name from the stage's uses block.
	Connection(localName string) (any, bool)
}

// Result is what a stage handler produces: the batch it passes downstream
// and named summary outputs exposed to later stages' expressions.
type Result struct {
	Batch   *dataset.Batch
	Outputs map[string]cty.Value
}

// StageHandler holds the compiled Go parts of a stage type's run lifecycle.
type StageHandler struct {
	NewInput func() any
	Fn       func(ctx context.Context, sc StageContext, input any) (*Result, error)
}

// RegisterStage registers a Go function for a stage type's run event.
func (r *Registry) RegisterStage(name string, handler *StageHandler) {
	if _, exists := r.StageHandlers[name]; exists {
		panic(fmt.Sprintf("stage handler with name '%s' already registered", name))
	}
	slog.Debug("Registering stage handler.", "name", name)
	r.StageHandlers[name] = handler
}

// ConnectionHandler holds the Go functions for a connection type's lifecycle.
type ConnectionHandler struct {
	NewInput func() any
	Open     func(ctx context.Context, input any) (any, error)
	Close    func(obj any) error
}

// RegisterConnection registers Go functions for a connection type's
// lifecycle events.
func (r *Registry) RegisterConnection(name string, handler *ConnectionHandler) {
	if _, exists := r.ConnectionHandlers[name]; exists {
		panic(fmt.Sprintf("connection handler with name '%s' already registered", name))
	}
	slog.Debug("Registering connection handler.", "name", name)
	r.ConnectionHandlers[name] = handler
}
