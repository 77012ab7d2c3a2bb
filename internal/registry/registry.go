package registry

import (
	"github.com/vk/etlgrid/internal/config"
)

// Module is the interface that all connector modules implement to be registered.
type Module interface {
	Register(r *Registry)
}

// Registry holds all the registered handlers and definitions for a single
// application instance.
type Registry struct {
	StageHandlers      map[string]*StageHandler
	ConnectionHandlers map[string]*ConnectionHandler
	ConnectorDefs      map[string]*config.ConnectorDefinition
	ConnectionDefs     map[string]*config.ConnectionDefinition
}

// New creates and initializes a new Registry instance.
func New() *Registry {
	return &Registry{
		StageHandlers:      make(map[string]*StageHandler),
		ConnectionHandlers: make(map[string]*ConnectionHandler),
		ConnectorDefs:      make(map[string]*config.ConnectorDefinition),
		ConnectionDefs:     make(map[string]*config.ConnectionDefinition),
	}
}

// PopulateDefinitionsFromModel copies the loaded manifest definitions from
// the config model into the registry for easy access during execution.
func (r *Registry) PopulateDefinitionsFromModel(model *config.Model) {
	for key, val := range model.Connectors {
		r.ConnectorDefs[key] = val
	}
	for key, val := range model.Connections {
		r.ConnectionDefs[key] = val
	}
}
