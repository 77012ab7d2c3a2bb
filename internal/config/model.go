package config

import (
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// Model is the unified, format-agnostic representation of the entire
// application configuration: all connector manifests plus the pipeline.
type Model struct {
	Connectors  map[string]*ConnectorDefinition
	Connections map[string]*ConnectionDefinition
	Pipeline    *Pipeline
}

// Pipeline represents the user's ETL graph definition.
type Pipeline struct {
	Stages      []*Stage
	Connections []*Connection
}

// Stage is the format-agnostic representation of a `stage` block. Source
// carries the unevaluated upstream reference expression; the DAG builder
// turns its traversal into a dependency edge and the executor resolves it
// to the upstream batch at run time.
type Stage struct {
	StageType  string
	Name       string
	Source     hcl.Expression
	Arguments  map[string]hcl.Expression
	Uses       map[string]hcl.Expression
	DependsOn  []string
	Retries    int
	RetryDelay time.Duration
}

// Connection is the format-agnostic representation of a `connection` block,
// a stateful instance of a declared connection type.
type Connection struct {
	ConnType  string
	Name      string
	Arguments map[string]hcl.Expression
	DependsOn []string
}

// --- Connector manifest models ---

// ConnectorDefinition is the format-agnostic manifest of a stage type.
type ConnectorDefinition struct {
	Type        string
	Description string
	Lifecycle   *Lifecycle
	Inputs      map[string]*InputDefinition
	Outputs     map[string]*OutputDefinition
	Uses        map[string]*UsesDefinition
}

// ConnectionDefinition is the format-agnostic manifest of a connection type.
type ConnectionDefinition struct {
	Type        string
	Description string
	Lifecycle   *ConnectionLifecycle
	Inputs      map[string]*InputDefinition
}

// Lifecycle maps a stage's run event to a Go handler name.
type Lifecycle struct {
	OnRun string
}

// ConnectionLifecycle maps a connection's events to Go handler names.
type ConnectionLifecycle struct {
	Open  string
	Close string
}

// InputDefinition defines a single input argument for a stage or connection.
type InputDefinition struct {
	Name        string
	Type        cty.Type
	Description string
	Default     *cty.Value
	Optional    bool
}

// OutputDefinition defines a single summary output value from a stage.
type OutputDefinition struct {
	Name        string
	Type        cty.Type
	Description string
}

// UsesDefinition defines a connection dependency required by a stage.
type UsesDefinition struct {
	LocalName string
	ConnType  string
}
