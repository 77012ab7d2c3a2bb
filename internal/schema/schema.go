// Package schema holds the gohcl block schemas for pipeline files and
// connector manifests.
package schema

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// --- Pipeline structures ---

// StageArgs represents the content of the 'arguments' block within a stage.
type StageArgs struct {
	Body hcl.Body `hcl:",remain"`
}

// UsesBlock represents the content of the 'uses' block within a stage.
type UsesBlock struct {
	Body hcl.Body `hcl:",remain"`
}

// Stage represents a `stage` block from a user's pipeline file. It is a
// runnable instance of a defined connector.
type Stage struct {
	StageType  string         `hcl:"stage_type,label"`
	Name       string         `hcl:"instance_name,label"`
	Source     hcl.Expression `hcl:"source,optional"`
	Retries    *int           `hcl:"retries,optional"`
	RetryDelay *string        `hcl:"retry_delay,optional"`
	Arguments  *StageArgs     `hcl:"arguments,block"`
	Uses       *UsesBlock     `hcl:"uses,block"`
	DependsOn  []string       `hcl:"depends_on,optional"`
}

// Connection represents a `connection` block from a user's pipeline file. It
// is a managed, stateful instance of a defined connection type.
type Connection struct {
	ConnType  string     `hcl:"connection_type,label"`
	Name      string     `hcl:"instance_name,label"`
	Arguments *StageArgs `hcl:"arguments,block"`
	DependsOn []string   `hcl:"depends_on,optional"`
}

// --- Connector manifest schemas ---

// Lifecycle defines the mapping from a connector's run event to a registered
// Go handler function.
type Lifecycle struct {
	OnRun string `hcl:"on_run,optional"`
}

// ConnectionLifecycle defines the mapping from a connection's lifecycle
// events (open, close) to registered Go handler functions.
type ConnectionLifecycle struct {
	Open  string `hcl:"open"`
	Close string `hcl:"close"`
}

// InputDefinition defines a single input variable for a connector or
// connection type.
type InputDefinition struct {
	Name        string         `hcl:"name,label"`
	Type        hcl.Expression `hcl:"type"`
	Description string         `hcl:"description,optional"`
	Default     *cty.Value     `hcl:"default,optional"`
}

// OutputDefinition defines a single summary output value produced by a stage.
type OutputDefinition struct {
	Name        string         `hcl:"name,label"`
	Type        hcl.Expression `hcl:"type"`
	Description string         `hcl:"description,optional"`
}

// UsesDefinition defines a connection dependency required by a connector.
type UsesDefinition struct {
	LocalName string `hcl:"local_name,label"`
	ConnType  string `hcl:"connection_type"`
}

// ConnectorDefinition represents the HCL manifest for a runnable stage type.
type ConnectorDefinition struct {
	Type        string              `hcl:"type,label"`
	Description string              `hcl:"description,optional"`
	Lifecycle   *Lifecycle          `hcl:"lifecycle,block"`
	Inputs      []*InputDefinition  `hcl:"input,block"`
	Outputs     []*OutputDefinition `hcl:"output,block"`
	Uses        []*UsesDefinition   `hcl:"uses,block"`
}

// ConnectionDefinition represents the HCL manifest for a stateful connection
// type.
type ConnectionDefinition struct {
	Type        string               `hcl:"type,label"`
	Description string               `hcl:"description,optional"`
	Lifecycle   *ConnectionLifecycle `hcl:"lifecycle,block"`
	Inputs      []*InputDefinition   `hcl:"input,block"`
}

// FileConfig represents the top-level structure of any etlgrid HCL file.
// Pipeline blocks and connector manifests may live in the same file or in
// separate trees; the loader merges everything it finds.
type FileConfig struct {
	Stages          []*Stage                `hcl:"stage,block"`
	Connections     []*Connection           `hcl:"connection,block"`
	Connectors      []*ConnectorDefinition  `hcl:"connector,block"`
	ConnectionTypes []*ConnectionDefinition `hcl:"connection_type,block"`
	Body            hcl.Body                `hcl:",remain"`
}
