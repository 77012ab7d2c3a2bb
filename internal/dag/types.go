package dag

import (
	"sync"
	"sync/atomic"

	"github.com/vk/etlgrid/internal/config"
	"github.com/zclconf/go-cty/cty"
)

// NodeType distinguishes stage nodes from connection nodes.
type NodeType int

const (
	// StageNode is a stateless run-once unit of ETL work.
	StageNode NodeType = iota
	// ConnectionNode is a stateful object with open/close lifecycle.
	ConnectionNode
)

// NodeState tracks a node through execution.
type NodeState int32

const (
	Pending NodeState = iota
	Running
	Done
	Failed
)

// Node represents a single vertex in the execution graph.
type Node struct {
	// ID is the unique identifier, e.g. "stage.csv_source.orders".
	ID   string
	Name string
	Type NodeType

	// Exactly one of these is set, matching Type.
	StageConfig *config.Stage
	ConnConfig  *config.Connection

	// Deps holds the nodes this node depends on (predecessors).
	Deps map[string]*Node
	// Dependents holds the nodes that depend on this node (successors).
	Dependents map[string]*Node

	// State holds a NodeState value, accessed atomically by workers.
	State atomic.Int32
	// Error is set once, by the worker that failed or skipped the node.
	Error error
	// Output is the stage's summary object (row counts plus declared
	// outputs), exposed to downstream expressions. NilVal until Done.
	Output cty.Value

	depCount atomic.Int32
	skipOnce sync.Once
}

// SetInitialCounters seeds the remaining-dependency counter. Must be called
// once after linking and before execution.
func (n *Node) SetInitialCounters() {
	n.depCount.Store(int32(len(n.Deps)))
}

// Graph is the complete, validated dependency graph of a pipeline.
type Graph struct {
	Nodes map[string]*Node
}
