package dag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vk/etlgrid/internal/config"
	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/dataset"
	"github.com/vk/etlgrid/internal/registry"
	"github.com/vk/etlgrid/internal/state"
	"github.com/zclconf/go-cty/cty"
)

// Executor runs a built graph with a pool of workers.
type Executor struct {
	Graph      *Graph
	numWorkers int
	registry   *registry.Registry
	converter  config.Converter

	// batches holds each completed stage node's output batch, keyed by node ID.
	batches sync.Map
	// connections holds each opened connection object, keyed by node ID.
	connections sync.Map

	cleanupMu    sync.Mutex
	cleanupStack []func(ctx context.Context)

	// store, when set, checkpoints every completed stage under runID.
	store *state.Store
	runID string

	wg sync.WaitGroup
}

// New creates an executor for the given graph.
func New(graph *Graph, numWorkers int, r *registry.Registry, converter config.Converter) *Executor {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Executor{
		Graph:      graph,
		numWorkers: numWorkers,
		registry:   r,
		converter:  converter,
	}
}

// EnableCheckpoints makes the executor spill every completed stage's batch
// and record a checkpoint under the given run.
func (e *Executor) EnableCheckpoints(store *state.Store, runID string) {
	e.store = store
	e.runID = runID
}

// Restore marks a node as already completed with the given batch and summary
// outputs, so it will not re-execute. Must be called before Run.
func (e *Executor) Restore(nodeID string, batch *dataset.Batch, outputs map[string]cty.Value) error {
	node, ok := e.Graph.Nodes[nodeID]
	if !ok {
		return fmt.Errorf("cannot restore unknown node '%s'", nodeID)
	}
	if node.Type != StageNode {
		return fmt.Errorf("cannot restore non-stage node '%s'", nodeID)
	}
	rows := 0
	if batch != nil {
		rows = batch.Len()
		e.batches.Store(nodeID, batch)
	}
	node.Output = summaryValue(rows, outputs)
	node.State.Store(int32(Done))
	for _, dependent := range node.Dependents {
		dependent.depCount.Add(-1)
	}
	return nil
}

// Batch returns the output batch of a completed stage node.
func (e *Executor) Batch(nodeID string) (*dataset.Batch, bool) {
	v, ok := e.batches.Load(nodeID)
	if !ok {
		return nil, false
	}
	return v.(*dataset.Batch), true
}

// Run executes the entire graph concurrently and returns an error if any node
// fails. It respects the cancellation signal from the provided context.
func (e *Executor) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	defer e.executeCleanupStack(ctx)

	readyChan := make(chan *Node, len(e.Graph.Nodes))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Debug("Initializing executor, finding ready nodes...")
	pendingCount := 0
	for _, node := range e.Graph.Nodes {
		if NodeState(node.State.Load()) != Pending {
			continue
		}
		pendingCount++
		if node.depCount.Load() == 0 {
			logger.Debug("Found ready node.", "nodeID", node.ID)
			readyChan <- node
		}
	}
	if pendingCount == 0 {
		logger.Info("All nodes already completed, nothing to execute.")
		return nil
	}

	e.wg.Add(pendingCount)

	logger.Debug("Starting worker pool.", "workers", e.numWorkers)
	for i := 0; i < e.numWorkers; i++ {
		go e.worker(runCtx, readyChan, cancel, i)
	}

	logger.Info("Waiting for all nodes to complete...")
	e.wg.Wait()
	logger.Info("All nodes completed.")
	close(readyChan)

	var failedNodes []string
	var rootCauseError error
	for _, node := range e.Graph.Nodes {
		if NodeState(node.State.Load()) == Failed {
			logger.Error("Node failed execution.", "nodeID", node.ID, "error", node.Error)
			// A "skipped" error is a symptom, not a cause.
			if node.Error != nil && !strings.HasPrefix(node.Error.Error(), "skipped") && !errors.Is(node.Error, context.Canceled) {
				failedNodes = append(failedNodes, node.ID)
				if rootCauseError == nil {
					rootCauseError = node.Error
				}
			}
		}
	}

	if rootCauseError != nil {
		return fmt.Errorf("execution failed for %s: %w", strings.Join(failedNodes, ", "), rootCauseError)
	}
	return nil
}

// FirstFailedNode returns the ID of a node that failed with a real error, if
// any. Used for failure records.
func (e *Executor) FirstFailedNode() string {
	for _, node := range e.Graph.Nodes {
		if NodeState(node.State.Load()) == Failed && node.Error != nil &&
			!strings.HasPrefix(node.Error.Error(), "skipped") && !errors.Is(node.Error, context.Canceled) {
			return node.ID
		}
	}
	return ""
}

// skipDependents recursively marks all downstream nodes as failed and
// decrements the WaitGroup.
func (e *Executor) skipDependents(ctx context.Context, node *Node) {
	logger := ctxlog.FromContext(ctx)
	for _, dependent := range node.Dependents {
		dependent.skipOnce.Do(func() {
			logger.Warn("Skipping dependent node due to upstream failure.", "nodeID", dependent.ID, "dependency", node.ID)
			dependent.State.Store(int32(Failed))
			dependent.Error = fmt.Errorf("skipped due to upstream failure of '%s'", node.ID)
			e.wg.Done()
			e.skipDependents(ctx, dependent)
		})
	}
}

// worker is the core processing loop for a single concurrent worker.
func (e *Executor) worker(ctx context.Context, readyChan chan *Node, cancel context.CancelFunc, workerID int) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Worker started.", "workerID", workerID)

	for node := range readyChan {
		workerLogger := logger.With("workerID", workerID, "nodeID", node.ID)

		if ctx.Err() != nil {
			node.skipOnce.Do(func() {
				workerLogger.Warn("Context canceled, skipping node execution.")
				node.State.Store(int32(Failed))
				node.Error = ctx.Err()
				e.wg.Done()
			})
			continue
		}

		workerLogger.Debug("Worker picked up node for execution.")
		node.State.Store(int32(Running))
		var err error
		switch node.Type {
		case ConnectionNode:
			err = e.executeConnectionNode(ctx, node)
		case StageNode:
			err = e.executeStageNode(ctx, node)
		}

		if err != nil {
			workerLogger.Error("Node execution failed.", "error", err)
			node.State.Store(int32(Failed))
			node.Error = err
			cancel()
			e.skipDependents(ctx, node)
			e.wg.Done()
			continue
		}

		node.State.Store(int32(Done))
		e.wg.Done()

		for _, dependent := range node.Dependents {
			if dependent.depCount.Add(-1) == 0 && NodeState(dependent.State.Load()) == Pending {
				workerLogger.Debug("Dependent node is now ready.", "dependentID", dependent.ID)
				readyChan <- dependent
			}
		}
	}
	logger.Debug("Worker finished.", "workerID", workerID)
}

// pushCleanup registers a teardown function to run when the executor exits.
func (e *Executor) pushCleanup(f func(ctx context.Context)) {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()
	e.cleanupStack = append(e.cleanupStack, f)
}

// executeCleanupStack tears down opened connections in LIFO order. Each entry
// runs exactly once regardless of how the run ended.
func (e *Executor) executeCleanupStack(ctx context.Context) {
	e.cleanupMu.Lock()
	stack := e.cleanupStack
	e.cleanupStack = nil
	e.cleanupMu.Unlock()

	for i := len(stack) - 1; i >= 0; i-- {
		stack[i](ctx)
	}
}

// summaryValue builds the cty object exposed to downstream expressions as
// `stage.<type>.<name>.output`.
func summaryValue(rows int, outputs map[string]cty.Value) cty.Value {
	attrs := make(map[string]cty.Value, len(outputs)+1)
	for k, v := range outputs {
		attrs[k] = v
	}
	attrs["rows"] = cty.NumberIntVal(int64(rows))
	return cty.ObjectVal(attrs)
}
