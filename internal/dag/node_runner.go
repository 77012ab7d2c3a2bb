package dag

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/etlgrid/internal/config"
	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/dataset"
	"github.com/vk/etlgrid/internal/fsutil"
	"github.com/vk/etlgrid/internal/registry"
	"github.com/vk/etlgrid/internal/state"
	"github.com/zclconf/go-cty/cty"
)

// stageContext is the registry.StageContext implementation handed to stage
// handlers.
type stageContext struct {
	source      *dataset.Batch
	connections map[string]any
}

func (sc *stageContext) Source() *dataset.Batch { return sc.source }

func (sc *stageContext) Connection(localName string) (any, bool) {
	obj, ok := sc.connections[localName]
	return obj, ok
}

// executeConnectionNode opens a stateful connection and schedules its close.
func (e *Executor) executeConnectionNode(ctx context.Context, node *Node) error {
	logger := ctxlog.FromContext(ctx).With("connection", node.ID)
	logger.Info("Opening connection")

	connType := node.ConnConfig.ConnType
	def, ok := e.registry.ConnectionDefs[connType]
	if !ok {
		return fmt.Errorf("unknown connection type '%s'", connType)
	}
	openHandler, ok := e.registry.ConnectionHandlers[def.Lifecycle.Open]
	if !ok || openHandler.Open == nil {
		return fmt.Errorf("open handler '%s' not registered", def.Lifecycle.Open)
	}
	closeHandler, ok := e.registry.ConnectionHandlers[def.Lifecycle.Close]
	if !ok || closeHandler.Close == nil {
		return fmt.Errorf("close handler '%s' not registered", def.Lifecycle.Close)
	}

	evalCtx := e.buildEvalContext(node)
	input := openHandler.NewInput()
	if input != nil {
		if err := e.converter.DecodeBody(ctx, input, node.ConnConfig.Arguments, def.Inputs, evalCtx); err != nil {
			return fmt.Errorf("decoding arguments for connection %s: %w", node.ID, err)
		}
	}

	obj, err := openHandler.Open(ctx, input)
	if err != nil {
		return fmt.Errorf("opening connection %s: %w", node.ID, err)
	}

	e.connections.Store(node.ID, obj)
	nodeID := node.ID
	e.pushCleanup(func(ctx context.Context) {
		logger := ctxlog.FromContext(ctx)
		logger.Info("Closing connection", "connection", nodeID)
		if err := closeHandler.Close(obj); err != nil {
			logger.Error("Failed to close connection.", "connection", nodeID, "error", err)
		}
		e.connections.Delete(nodeID)
	})

	logger.Info("Connection opened")
	return nil
}

// executeStageNode decodes a stage's inputs, resolves its upstream batch and
// connections, runs the handler (with per-stage retry), and records the
// result.
func (e *Executor) executeStageNode(ctx context.Context, node *Node) error {
	logger := ctxlog.FromContext(ctx).With("stage", node.ID)
	logger.Info("Starting stage")

	def, ok := e.registry.ConnectorDefs[node.StageConfig.StageType]
	if !ok {
		return fmt.Errorf("unknown stage type '%s'", node.StageConfig.StageType)
	}
	handler, ok := e.registry.StageHandlers[def.Lifecycle.OnRun]
	if !ok {
		return fmt.Errorf("handler '%s' not registered", def.Lifecycle.OnRun)
	}

	evalCtx := e.buildEvalContext(node)
	input := handler.NewInput()
	if input != nil {
		if err := e.converter.DecodeBody(ctx, input, node.StageConfig.Arguments, def.Inputs, evalCtx); err != nil {
			return fmt.Errorf("decoding arguments for stage %s: %w", node.ID, err)
		}
	}

	source, err := e.resolveSource(node)
	if err != nil {
		return err
	}
	connections, err := e.resolveUses(node, def)
	if err != nil {
		return err
	}
	sc := &stageContext{source: source, connections: connections}

	result, err := e.runWithRetry(ctx, node, handler, sc, input)
	if err != nil {
		return err
	}
	if result == nil {
		result = &registry.Result{}
	}

	batch := result.Batch
	if batch == nil {
		batch = dataset.NewBatch(nil)
	}
	if batch.Source == "" {
		batch.Source = node.ID
	}
	e.batches.Store(node.ID, batch)
	node.Output = summaryValue(batch.Len(), result.Outputs)

	if e.store != nil {
		if err := e.checkpoint(ctx, node, batch, result.Outputs); err != nil {
			return fmt.Errorf("checkpointing stage %s: %w", node.ID, err)
		}
	}

	logger.Info("Finished stage", "rows", batch.Len())
	return nil
}

// runWithRetry invokes the handler, retrying the stage's own errors up to the
// configured attempt count. Upstream resolution failures are not retried.
func (e *Executor) runWithRetry(ctx context.Context, node *Node, handler *registry.StageHandler, sc registry.StageContext, input any) (*registry.Result, error) {
	logger := ctxlog.FromContext(ctx).With("stage", node.ID)
	attempts := node.StageConfig.Retries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := handler.Fn(ctx, sc, input)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		logger.Warn("Stage attempt failed, retrying.", "attempt", attempt, "of", attempts, "error", err)
		delay := node.StageConfig.RetryDelay
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if attempts > 1 {
		return nil, fmt.Errorf("stage failed after %d attempts: %w", attempts, lastErr)
	}
	return nil, lastErr
}

// checkpoint spills the stage's batch and records its completion.
func (e *Executor) checkpoint(ctx context.Context, node *Node, batch *dataset.Batch, outputs map[string]cty.Value) error {
	artifactPath := filepath.Join(e.store.BatchesDir(e.runID), node.ID+".jsonl")
	if err := fsutil.EnsureDir(e.store.BatchesDir(e.runID), 0o755); err != nil {
		return err
	}
	sum, err := dataset.WriteJSONL(artifactPath, batch)
	if err != nil {
		return fmt.Errorf("spilling batch: %w", err)
	}

	goOutputs := make(map[string]any, len(outputs))
	for name, v := range outputs {
		gv, err := dataset.ValueToInterface(v)
		if err != nil {
			return fmt.Errorf("encoding output %q: %w", name, err)
		}
		goOutputs[name] = gv
	}

	cp := state.Checkpoint{
		NodeID:         node.ID,
		Rows:           batch.Len(),
		ArtifactPath:   artifactPath,
		ArtifactSHA256: sum,
		Outputs:        goOutputs,
		CompletedAt:    time.Now().UTC(),
	}
	if err := e.store.SaveCheckpoint(e.runID, cp); err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Debug("Checkpoint written.", "node", node.ID, "artifact", artifactPath)
	return nil
}

// resolveSource parses the stage's `source` reference and returns the
// upstream batch.
func (e *Executor) resolveSource(node *Node) (*dataset.Batch, error) {
	expr := node.StageConfig.Source
	if expr == nil {
		return nil, nil
	}
	depID, err := parseNodeRef(expr, "stage")
	if err != nil {
		return nil, fmt.Errorf("invalid source reference on stage %s: %w", node.ID, err)
	}
	batch, ok := e.Batch(depID)
	if !ok {
		return nil, fmt.Errorf("source '%s' of stage %s produced no batch", depID, node.ID)
	}
	return batch, nil
}

// resolveUses maps each local name in the stage's uses block to its opened
// connection object, checking against the connector's declared uses.
func (e *Executor) resolveUses(node *Node, def *config.ConnectorDefinition) (map[string]any, error) {
	if len(node.StageConfig.Uses) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(node.StageConfig.Uses))
	for localName, expr := range node.StageConfig.Uses {
		usesDef, ok := def.Uses[localName]
		if !ok {
			return nil, fmt.Errorf("stage %s uses undeclared connection slot %q", node.ID, localName)
		}
		depID, err := parseNodeRef(expr, "connection")
		if err != nil {
			return nil, fmt.Errorf("invalid uses reference %q on stage %s: %w", localName, node.ID, err)
		}
		wantPrefix := "connection." + usesDef.ConnType + "."
		if len(depID) < len(wantPrefix) || depID[:len(wantPrefix)] != wantPrefix {
			return nil, fmt.Errorf("stage %s slot %q requires connection type %q, got '%s'", node.ID, localName, usesDef.ConnType, depID)
		}
		obj, ok := e.connections.Load(depID)
		if !ok {
			return nil, fmt.Errorf("connection '%s' used by stage %s is not open", depID, node.ID)
		}
		out[localName] = obj
	}
	return out, nil
}

// parseNodeRef extracts a node ID from a reference expression of the form
// `<root>.<type>.<name>`.
func parseNodeRef(expr hcl.Expression, wantRoot string) (string, error) {
	vars := expr.Variables()
	if len(vars) != 1 {
		return "", fmt.Errorf("expected a single %s reference", wantRoot)
	}
	traversal := vars[0]
	if len(traversal) < 3 || traversal.RootName() != wantRoot {
		return "", fmt.Errorf("expected a reference of the form %s.<type>.<name>", wantRoot)
	}
	typeAttr, typeOk := traversal[1].(hcl.TraverseAttr)
	nameAttr, nameOk := traversal[2].(hcl.TraverseAttr)
	if !typeOk || !nameOk {
		return "", fmt.Errorf("malformed %s reference", wantRoot)
	}
	return fmt.Sprintf("%s.%s.%s", wantRoot, typeAttr.Name, nameAttr.Name), nil
}
