package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/dag"
	"github.com/vk/etlgrid/internal/dataset"
	"github.com/vk/etlgrid/internal/state"
	"github.com/zclconf/go-cty/cty"
)

// Run executes the main application logic based on the provided configuration.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	var store *state.Store
	if a.appConfig.StateDir != "" {
		var err error
		store, err = state.NewStore(a.appConfig.StateDir)
		if err != nil {
			return fmt.Errorf("failed to open state directory: %w", err)
		}
	}

	if a.appConfig.StatusPort > 0 {
		a.startStatusServer(a.appConfig.StatusPort, store)
	}

	a.logger.Debug("Building dependency graph from config model...")
	graph, err := dag.Build(ctx, a.config, a.registry)
	if err != nil {
		return fmt.Errorf("failed to build dependency graph: %w", err)
	}
	a.logger.Debug("Dependency graph built.", "node_count", len(graph.Nodes))

	if a.appConfig.ValidateOnly {
		a.logger.Info("Pipeline is valid.", "stages", len(a.config.Pipeline.Stages), "connections", len(a.config.Pipeline.Connections))
		return nil
	}

	if len(graph.Nodes) == 0 {
		a.logger.Warn("No nodes found in graph, execution not required.")
		return nil
	}

	exec := dag.New(graph, a.appConfig.WorkerCount, a.registry, a.converter)

	runID := a.appConfig.ResumeRunID
	if store != nil {
		if runID != "" {
			if err := a.restoreRun(ctx, store, exec, runID); err != nil {
				return err
			}
		} else {
			runID = uuid.NewString()
		}
		exec.EnableCheckpoints(store, runID)

		record := state.Run{
			RunID:        runID,
			PipelinePath: a.appConfig.PipelinePath,
			Status:       state.RunRunning,
			Workers:      a.appConfig.WorkerCount,
			StartedAt:    time.Now().UTC(),
		}
		if err := store.SaveRun(record); err != nil {
			return fmt.Errorf("failed to record run: %w", err)
		}
		a.logger.Info("Run recorded.", "run_id", runID)

		defer func() {
			record.FinishedAt = time.Now().UTC()
			if err != nil {
				record.Status = state.RunFailed
			} else {
				record.Status = state.RunCompleted
			}
			if saveErr := store.SaveRun(record); saveErr != nil {
				a.logger.Error("Failed to update run record.", "run_id", runID, "error", saveErr)
			}
		}()
	}

	a.logger.Info("Starting concurrent execution.", "workers", a.appConfig.WorkerCount)
	if err = exec.Run(ctx); err != nil {
		if store != nil {
			failure := state.Failure{
				RunID:    runID,
				NodeID:   exec.FirstFailedNode(),
				Message:  err.Error(),
				FailedAt: time.Now().UTC(),
			}
			if saveErr := store.SaveFailure(failure); saveErr != nil {
				a.logger.Error("Failed to record failure.", "run_id", runID, "error", saveErr)
			}
		}
		return fmt.Errorf("execution failed: %w", err)
	}
	a.logger.Info("Execution finished.")

	a.logger.Debug("App.Run method finished.")
	return nil
}

// restoreRun seeds the executor with the verified checkpoints of a previous
// run so that completed stages are not re-executed.
func (a *App) restoreRun(ctx context.Context, store *state.Store, exec *dag.Executor, runID string) error {
	logger := ctxlog.FromContext(ctx)

	plan, err := store.PlanResume(runID)
	if err != nil {
		return fmt.Errorf("cannot resume: %w", err)
	}
	if plan.Failure != nil {
		logger.Info("Resuming failed run.", "run_id", runID, "failed_node", plan.Failure.NodeID, "reason", plan.Failure.Message)
	} else {
		logger.Info("Resuming interrupted run.", "run_id", runID)
	}

	restored := 0
	for nodeID, batch := range plan.Restorable {
		outputs := make(map[string]cty.Value)
		for name, raw := range plan.Checkpoints[nodeID].Outputs {
			val, err := dataset.InterfaceToValue(raw)
			if err != nil {
				return fmt.Errorf("checkpoint for node '%s' has an unusable output %q: %w", nodeID, name, err)
			}
			outputs[name] = val
		}
		if err := exec.Restore(nodeID, batch, outputs); err != nil {
			// A node that vanished from the pipeline since the last run
			// simply loses its checkpoint.
			logger.Warn("Skipping checkpoint for unknown node.", "node", nodeID, "error", err)
			continue
		}
		restored++
	}
	logger.Info("Checkpoints restored.", "run_id", runID, "restored", restored, "total", len(plan.Checkpoints))
	return nil
}
