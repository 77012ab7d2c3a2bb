package integration_tests

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/etlgrid/internal/app"
	"github.com/vk/etlgrid/internal/apptest"
	"github.com/vk/etlgrid/internal/dataset"
	"github.com/vk/etlgrid/internal/registry"
	"github.com/vk/etlgrid/internal/state"
	"github.com/vk/etlgrid/internal/testutil"
)

// countingEmitter registers an "emitter" stage that tracks how many times it
// actually ran, so resume tests can prove a checkpointed stage was skipped.
func countingEmitter(runs *atomic.Int32, batch *dataset.Batch) *testutil.SimpleModule {
	return &testutil.SimpleModule{
		StageName: "OnRunEmitter",
		Stage: &registry.StageHandler{
			NewInput: func() any { return new(struct{}) },
			Fn: func(context.Context, registry.StageContext, any) (*registry.Result, error) {
				runs.Add(1)
				return &registry.Result{Batch: batch.Clone()}, nil
			},
		},
	}
}

// flakyStage registers a "failing" stage whose behavior is controlled by the
// shouldFail switch, standing in for a downstream system that recovers.
func flakyStage(shouldFail *atomic.Bool) *testutil.SimpleModule {
	return &testutil.SimpleModule{
		StageName: "OnRunFailing",
		Stage: &registry.StageHandler{
			NewInput: func() any { return new(struct{}) },
			Fn: func(_ context.Context, sc registry.StageContext, _ any) (*registry.Result, error) {
				if shouldFail.Load() {
					return nil, context.DeadlineExceeded
				}
				return &registry.Result{Batch: sc.Source()}, nil
			},
		},
	}
}

func TestResume_RestoredStageIsNotReExecuted(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	pipelineHCL := `
		stage "emitter" "orders" {
			arguments {}
		}

		stage "failing" "loader" {
			source = stage.emitter.orders
			arguments {}
		}
	`
	files := map[string]string{
		"modules/emitter/manifest.hcl": testutil.EmitterManifest,
		"modules/failing/manifest.hcl": testutil.FailingManifest,
		"pipeline/main.hcl":            pipelineHCL,
	}
	stateDir := t.TempDir()
	var emitterRuns atomic.Int32
	var shouldFail atomic.Bool
	shouldFail.Store(true)

	// --- Act: first run fails at the loader ---
	firstResult := apptest.RunIntegrationTestWithConfig(context.Background(), t, files,
		func(cfg *app.Config) { cfg.StateDir = stateDir },
		countingEmitter(&emitterRuns, testutil.SampleBatch()),
		flakyStage(&shouldFail))

	// --- Assert: run is recorded as failed with a checkpointed emitter ---
	require.Error(t, firstResult.Err)
	require.Equal(t, int32(1), emitterRuns.Load())

	store, err := state.NewStore(stateDir)
	require.NoError(t, err)
	ids, err := store.ListRunIDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	runID := ids[0]

	checkpoints, err := store.LoadAllCheckpoints(runID)
	require.NoError(t, err)
	require.Contains(t, checkpoints, "stage.emitter.orders")

	// --- Act: second run resumes after the downstream system recovers ---
	shouldFail.Store(false)
	secondResult := apptest.RunIntegrationTestWithConfig(context.Background(), t, files,
		func(cfg *app.Config) {
			cfg.StateDir = stateDir
			cfg.ResumeRunID = runID
		},
		countingEmitter(&emitterRuns, testutil.SampleBatch()),
		flakyStage(&shouldFail))

	// --- Assert: the emitter was restored from its checkpoint, not re-run ---
	require.NoError(t, secondResult.Err)
	require.Equal(t, int32(1), emitterRuns.Load(), "checkpointed stage should not run again")
	require.Contains(t, secondResult.LogOutput, "Resuming failed run.")

	run, err := store.LoadRun(runID)
	require.NoError(t, err)
	require.Equal(t, state.RunCompleted, run.Status)
}

func TestResume_UnknownRunIDFails(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	files := map[string]string{
		"modules/emitter/manifest.hcl": testutil.EmitterManifest,
		"pipeline/main.hcl": `
			stage "emitter" "orders" {
				arguments {}
			}
		`,
	}
	stateDir := t.TempDir()

	// --- Act ---
	result := apptest.RunIntegrationTestWithConfig(context.Background(), t, files,
		func(cfg *app.Config) {
			cfg.StateDir = stateDir
			cfg.ResumeRunID = "no-such-run"
		},
		testutil.NewEmitterModule(testutil.SampleBatch()))

	// --- Assert ---
	require.Error(t, result.Err)
	require.Contains(t, result.Err.Error(), "cannot resume")
}
