package integration_tests

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/etlgrid/internal/app"
	"github.com/vk/etlgrid/internal/apptest"
	"github.com/vk/etlgrid/internal/state"
	"github.com/vk/etlgrid/internal/testutil"
)

func TestErrorHandling_StageFailureSkipsDependents(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	pipelineHCL := `
		stage "emitter" "orders" {
			arguments {}
		}

		stage "failing" "broken" {
			source = stage.emitter.orders
			arguments {}
		}

		stage "capture" "sink" {
			source = stage.failing.broken
			arguments {}
		}
	`
	files := map[string]string{
		"modules/emitter/manifest.hcl": testutil.EmitterManifest,
		"modules/failing/manifest.hcl": testutil.FailingManifest,
		"modules/capture/manifest.hcl": testutil.CaptureManifest,
		"pipeline/main.hcl":            pipelineHCL,
	}
	capture := &testutil.CaptureModule{}

	// --- Act ---
	result := apptest.RunIntegrationTest(t, files,
		testutil.NewEmitterModule(testutil.SampleBatch()),
		testutil.NewFailingModule("downstream system exploded"),
		capture)

	// --- Assert ---
	require.Error(t, result.Err)
	require.Contains(t, result.Err.Error(), "downstream system exploded")
	apptest.AssertStageRan(t, result, "emitter", "orders")
	apptest.AssertStageSkipped(t, result, "capture", "sink")
	require.Empty(t, capture.Captured())
}

func TestErrorHandling_FailureIsRecordedInStateDir(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	pipelineHCL := `
		stage "failing" "broken" {
			arguments {}
		}
	`
	files := map[string]string{
		"modules/failing/manifest.hcl": testutil.FailingManifest,
		"pipeline/main.hcl":            pipelineHCL,
	}
	stateDir := t.TempDir()

	// --- Act ---
	result := apptest.RunIntegrationTestWithConfig(context.Background(), t, files,
		func(cfg *app.Config) { cfg.StateDir = stateDir },
		testutil.NewFailingModule("downstream system exploded"))

	// --- Assert ---
	require.Error(t, result.Err)

	store, err := state.NewStore(stateDir)
	require.NoError(t, err)
	ids, err := store.ListRunIDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	run, err := store.LoadRun(ids[0])
	require.NoError(t, err)
	require.Equal(t, state.RunFailed, run.Status)
	require.False(t, run.FinishedAt.IsZero())

	failure, ok, err := store.LoadFailure(ids[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "stage.failing.broken", failure.NodeID)
	require.Contains(t, failure.Message, "downstream system exploded")
}

func TestErrorHandling_UnregisteredHandlerFailsStartup(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	manifestHCL := `
		connector "ghost" {
			lifecycle {
				on_run = "OnRunGhost"
			}
		}
	`
	files := map[string]string{
		"modules/ghost/manifest.hcl": manifestHCL,
		"pipeline/main.hcl": `
			stage "ghost" "a" {
				arguments {}
			}
		`,
	}

	// --- Act ---
	result := apptest.RunIntegrationTest(t, files,
		testutil.NewEmitterModule(testutil.SampleBatch()))

	// --- Assert ---
	require.Error(t, result.Err)
	require.Contains(t, result.Err.Error(), "application startup panicked")
	require.Contains(t, result.Err.Error(), "'OnRunGhost' is not registered")
}
