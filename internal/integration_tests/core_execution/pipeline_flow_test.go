package integration_tests

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/vk/etlgrid/internal/app"
	"github.com/vk/etlgrid/internal/apptest"
	"github.com/vk/etlgrid/internal/testutil"
	"github.com/zclconf/go-cty/cty"
)

func TestCoreExecution_BatchFlowsDownstream(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	pipelineHCL := `
		stage "emitter" "orders" {
			arguments {}
		}

		stage "capture" "sink" {
			source = stage.emitter.orders
			arguments {}
		}
	`
	files := map[string]string{
		"modules/emitter/manifest.hcl": testutil.EmitterManifest,
		"modules/capture/manifest.hcl": testutil.CaptureManifest,
		"pipeline/main.hcl":            pipelineHCL,
	}
	capture := &testutil.CaptureModule{}

	// --- Act ---
	result := apptest.RunIntegrationTest(t, files,
		testutil.NewEmitterModule(testutil.SampleBatch()), capture)

	// --- Assert ---
	require.NoError(t, result.Err)
	apptest.AssertStageRan(t, result, "emitter", "orders")
	apptest.AssertStageRan(t, result, "capture", "sink")

	captured := capture.Captured()
	require.Len(t, captured, 1)
	require.Equal(t, "stage.emitter.orders", captured[0].Source)
	if diff := cmp.Diff([]string{"id", "amount", "region"}, captured[0].Columns); diff != "" {
		t.Errorf("Captured columns mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 3, captured[0].Len())
	require.Equal(t, cty.StringVal("a-1"), captured[0].Records[0]["id"])
}

func TestCoreExecution_EmptyPipelineIsANoOp(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	files := map[string]string{
		"modules/emitter/manifest.hcl": testutil.EmitterManifest,
		"pipeline/main.hcl":            "",
	}

	// --- Act ---
	result := apptest.RunIntegrationTest(t, files,
		testutil.NewEmitterModule(testutil.SampleBatch()))

	// --- Assert ---
	require.NoError(t, result.Err)
	require.Contains(t, result.LogOutput, "No nodes found in graph, execution not required.")
}

func TestCoreExecution_ValidateOnlyRejectsUnknownStageType(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	pipelineHCL := `
		stage "nonexistent_type" "orders" {
			arguments {}
		}
	`
	files := map[string]string{
		"modules/emitter/manifest.hcl": testutil.EmitterManifest,
		"pipeline/main.hcl":            pipelineHCL,
	}

	// --- Act ---
	result := apptest.RunIntegrationTestWithConfig(context.Background(), t, files,
		func(cfg *app.Config) { cfg.ValidateOnly = true },
		testutil.NewEmitterModule(testutil.SampleBatch()))

	// --- Assert ---
	require.Error(t, result.Err)
	require.Contains(t, result.Err.Error(), `unknown stage type "nonexistent_type"`)
	require.NotContains(t, result.LogOutput, "Pipeline is valid.")
}

func TestCoreExecution_ValidateOnlySkipsExecution(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	pipelineHCL := `
		stage "emitter" "orders" {
			arguments {}
		}

		stage "capture" "sink" {
			source = stage.emitter.orders
			arguments {}
		}
	`
	files := map[string]string{
		"modules/emitter/manifest.hcl": testutil.EmitterManifest,
		"modules/capture/manifest.hcl": testutil.CaptureManifest,
		"pipeline/main.hcl":            pipelineHCL,
	}
	capture := &testutil.CaptureModule{}

	// --- Act ---
	result := apptest.RunIntegrationTestWithConfig(context.Background(), t, files,
		func(cfg *app.Config) { cfg.ValidateOnly = true },
		testutil.NewEmitterModule(testutil.SampleBatch()), capture)

	// --- Assert ---
	require.NoError(t, result.Err)
	require.Contains(t, result.LogOutput, "Pipeline is valid.")
	require.Empty(t, capture.Captured())
}
