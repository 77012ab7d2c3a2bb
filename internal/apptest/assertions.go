package apptest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// AssertStageRan checks the log output within a HarnessResult to confirm that
// a specific stage has completed. It abstracts the underlying node ID format,
// making tests more resilient to internal refactoring.
func AssertStageRan(t *testing.T, result *HarnessResult, stageType, stageName string) {
	t.Helper()

	expected := fmt.Sprintf("stage=stage.%s.%s", stageType, stageName)
	require.True(t,
		strings.Contains(result.LogOutput, expected),
		"expected log output for stage '%s.%s' was not found in logs", stageType, stageName,
	)
}

// AssertStageSkipped checks the log output to confirm that a stage was
// skipped because one of its dependencies failed.
func AssertStageSkipped(t *testing.T, result *HarnessResult, stageType, stageName string) {
	t.Helper()

	nodeID := fmt.Sprintf("stage.%s.%s", stageType, stageName)
	require.True(t,
		strings.Contains(result.LogOutput, "Skipping dependent node due to upstream failure.") &&
			strings.Contains(result.LogOutput, "nodeID="+nodeID),
		"expected stage '%s' to be skipped", nodeID,
	)
}
