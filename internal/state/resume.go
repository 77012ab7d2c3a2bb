package state

import (
	"fmt"
	"os"

	"github.com/vk/etlgrid/internal/dataset"
)

// ResumePlan describes which nodes of a previous run can be skipped: nodes
// with an intact checkpoint whose spilled batch still matches its recorded
// fingerprint.
type ResumePlan struct {
	Run         Run
	Failure     *Failure
	Checkpoints map[string]Checkpoint
	// Restorable holds the batches restored from verified artifacts,
	// keyed by node ID.
	Restorable map[string]*dataset.Batch
}

// PlanResume verifies a previous run and builds a resume plan.
//
// A run is eligible for resume when it exists on disk and did not complete.
// Each checkpoint is verified independently: a missing or tampered artifact
// disqualifies only that node, which will simply re-execute.
func (s *Store) PlanResume(runID string) (*ResumePlan, error) {
	run, err := s.LoadRun(runID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %q not found", runID)
		}
		return nil, fmt.Errorf("load run %q: %w", runID, err)
	}
	if run.Status == RunCompleted {
		return nil, fmt.Errorf("run %q already completed, nothing to resume", runID)
	}

	checkpoints, err := s.LoadAllCheckpoints(runID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints for run %q: %w", runID, err)
	}

	plan := &ResumePlan{
		Run:         run,
		Checkpoints: checkpoints,
		Restorable:  make(map[string]*dataset.Batch),
	}

	if failure, ok, err := s.LoadFailure(runID); err != nil {
		return nil, fmt.Errorf("load failure record for run %q: %w", runID, err)
	} else if ok {
		plan.Failure = &failure
	}

	for nodeID, cp := range checkpoints {
		if cp.ArtifactPath == "" {
			continue
		}
		sum, err := dataset.FileSHA256(cp.ArtifactPath)
		if err != nil {
			// Artifact gone; the node re-executes.
			continue
		}
		if sum != cp.ArtifactSHA256 {
			continue
		}
		batch, err := dataset.ReadJSONL(cp.ArtifactPath)
		if err != nil {
			continue
		}
		plan.Restorable[nodeID] = batch
	}

	return plan, nil
}
