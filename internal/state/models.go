// Package state provides persistent storage for pipeline run state: the run
// record, per-node checkpoints with spilled batch artifacts, and the failure
// record that makes a run resumable.
package state

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a recorded run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is the persisted record of a single pipeline execution.
type Run struct {
	RunID        string    `json:"run_id"`
	PipelinePath string    `json:"pipeline_path"`
	Status       RunStatus `json:"status"`
	Workers      int       `json:"workers"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
}

// Validate checks the structural integrity of a run record.
func (r Run) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("run_id is required")
	}
	switch r.Status {
	case RunRunning, RunCompleted, RunFailed:
	default:
		return errors.New("invalid run status: " + string(r.Status))
	}
	if r.StartedAt.IsZero() {
		return errors.New("started_at is required")
	}
	return nil
}

// Checkpoint records the completion of a single node, including the spilled
// batch artifact that allows the node to be skipped on resume.
type Checkpoint struct {
	NodeID         string         `json:"node_id"`
	Rows           int            `json:"rows"`
	ArtifactPath   string         `json:"artifact_path"`
	ArtifactSHA256 string         `json:"artifact_sha256"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	CompletedAt    time.Time      `json:"completed_at"`
}

// Validate checks the structural integrity of a checkpoint.
func (c Checkpoint) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return errors.New("node_id is required")
	}
	if c.Rows < 0 {
		return errors.New("rows must not be negative")
	}
	if c.ArtifactPath != "" && c.ArtifactSHA256 == "" {
		return errors.New("artifact_sha256 is required when artifact_path is set")
	}
	if c.CompletedAt.IsZero() {
		return errors.New("completed_at is required")
	}
	return nil
}

// Failure records why a run stopped, so a resume can report context.
type Failure struct {
	RunID    string    `json:"run_id"`
	NodeID   string    `json:"node_id"`
	Message  string    `json:"message"`
	FailedAt time.Time `json:"failed_at"`
}

// Validate checks the structural integrity of a failure record.
func (f Failure) Validate() error {
	if strings.TrimSpace(f.RunID) == "" {
		return errors.New("run_id is required")
	}
	if strings.TrimSpace(f.Message) == "" {
		return errors.New("message is required")
	}
	if f.FailedAt.IsZero() {
		return errors.New("failed_at is required")
	}
	return nil
}
