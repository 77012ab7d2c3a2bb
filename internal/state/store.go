package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vk/etlgrid/internal/fsutil"
)

// Store provides persistent storage for execution state under:
//
//	<baseDir>/runs/<run-id>/
//
// All state writes are atomic and durable (file sync + atomic rename + dir sync).
type Store struct {
	baseDir string
}

// NewStore creates a store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("baseDir is required")
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) runsRootDir() string {
	return filepath.Join(s.baseDir, "runs")
}

// RunDir returns the directory holding all state for the given run.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.runsRootDir(), runID)
}

// BatchesDir returns the directory holding spilled batch artifacts.
func (s *Store) BatchesDir(runID string) string {
	return filepath.Join(s.RunDir(runID), "batches")
}

func (s *Store) runPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "run.json")
}

func (s *Store) failurePath(runID string) string {
	return filepath.Join(s.RunDir(runID), "failure.json")
}

func (s *Store) checkpointsDir(runID string) string {
	return filepath.Join(s.RunDir(runID), "checkpoints")
}

func (s *Store) checkpointPath(runID, nodeID string) string {
	// Node IDs are dotted identifiers (stage.<type>.<name>), safe as filenames.
	return filepath.Join(s.checkpointsDir(runID), nodeID+".json")
}

// ListRunIDs returns all run IDs currently present on disk, sorted
// lexicographically.
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.runsRootDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if name := strings.TrimSpace(e.Name()); name != "" {
			ids = append(ids, name)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveRun persists a run record.
func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	if err := fsutil.EnsureDir(s.RunDir(run.RunID), 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	data, err := marshalStable(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.runPath(run.RunID), data, 0o644); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// LoadRun loads a run record from disk.
func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	if strings.TrimSpace(runID) == "" {
		return Run{}, errors.New("runID is required")
	}
	if err := readJSONStrict(s.runPath(runID), &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

// SaveCheckpoint persists a node checkpoint.
func (s *Store) SaveCheckpoint(runID string, checkpoint Checkpoint) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	if err := checkpoint.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}
	if err := fsutil.EnsureDir(s.checkpointsDir(runID), 0o755); err != nil {
		return fmt.Errorf("ensure checkpoints dir: %w", err)
	}
	data, err := marshalStable(checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.checkpointPath(runID, checkpoint.NodeID), data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint loads a single node checkpoint.
func (s *Store) LoadCheckpoint(runID, nodeID string) (Checkpoint, error) {
	var checkpoint Checkpoint
	if strings.TrimSpace(runID) == "" {
		return Checkpoint{}, errors.New("runID is required")
	}
	if strings.TrimSpace(nodeID) == "" {
		return Checkpoint{}, errors.New("nodeID is required")
	}
	if err := readJSONStrict(s.checkpointPath(runID, nodeID), &checkpoint); err != nil {
		return Checkpoint{}, err
	}
	if err := checkpoint.Validate(); err != nil {
		return Checkpoint{}, fmt.Errorf("invalid checkpoint on disk: %w", err)
	}
	return checkpoint, nil
}

// LoadAllCheckpoints loads all checkpoint records for a run, keyed by node ID.
func (s *Store) LoadAllCheckpoints(runID string) (map[string]Checkpoint, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("runID is required")
	}
	entries, err := os.ReadDir(s.checkpointsDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Checkpoint{}, nil
		}
		return nil, err
	}
	out := make(map[string]Checkpoint)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		nodeID := strings.TrimSuffix(e.Name(), ".json")
		if strings.TrimSpace(nodeID) == "" {
			continue
		}
		cp, err := s.LoadCheckpoint(runID, nodeID)
		if err != nil {
			return nil, err
		}
		out[nodeID] = cp
	}
	return out, nil
}

// SaveFailure persists the failure record of a run.
func (s *Store) SaveFailure(failure Failure) error {
	if err := failure.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	if err := fsutil.EnsureDir(s.RunDir(failure.RunID), 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	data, err := marshalStable(failure)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.failurePath(failure.RunID), data, 0o644); err != nil {
		return fmt.Errorf("write failure: %w", err)
	}
	return nil
}

// LoadFailure loads the failure record of a run. The boolean reports whether
// one exists.
func (s *Store) LoadFailure(runID string) (Failure, bool, error) {
	var failure Failure
	err := readJSONStrict(s.failurePath(runID), &failure)
	if err != nil {
		if os.IsNotExist(err) {
			return Failure{}, false, nil
		}
		return Failure{}, false, err
	}
	if err := failure.Validate(); err != nil {
		return Failure{}, false, fmt.Errorf("invalid failure on disk: %w", err)
	}
	return failure, true, nil
}

// marshalStable produces deterministic JSON output with a trailing newline.
func marshalStable(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readJSONStrict reads a JSON file rejecting unknown fields and trailing data.
func readJSONStrict(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %q: %w", path, err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return fmt.Errorf("trailing data in %q", path)
	}
	return nil
}
