package dag

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vk/etlgrid/internal/config"
	"github.com/vk/etlgrid/internal/dataset"
	"github.com/vk/etlgrid/internal/registry"
	"github.com/vk/etlgrid/internal/state"
	"github.com/zclconf/go-cty/cty"
)

func sampleBatch() *dataset.Batch {
	batch := dataset.NewBatch([]string{"id"})
	batch.Append(dataset.Record{"id": cty.StringVal("r-1")})
	batch.Append(dataset.Record{"id": cty.StringVal("r-2")})
	return batch
}

// registerEmitter registers an emitter handler producing the given batch and
// returns a counter of its executions.
func registerEmitter(reg *registry.Registry, batch *dataset.Batch) *atomic.Int32 {
	var runs atomic.Int32
	reg.RegisterStage("OnRunEmitter", &registry.StageHandler{
		NewInput: func() any { return new(struct{}) },
		Fn: func(_ context.Context, _ registry.StageContext, _ any) (*registry.Result, error) {
			runs.Add(1)
			return &registry.Result{
				Batch:   batch.Clone(),
				Outputs: map[string]cty.Value{"path": cty.StringVal("emitted")},
			}, nil
		},
	})
	return &runs
}

// registerCapture registers a capture handler and returns the slice of
// batches it received.
func registerCapture(reg *registry.Registry) (*sync.Mutex, *[]*dataset.Batch) {
	var mu sync.Mutex
	var captured []*dataset.Batch
	reg.RegisterStage("OnRunCapture", &registry.StageHandler{
		NewInput: func() any { return new(struct{}) },
		Fn: func(_ context.Context, sc registry.StageContext, _ any) (*registry.Result, error) {
			source := sc.Source()
			if source == nil {
				return nil, fmt.Errorf("capture requires a source")
			}
			mu.Lock()
			captured = append(captured, source)
			mu.Unlock()
			return &registry.Result{Batch: source}, nil
		},
	})
	return &mu, &captured
}

func buildGraph(t *testing.T, model *config.Model, reg *registry.Registry) *Graph {
	t.Helper()
	graph, err := Build(quietCtx(), model, reg)
	require.NoError(t, err)
	return graph
}

func TestExecutor_PassesBatchDownstream(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	model, converter, reg := loadModel(t, `
		stage "emitter" "a" {
			arguments {}
		}

		stage "capture" "b" {
			source = stage.emitter.a
			arguments {}
		}
	`)
	registerEmitter(reg, sampleBatch())
	mu, captured := registerCapture(reg)
	exec := New(buildGraph(t, model, reg), 4, reg, converter)

	// --- Act ---
	err := exec.Run(quietCtx())

	// --- Assert ---
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *captured, 1)
	got := (*captured)[0]
	require.Equal(t, 2, got.Len())
	require.Equal(t, "stage.emitter.a", got.Source)
}

func TestExecutor_FailureSkipsDependents(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	model, converter, reg := loadModel(t, `
		stage "emitter" "a" {
			arguments {}
		}

		stage "capture" "b" {
			source = stage.emitter.a
			arguments {}
		}
	`)
	reg.RegisterStage("OnRunEmitter", &registry.StageHandler{
		NewInput: func() any { return new(struct{}) },
		Fn: func(_ context.Context, _ registry.StageContext, _ any) (*registry.Result, error) {
			return nil, fmt.Errorf("emitter exploded")
		},
	})
	mu, captured := registerCapture(reg)
	exec := New(buildGraph(t, model, reg), 4, reg, converter)

	// --- Act ---
	err := exec.Run(quietCtx())

	// --- Assert ---
	require.Error(t, err)
	require.Contains(t, err.Error(), "emitter exploded")
	require.Equal(t, "stage.emitter.a", exec.FirstFailedNode())
	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, *captured)
}

func TestExecutor_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	model, converter, reg := loadModel(t, `
		stage "emitter" "a" {
			retries     = 2
			retry_delay = "1ms"
			arguments {}
		}
	`)
	var attempts atomic.Int32
	reg.RegisterStage("OnRunEmitter", &registry.StageHandler{
		NewInput: func() any { return new(struct{}) },
		Fn: func(_ context.Context, _ registry.StageContext, _ any) (*registry.Result, error) {
			if attempts.Add(1) < 3 {
				return nil, fmt.Errorf("transient failure")
			}
			return &registry.Result{Batch: sampleBatch()}, nil
		},
	})
	exec := New(buildGraph(t, model, reg), 1, reg, converter)

	// --- Act ---
	err := exec.Run(quietCtx())

	// --- Assert ---
	require.NoError(t, err)
	require.Equal(t, int32(3), attempts.Load())
}

func TestExecutor_RetriesExhaustedFails(t *testing.T) {
	t.Parallel()

	model, converter, reg := loadModel(t, `
		stage "emitter" "a" {
			retries     = 1
			retry_delay = "1ms"
			arguments {}
		}
	`)
	var attempts atomic.Int32
	reg.RegisterStage("OnRunEmitter", &registry.StageHandler{
		NewInput: func() any { return new(struct{}) },
		Fn: func(_ context.Context, _ registry.StageContext, _ any) (*registry.Result, error) {
			attempts.Add(1)
			return nil, fmt.Errorf("persistent failure")
		},
	})
	exec := New(buildGraph(t, model, reg), 1, reg, converter)

	err := exec.Run(quietCtx())

	require.Error(t, err)
	require.Contains(t, err.Error(), "after 2 attempts")
	require.Equal(t, int32(2), attempts.Load())
}

func TestExecutor_ConnectionLifecycle(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	model, converter, reg := loadModel(t, `
		connection "pool" "default" {
			arguments {}
		}

		stage "capture" "b" {
			arguments {}
			uses {
				client = connection.pool.default
			}
		}
	`)
	var opened, closed atomic.Int32
	poolHandler := &registry.ConnectionHandler{
		NewInput: func() any { return new(struct{}) },
		Open: func(_ context.Context, _ any) (any, error) {
			opened.Add(1)
			return "pool-instance", nil
		},
		Close: func(any) error {
			closed.Add(1)
			return nil
		},
	}
	reg.RegisterConnection("OpenPool", poolHandler)
	reg.RegisterConnection("ClosePool", poolHandler)
	var sawInstance atomic.Bool
	reg.RegisterStage("OnRunCapture", &registry.StageHandler{
		NewInput: func() any { return new(struct{}) },
		Fn: func(_ context.Context, sc registry.StageContext, _ any) (*registry.Result, error) {
			obj, ok := sc.Connection("client")
			sawInstance.Store(ok && obj == "pool-instance")
			return &registry.Result{}, nil
		},
	})
	exec := New(buildGraph(t, model, reg), 2, reg, converter)

	// --- Act ---
	err := exec.Run(quietCtx())

	// --- Assert ---
	require.NoError(t, err)
	require.Equal(t, int32(1), opened.Load())
	require.Equal(t, int32(1), closed.Load())
	require.True(t, sawInstance.Load(), "stage should see the opened connection instance")
}

func TestExecutor_CheckpointsWritten(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	model, converter, reg := loadModel(t, `
		stage "emitter" "a" {
			arguments {}
		}
	`)
	registerEmitter(reg, sampleBatch())
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SaveRun(state.Run{
		RunID:        "run-1",
		PipelinePath: "main.hcl",
		Status:       state.RunRunning,
		StartedAt:    time.Now().UTC(),
	}))
	exec := New(buildGraph(t, model, reg), 1, reg, converter)
	exec.EnableCheckpoints(store, "run-1")

	// --- Act ---
	err = exec.Run(quietCtx())

	// --- Assert ---
	require.NoError(t, err)
	checkpoints, err := store.LoadAllCheckpoints("run-1")
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	cp := checkpoints["stage.emitter.a"]
	require.Equal(t, 2, cp.Rows)

	sum, err := dataset.FileSHA256(cp.ArtifactPath)
	require.NoError(t, err)
	require.Equal(t, cp.ArtifactSHA256, sum)

	restored, err := dataset.ReadJSONL(cp.ArtifactPath)
	require.NoError(t, err)
	require.Equal(t, 2, restored.Len())
}

func TestExecutor_RestoreSkipsExecution(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	model, converter, reg := loadModel(t, `
		stage "emitter" "a" {
			arguments {}
		}

		stage "capture" "b" {
			source = stage.emitter.a
			arguments {}
		}
	`)
	runs := registerEmitter(reg, sampleBatch())
	mu, captured := registerCapture(reg)
	exec := New(buildGraph(t, model, reg), 2, reg, converter)

	restoredBatch := sampleBatch()
	restoredBatch.Source = "stage.emitter.a"
	require.NoError(t, exec.Restore("stage.emitter.a", restoredBatch, map[string]cty.Value{
		"path": cty.StringVal("restored"),
	}))

	// --- Act ---
	err := exec.Run(quietCtx())

	// --- Assert ---
	require.NoError(t, err)
	require.Equal(t, int32(0), runs.Load())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *captured, 1)
	require.Equal(t, "stage.emitter.a", (*captured)[0].Source)
}

func TestExecutor_UpstreamOutputsInArguments(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	model, converter, reg := loadModel(t, `
		stage "emitter" "a" {
			arguments {}
		}

		stage "emitter" "b" {
			arguments {
				path = stage.emitter.a.output.path
			}
		}
	`)
	var mu sync.Mutex
	seenPaths := map[string]bool{}
	reg.RegisterStage("OnRunEmitter", &registry.StageHandler{
		NewInput: func() any {
			return new(struct {
				Path string `hcl:"path"`
			})
		},
		Fn: func(_ context.Context, _ registry.StageContext, rawInput any) (*registry.Result, error) {
			input := rawInput.(*struct {
				Path string `hcl:"path"`
			})
			mu.Lock()
			seenPaths[input.Path] = true
			mu.Unlock()
			return &registry.Result{
				Batch:   sampleBatch(),
				Outputs: map[string]cty.Value{"path": cty.StringVal("from-a")},
			}, nil
		},
	})
	exec := New(buildGraph(t, model, reg), 2, reg, converter)

	// --- Act ---
	err := exec.Run(quietCtx())

	// --- Assert ---
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.True(t, seenPaths["from-a"], "downstream stage should see upstream's output value")
}
