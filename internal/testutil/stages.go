package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/vk/etlgrid/internal/dataset"
	"github.com/vk/etlgrid/internal/registry"
	"github.com/zclconf/go-cty/cty"
)

// SimpleModule is a test helper for easily creating a mock module that
// registers a single stage or connection handler.
type SimpleModule struct {
	StageName string
	Stage     *registry.StageHandler

	ConnectionName string
	Connection     *registry.ConnectionHandler
}

// Register implements the registry.Module interface.
func (m *SimpleModule) Register(r *registry.Registry) {
	if m.StageName != "" && m.Stage != nil {
		r.RegisterStage(m.StageName, m.Stage)
	}
	if m.ConnectionName != "" && m.Connection != nil {
		r.RegisterConnection(m.ConnectionName, m.Connection)
	}
}

// EmitterManifest is the manifest for the emitter stage registered by
// NewEmitterModule.
const EmitterManifest = `
connector "emitter" {
  lifecycle {
    on_run = "OnRunEmitter"
  }
}
`

// NewEmitterModule returns a module whose "emitter" stage produces a fixed
// batch, so pipelines can be tested without touching the filesystem.
func NewEmitterModule(batch *dataset.Batch) *SimpleModule {
	return &SimpleModule{
		StageName: "OnRunEmitter",
		Stage: &registry.StageHandler{
			NewInput: func() any { return new(struct{}) },
			Fn: func(_ context.Context, _ registry.StageContext, _ any) (*registry.Result, error) {
				return &registry.Result{Batch: batch.Clone()}, nil
			},
		},
	}
}

// CaptureModule records every batch its "capture" stage receives, keyed by
// the upstream batch's source node.
type CaptureModule struct {
	mu      sync.Mutex
	Batches []*dataset.Batch
}

// CaptureManifest is the manifest for the capture stage registered by
// CaptureModule.
const CaptureManifest = `
connector "capture" {
  lifecycle {
    on_run = "OnRunCapture"
  }
}
`

// Register implements the registry.Module interface.
func (m *CaptureModule) Register(r *registry.Registry) {
	r.RegisterStage("OnRunCapture", &registry.StageHandler{
		NewInput: func() any { return new(struct{}) },
		Fn: func(_ context.Context, sc registry.StageContext, _ any) (*registry.Result, error) {
			source := sc.Source()
			if source == nil {
				return nil, fmt.Errorf("capture stage requires a source")
			}
			m.mu.Lock()
			m.Batches = append(m.Batches, source)
			m.mu.Unlock()
			return &registry.Result{Batch: source}, nil
		},
	})
}

// Captured returns a copy of the captured batches.
func (m *CaptureModule) Captured() []*dataset.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*dataset.Batch, len(m.Batches))
	copy(out, m.Batches)
	return out
}

// FailingManifest is the manifest for the failing stage registered by
// NewFailingModule.
const FailingManifest = `
connector "failing" {
  lifecycle {
    on_run = "OnRunFailing"
  }
}
`

// NewFailingModule returns a module whose "failing" stage always errors.
func NewFailingModule(message string) *SimpleModule {
	return &SimpleModule{
		StageName: "OnRunFailing",
		Stage: &registry.StageHandler{
			NewInput: func() any { return new(struct{}) },
			Fn: func(_ context.Context, _ registry.StageContext, _ any) (*registry.Result, error) {
				return nil, fmt.Errorf("%s", message)
			},
		},
	}
}

// SampleBatch builds a small deterministic batch for tests.
func SampleBatch() *dataset.Batch {
	batch := dataset.NewBatch([]string{"id", "amount", "region"})
	batch.Append(dataset.Record{
		"id":     cty.StringVal("a-1"),
		"amount": cty.NumberIntVal(10),
		"region": cty.StringVal("north"),
	})
	batch.Append(dataset.Record{
		"id":     cty.StringVal("a-2"),
		"amount": cty.NumberIntVal(25),
		"region": cty.StringVal("south"),
	})
	batch.Append(dataset.Record{
		"id":     cty.StringVal("a-3"),
		"amount": cty.NumberIntVal(40),
		"region": cty.StringVal("north"),
	})
	return batch
}
