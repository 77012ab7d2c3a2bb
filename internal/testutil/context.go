package testutil

import (
	"context"
	"io"
	"log/slog"

	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/dataset"
)

// Context returns a background context carrying a discard logger, for tests
// that call handlers directly.
func Context() context.Context {
	return ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// FakeStageContext is a StageContext stub for testing handlers in isolation.
type FakeStageContext struct {
	Batch       *dataset.Batch
	Connections map[string]any
}

// Source implements registry.StageContext.
func (f *FakeStageContext) Source() *dataset.Batch { return f.Batch }

// Connection implements registry.StageContext.
func (f *FakeStageContext) Connection(localName string) (any, bool) {
	obj, ok := f.Connections[localName]
	return obj, ok
}
