package hcl

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/etlgrid/internal/config"
	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/fsutil"
	"github.com/vk/etlgrid/internal/schema"
)

// Loader is the HCL implementation of the config.Loader interface.
type Loader struct{}

// NewLoader creates a new HCL loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load discovers all .hcl files under the given paths, parses them, and
// translates their contents into the format-agnostic config model.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, config.Converter, error) {
	logger := ctxlog.FromContext(ctx)

	model := &config.Model{
		Connectors:  make(map[string]*config.ConnectorDefinition),
		Connections: make(map[string]*config.ConnectionDefinition),
		Pipeline:    &config.Pipeline{},
	}

	parser := hclparse.NewParser()
	for _, path := range paths {
		files, err := fsutil.FindFilesByExtension(path, ".hcl")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to discover config files under %q: %w", path, err)
		}
		logger.Debug("Discovered config files.", "path", path, "count", len(files))

		for _, file := range files {
			hclFile, diags := parser.ParseHCLFile(file)
			if diags.HasErrors() {
				return nil, nil, fmt.Errorf("failed to parse %q: %w", file, diags)
			}

			var fileConfig schema.FileConfig
			if diags := gohcl.DecodeBody(hclFile.Body, nil, &fileConfig); diags.HasErrors() {
				return nil, nil, fmt.Errorf("failed to decode %q: %w", file, diags)
			}

			if err := l.mergeFile(ctx, model, &fileConfig, file); err != nil {
				return nil, nil, err
			}
		}
	}

	logger.Debug("Configuration loading complete.",
		"stages", len(model.Pipeline.Stages),
		"connections", len(model.Pipeline.Connections),
		"connectors", len(model.Connectors),
		"connection_types", len(model.Connections),
	)
	return model, NewConverter(), nil
}

// mergeFile folds one decoded file into the accumulating model.
func (l *Loader) mergeFile(ctx context.Context, model *config.Model, fc *schema.FileConfig, file string) error {
	logger := ctxlog.FromContext(ctx)

	for _, def := range fc.Connectors {
		if _, exists := model.Connectors[def.Type]; exists {
			logger.Warn("Duplicate connector manifest found, it will be overwritten.", "type", def.Type, "file", file)
		}
		model.Connectors[def.Type] = l.translateConnectorDefinition(def)
	}
	for _, def := range fc.ConnectionTypes {
		if _, exists := model.Connections[def.Type]; exists {
			logger.Warn("Duplicate connection type manifest found, it will be overwritten.", "type", def.Type, "file", file)
		}
		model.Connections[def.Type] = l.translateConnectionDefinition(def)
	}
	for _, s := range fc.Stages {
		stage, err := l.translateStage(s)
		if err != nil {
			return fmt.Errorf("invalid stage %q.%q in %q: %w", s.StageType, s.Name, file, err)
		}
		model.Pipeline.Stages = append(model.Pipeline.Stages, stage)
	}
	for _, c := range fc.Connections {
		conn, err := l.translateConnection(c)
		if err != nil {
			return fmt.Errorf("invalid connection %q.%q in %q: %w", c.ConnType, c.Name, file, err)
		}
		model.Pipeline.Connections = append(model.Pipeline.Connections, conn)
	}
	return nil
}
