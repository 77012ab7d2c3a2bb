package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	PipelinePath string // hcl files
	ModulesPath  string // hcl manifests + handlers

	LogFormat   string
	LogLevel    string
	WorkerCount int

	StateDir     string // run records and checkpoints; empty disables persistence
	ResumeRunID  string // resume a previous run instead of starting fresh
	StatusPort   int    // HTTP status server port; 0 is disabled
	ValidateOnly bool   // load, validate and build the graph, then exit
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.PipelinePath == "" {
		return nil, errors.New("PipelinePath is a required configuration field and cannot be empty")
	}
	if cfg.ResumeRunID != "" && cfg.StateDir == "" {
		return nil, errors.New("resuming a run requires a state directory")
	}

	return &cfg, nil
}
