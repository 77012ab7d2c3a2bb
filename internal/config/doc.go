// Package config defines the format-agnostic representation of an etlgrid
// pipeline and the interfaces a configuration format must implement to
// produce it. The engine only ever consumes this model; the HCL specifics
// live in internal/hcl.
package config
