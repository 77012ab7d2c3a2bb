// Package registry holds the Go handlers for stage and connection types and
// the manifest definitions loaded from configuration. A populated registry
// must pass ValidateRegistry before execution: every manifest must resolve to
// code and every handler to a manifest.
package registry
