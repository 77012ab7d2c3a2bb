package registry

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/vk/etlgrid/internal/ctxlog"
)

// ValidateRegistry performs a strict parity check between manifests and Go
// code: every manifest lifecycle handler must be registered, and the inputs a
// Go struct consumes must match the inputs its manifest declares.
func (r *Registry) ValidateRegistry(ctx context.Context) error {
	var errs []string
	logger := ctxlog.FromContext(ctx)

	for stageType, def := range r.ConnectorDefs {
		if def.Lifecycle == nil || def.Lifecycle.OnRun == "" {
			errs = append(errs, fmt.Sprintf("connector '%s': manifest has no lifecycle handler", stageType))
			continue
		}
		handler, ok := r.StageHandlers[def.Lifecycle.OnRun]
		if !ok {
			errs = append(errs, fmt.Sprintf("connector '%s': handler '%s' is not registered", stageType, def.Lifecycle.OnRun))
			continue
		}
		errs = append(errs, checkInputParity(stageType, handler.NewInput, mapKeys(def.Inputs))...)
	}

	for connType, def := range r.ConnectionDefs {
		if def.Lifecycle == nil || def.Lifecycle.Open == "" || def.Lifecycle.Close == "" {
			errs = append(errs, fmt.Sprintf("connection type '%s': manifest must declare open and close handlers", connType))
			continue
		}
		openHandler, ok := r.ConnectionHandlers[def.Lifecycle.Open]
		if !ok || openHandler.Open == nil {
			errs = append(errs, fmt.Sprintf("connection type '%s': open handler '%s' is not registered", connType, def.Lifecycle.Open))
			continue
		}
		closeHandler, ok := r.ConnectionHandlers[def.Lifecycle.Close]
		if !ok || closeHandler.Close == nil {
			errs = append(errs, fmt.Sprintf("connection type '%s': close handler '%s' is not registered", connType, def.Lifecycle.Close))
			continue
		}
		errs = append(errs, checkInputParity(connType, openHandler.NewInput, mapKeys(def.Inputs))...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("registry validation failed:\n- %s", strings.Join(errs, "\n- "))
	}

	logger.Debug("Registry parity check passed.",
		"connectors", len(r.ConnectorDefs), "connection_types", len(r.ConnectionDefs))
	return nil
}

// checkInputParity compares the hcl-tagged fields of a handler's input struct
// against the input names its manifest declares.
func checkInputParity(typeName string, newInput func() any, manifestInputs map[string]struct{}) []string {
	var errs []string

	var inputType reflect.Type
	if newInput != nil {
		if v := newInput(); v != nil {
			inputType = reflect.TypeOf(v)
			for inputType.Kind() == reflect.Ptr {
				inputType = inputType.Elem()
			}
		}
	}
	if inputType == nil || inputType.Kind() != reflect.Struct {
		if len(manifestInputs) > 0 {
			errs = append(errs, fmt.Sprintf("'%s': manifest declares inputs, but Go handler has no input struct", typeName))
		}
		return errs
	}

	goInputs := make(map[string]struct{})
	for i := 0; i < inputType.NumField(); i++ {
		field := inputType.Field(i)
		if !field.IsExported() {
			continue
		}
		tagName := strings.Split(field.Tag.Get("hcl"), ",")[0]
		if tagName != "" && tagName != "-" {
			goInputs[tagName] = struct{}{}
		}
	}

	for name := range goInputs {
		if _, ok := manifestInputs[name]; !ok {
			errs = append(errs, fmt.Sprintf("'%s': Go struct has field for input '%s' which is not declared in manifest", typeName, name))
		}
	}
	for name := range manifestInputs {
		if _, ok := goInputs[name]; !ok {
			errs = append(errs, fmt.Sprintf("'%s': manifest declares input '%s' which is not found in Go struct", typeName, name))
		}
	}
	return errs
}

func mapKeys[V any](m map[string]*V) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
