// Package validate checks batch records against per-column rules.
package validate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/vk/etlgrid/internal/ctxlog"
	"github.com/vk/etlgrid/internal/dataset"
	"github.com/vk/etlgrid/internal/registry"
	"github.com/zclconf/go-cty/cty"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the validate stage.
type Input struct {
	Rules           map[string]string `hcl:"rules"`
	RequiredColumns []string          `hcl:"required_columns"`
	OnViolation     string            `hcl:"on_violation"`
	MaxViolations   int               `hcl:"max_violations"`
	RejectPath      string            `hcl:"reject_path"`
}

// OnRunValidate is the handler for the 'validate' stage's run event.
func OnRunValidate(ctx context.Context, sc registry.StageContext, rawInput any) (*registry.Result, error) {
	input := rawInput.(*Input)
	logger := ctxlog.FromContext(ctx)

	source := sc.Source()
	if source == nil {
		return nil, fmt.Errorf("validate stage requires a source")
	}
	switch input.OnViolation {
	case "reject", "fail":
	default:
		return nil, fmt.Errorf("unsupported on_violation %q, want 'reject' or 'fail'", input.OnViolation)
	}

	for _, col := range input.RequiredColumns {
		if !source.HasColumn(col) {
			return nil, fmt.Errorf("required column %q is missing from upstream batch %q", col, source.Source)
		}
	}

	// Deterministic rule order keeps violation messages stable across runs.
	ruleColumns := make([]string, 0, len(input.Rules))
	for col := range input.Rules {
		ruleColumns = append(ruleColumns, col)
	}
	sort.Strings(ruleColumns)

	v := validator.New()
	out := dataset.NewBatch(source.Columns)
	quarantine := dataset.NewBatch(source.Columns)
	for i, record := range source.Records {
		violations, err := checkRecord(v, record, ruleColumns, input.Rules)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if len(violations) == 0 {
			out.Append(record)
			continue
		}

		if input.OnViolation == "fail" {
			return nil, fmt.Errorf("row %d violates rules: %s", i+1, strings.Join(violations, "; "))
		}
		logger.Warn("Rejecting row.", "row", i+1, "violations", strings.Join(violations, "; "))
		quarantine.Append(record)
		if input.MaxViolations > 0 && quarantine.Len() > input.MaxViolations {
			return nil, fmt.Errorf("rejected rows exceeded max_violations (%d)", input.MaxViolations)
		}
	}

	if input.RejectPath != "" && quarantine.Len() > 0 {
		if _, err := dataset.WriteJSONL(input.RejectPath, quarantine); err != nil {
			return nil, fmt.Errorf("failed to write rejected rows to '%s': %w", input.RejectPath, err)
		}
		logger.Info("Rejected rows written.", "path", input.RejectPath, "rows", quarantine.Len())
	}

	logger.Info("Validation complete.", "accepted", out.Len(), "rejected", quarantine.Len())
	return &registry.Result{
		Batch: out,
		Outputs: map[string]cty.Value{
			"accepted": cty.NumberIntVal(int64(out.Len())),
			"rejected": cty.NumberIntVal(int64(quarantine.Len())),
		},
	}, nil
}

// checkRecord returns a violation message per failed rule. The validator
// panics on undefined rule tags, and rules come from user config, so the
// panic is converted into an error.
func checkRecord(v *validator.Validate, record dataset.Record, ruleColumns []string, rules map[string]string) (violations []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			violations = nil
			err = fmt.Errorf("invalid rule: %v", r)
		}
	}()
	for _, col := range ruleColumns {
		tag := rules[col]
		raw, err := dataset.ValueToInterface(record.Value(col))
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col, err)
		}
		if err := v.Var(raw, tag); err != nil {
			if _, ok := err.(validator.ValidationErrors); !ok {
				return nil, fmt.Errorf("column %q has an invalid rule %q: %w", col, tag, err)
			}
			violations = append(violations, fmt.Sprintf("column %q failed rule %q", col, tag))
		}
	}
	return violations, nil
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterStage("OnRunValidate", &registry.StageHandler{
		NewInput: func() any { return new(Input) },
		Fn:       OnRunValidate,
	})
}
