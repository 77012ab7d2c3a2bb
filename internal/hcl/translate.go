package hcl

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/etlgrid/internal/config"
	"github.com/vk/etlgrid/internal/schema"
	"github.com/zclconf/go-cty/cty"
)

// translateStage converts the HCL-specific stage schema into the agnostic model.
func (l *Loader) translateStage(s *schema.Stage) (*config.Stage, error) {
	arguments, err := l.extractBodyAttributes(s.Arguments)
	if err != nil {
		return nil, fmt.Errorf("invalid arguments block: %w", err)
	}
	uses, err := l.extractBodyAttributes(s.Uses)
	if err != nil {
		return nil, fmt.Errorf("invalid uses block: %w", err)
	}
	stage := &config.Stage{
		StageType: s.StageType,
		Name:      s.Name,
		Source:    normalizeSourceExpr(s.Source),
		Arguments: arguments,
		Uses:      uses,
		DependsOn: s.DependsOn,
	}
	if s.Retries != nil {
		if *s.Retries < 0 {
			return nil, fmt.Errorf("retries must not be negative, got %d", *s.Retries)
		}
		stage.Retries = *s.Retries
	}
	if s.RetryDelay != nil {
		d, err := time.ParseDuration(*s.RetryDelay)
		if err != nil {
			return nil, fmt.Errorf("invalid retry_delay: %w", err)
		}
		if d < 0 {
			return nil, fmt.Errorf("retry_delay must not be negative, got %s", d)
		}
		stage.RetryDelay = d
	}
	return stage, nil
}

// normalizeSourceExpr drops the placeholder expression gohcl produces for an
// absent optional attribute, so downstream code can treat a missing source as
// nil.
func normalizeSourceExpr(expr hcl.Expression) hcl.Expression {
	if expr == nil {
		return nil
	}
	if len(expr.Variables()) > 0 {
		return expr
	}
	if val, diags := expr.Value(nil); !diags.HasErrors() && val.IsNull() {
		return nil
	}
	return expr
}

// translateConnection converts the HCL-specific connection schema into the agnostic model.
func (l *Loader) translateConnection(c *schema.Connection) (*config.Connection, error) {
	arguments, err := l.extractBodyAttributes(c.Arguments)
	if err != nil {
		return nil, fmt.Errorf("invalid arguments block: %w", err)
	}
	return &config.Connection{
		ConnType:  c.ConnType,
		Name:      c.Name,
		Arguments: arguments,
		DependsOn: c.DependsOn,
	}, nil
}

// translateConnectorDefinition converts an HCL connector manifest into the agnostic model.
func (l *Loader) translateConnectorDefinition(s *schema.ConnectorDefinition) *config.ConnectorDefinition {
	def := &config.ConnectorDefinition{
		Type:        s.Type,
		Description: s.Description,
		Inputs:      make(map[string]*config.InputDefinition),
		Outputs:     make(map[string]*config.OutputDefinition),
		Uses:        make(map[string]*config.UsesDefinition),
	}
	if s.Lifecycle != nil {
		def.Lifecycle = &config.Lifecycle{OnRun: s.Lifecycle.OnRun}
	}
	for _, in := range s.Inputs {
		def.Inputs[in.Name] = translateInputDefinition(in)
	}
	for _, out := range s.Outputs {
		def.Outputs[out.Name] = &config.OutputDefinition{
			Name:        out.Name,
			Type:        cty.DynamicPseudoType,
			Description: out.Description,
		}
	}
	for _, use := range s.Uses {
		def.Uses[use.LocalName] = &config.UsesDefinition{
			LocalName: use.LocalName,
			ConnType:  use.ConnType,
		}
	}
	return def
}

// translateConnectionDefinition converts an HCL connection-type manifest into the agnostic model.
func (l *Loader) translateConnectionDefinition(s *schema.ConnectionDefinition) *config.ConnectionDefinition {
	def := &config.ConnectionDefinition{
		Type:        s.Type,
		Description: s.Description,
		Inputs:      make(map[string]*config.InputDefinition),
	}
	if s.Lifecycle != nil {
		def.Lifecycle = &config.ConnectionLifecycle{Open: s.Lifecycle.Open, Close: s.Lifecycle.Close}
	}
	for _, in := range s.Inputs {
		def.Inputs[in.Name] = translateInputDefinition(in)
	}
	return def
}

// translateInputDefinition resolves an input's default value. A default is
// only honored when it evaluates cleanly to a non-null value, and its
// presence is what makes the input optional.
func translateInputDefinition(in *schema.InputDefinition) *config.InputDefinition {
	var defaultVal *cty.Value
	var isOptional bool

	if in.Default != nil && !in.Default.IsNull() {
		defaultVal = in.Default
		isOptional = true
	}

	return &config.InputDefinition{
		Name:        in.Name,
		Type:        cty.DynamicPseudoType,
		Description: in.Description,
		Default:     defaultVal,
		Optional:    isOptional,
	}
}

// extractBodyAttributes flattens an arguments or uses block into a map of
// named, unevaluated expressions.
func (l *Loader) extractBodyAttributes(block any) (map[string]hcl.Expression, error) {
	if block == nil {
		return nil, nil
	}
	var body hcl.Body
	switch b := block.(type) {
	case *schema.StageArgs:
		if b == nil {
			return nil, nil
		}
		body = b.Body
	case *schema.UsesBlock:
		if b == nil {
			return nil, nil
		}
		body = b.Body
	default:
		return nil, nil
	}
	if body == nil {
		return nil, nil
	}
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	exprMap := make(map[string]hcl.Expression, len(attrs))
	for name, attr := range attrs {
		exprMap[name] = attr.Expr
	}
	return exprMap, nil
}
