package api

import "fmt"

type (
	// StepType identifies a step handler. The set is closed; dispatching an
	// unrecognized type fails the step with CodeUnknownStepType.
	StepType string

	// StepConfig is the type-specific configuration map of a step
	// declaration. Typed accessors tolerate JSON's habit of delivering
	// every number as float64.
	StepConfig map[string]any

	// FlowStep is a single step declaration inside a flow. Immutable once
	// the flow is accepted.
	FlowStep struct {
		Config    StepConfig     `json:"config,omitempty"`
		ExecuteIf map[string]any `json:"executeIf,omitempty"`
		Critical  *bool          `json:"critical,omitempty"`
		ID        StepID         `json:"id"`
		Type      StepType       `json:"type"`
		Name      string         `json:"name,omitempty"`
		DependsOn []StepID       `json:"dependsOn,omitempty"`
	}
)

const (
	StepTypeSandboxSync   StepType = "sandbox_sync"
	StepTypeSandboxAsync  StepType = "sandbox_async"
	StepTypeCodeExecution StepType = "code_execution"
	StepTypeDataTransform StepType = "data_transform"
	StepTypeConditional   StepType = "conditional"
	StepTypeHTTPRequest   StepType = "http_request"
	StepTypeOAuthAPICall  StepType = "oauth_api_call"
	StepTypeDelay         StepType = "delay"
)

// Validate checks a step declaration. Unknown step types pass validation
// and fail at dispatch, so a flow can be accepted and its failure audited.
func (s *FlowStep) Validate() error {
	if s.ID == "" {
		return ErrStepIDEmpty
	}
	if s.Type == "" {
		return fmt.Errorf("%w: %s", ErrStepTypeEmpty, s.ID)
	}
	return nil
}

// IsCritical reports whether a failure of this step halts the flow. A step
// is critical unless the step declaration or its config carries a literal
// false. Callers that relied on "absent means non-critical" get the
// documented default instead.
func (s *FlowStep) IsCritical() bool {
	if s.Critical != nil {
		return *s.Critical
	}
	if v, ok := s.Config["critical"]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return true
}

// String returns the config value at key, or empty when absent or not a
// string
func (c StepConfig) String(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the config value at key with a default for absent keys
func (c StepConfig) Bool(key string, dflt bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return dflt
}

// Int64 returns the config value at key with a default for absent or
// non-numeric values
func (c StepConfig) Int64(key string, dflt int64) int64 {
	switch v := c[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return dflt
	}
}

// Map returns the config value at key as a map, or nil
func (c StepConfig) Map(key string) map[string]any {
	if v, ok := c[key].(map[string]any); ok {
		return v
	}
	return nil
}
