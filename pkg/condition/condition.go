// Package condition evaluates step guard rules against an execution
// context. Three rule shapes are supported, discriminated by structure: a
// recursive logic tree of operator nodes, a flat field/operator/value
// comparison, and a small custom DSL. Evaluation is pure; the context is
// threaded explicitly through every call.
package condition

import (
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

type (
	// Meta identifies where an evaluation is happening, for custom ops
	// and diagnostics
	Meta struct {
		FlowID      api.FlowID      `json:"flowId,omitempty"`
		ExecutionID api.ExecutionID `json:"executionId,omitempty"`
		StepID      api.StepID      `json:"stepId,omitempty"`
	}

	// Context is the data a rule is evaluated against
	Context struct {
		Inputs      map[string]any `json:"inputs,omitempty"`
		Variables   map[string]any `json:"variables,omitempty"`
		StepOutputs map[string]any `json:"stepOutputs,omitempty"`
		CurrentStep string         `json:"currentStep,omitempty"`
		OrgID       api.OrgID      `json:"orgId,omitempty"`
		UserID      api.UserID     `json:"userId,omitempty"`
		Meta        Meta           `json:"meta"`
	}

	// Evaluator evaluates and validates guard rules. The zero value is
	// usable; Now is overridable for time-window tests.
	Evaluator struct {
		Now func() time.Time
	}
)

var (
	ErrInvalidRule      = errors.New("invalid condition rule")
	ErrUnknownOperator  = errors.New("unknown operator")
	ErrUnknownOperation = errors.New("unknown custom operation")
)

// New creates an evaluator with the real clock
func New() *Evaluator {
	return &Evaluator{Now: time.Now}
}

// Evaluate applies a rule to the context and reports the boolean outcome.
// Absent and empty rules evaluate to true so that guardless steps always
// run. Ill-formed rules fail with INVALID_CONDITION_RULE.
func (e *Evaluator) Evaluate(rule map[string]any, ctx *Context) (bool, error) {
	if len(rule) == 0 {
		return true, nil
	}
	if ctx == nil {
		ctx = &Context{}
	}

	switch {
	case isSimpleComparison(rule):
		return e.evaluateComparison(rule, ctx)
	case isCustomRule(rule):
		return e.evaluateCustom(rule, ctx)
	default:
		result, err := e.apply(rule, ctx.data())
		if err != nil {
			return false, err
		}
		return truthy(result), nil
	}
}

// ValidateRule checks a rule for structural well-formedness without
// evaluating it
func (e *Evaluator) ValidateRule(rule map[string]any) error {
	if len(rule) == 0 {
		return nil
	}
	switch {
	case isSimpleComparison(rule):
		return validateComparison(rule)
	case isCustomRule(rule):
		return validateCustom(rule)
	default:
		return validateLogic(rule)
	}
}

func isSimpleComparison(rule map[string]any) bool {
	_, hasField := rule["field"]
	_, hasOp := rule["operator"]
	return hasField && hasOp
}

func isCustomRule(rule map[string]any) bool {
	t, _ := rule["type"].(string)
	return t == "custom"
}

// data builds the root document that var paths resolve against
func (c *Context) data() map[string]any {
	return map[string]any{
		"inputs":      c.Inputs,
		"variables":   c.Variables,
		"stepOutputs": c.StepOutputs,
		"currentStep": c.CurrentStep,
		"orgId":       string(c.OrgID),
		"userId":      string(c.UserID),
		"meta": map[string]any{
			"flowId":      string(c.Meta.FlowID),
			"executionId": string(c.Meta.ExecutionID),
			"stepId":      string(c.Meta.StepID),
		},
	}
}

func invalidRule(format string, args ...any) error {
	return api.WithCode(api.CodeInvalidCondition,
		fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...)))
}
