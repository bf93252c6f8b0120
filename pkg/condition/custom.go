package condition

import (
	"time"
)

// evaluateCustom handles the {type:"custom", operation:...} rule shape
func (e *Evaluator) evaluateCustom(
	rule map[string]any, ctx *Context,
) (bool, error) {
	op, _ := rule["operation"].(string)

	switch op {
	case "timeWindow":
		return e.evaluateTimeWindow(rule)
	case "userRole":
		return e.evaluateUserRole(rule, ctx), nil
	case "stepOutput":
		return e.evaluateStepOutput(rule, ctx)
	}
	return false, invalidRule("%s: %q", ErrUnknownOperation, op)
}

// evaluateTimeWindow checks whether the current wall-clock time falls
// inside an HH:MM window. Windows that cross midnight are honored.
func (e *Evaluator) evaluateTimeWindow(rule map[string]any) (bool, error) {
	from, okFrom := parseClock(rule["from"])
	to, okTo := parseClock(rule["to"])
	if !okFrom || !okTo {
		return false, invalidRule("timeWindow: from/to must be HH:MM")
	}

	now := e.now()
	minutes := now.Hour()*60 + now.Minute()
	if from <= to {
		return minutes >= from && minutes < to, nil
	}
	return minutes >= from || minutes < to, nil
}

// evaluateUserRole checks membership of the execution's user role, taken
// from variables then inputs, in the rule's roles list
func (e *Evaluator) evaluateUserRole(
	rule map[string]any, ctx *Context,
) bool {
	role, _ := ctx.Variables["userRole"].(string)
	if role == "" {
		role, _ = ctx.Inputs["userRole"].(string)
	}
	if role == "" {
		return false
	}
	roles, _ := rule["roles"].([]any)
	for _, r := range roles {
		if asString(r) == role {
			return true
		}
	}
	return false
}

// evaluateStepOutput recurses into the nested condition with the named
// step's output substituted as the context inputs
func (e *Evaluator) evaluateStepOutput(
	rule map[string]any, ctx *Context,
) (bool, error) {
	stepID, _ := rule["stepId"].(string)
	if stepID == "" {
		return false, invalidRule("stepOutput: stepId required")
	}
	nested, _ := rule["condition"].(map[string]any)
	if nested == nil {
		return false, invalidRule("stepOutput: condition required")
	}

	output := ctx.StepOutputs[stepID]
	inputs, _ := output.(map[string]any)
	if inputs == nil && output != nil {
		inputs = map[string]any{"value": output}
	}

	scoped := *ctx
	scoped.Inputs = inputs
	return e.Evaluate(nested, &scoped)
}

func validateCustom(rule map[string]any) error {
	op, _ := rule["operation"].(string)
	switch op {
	case "timeWindow":
		if _, ok := parseClock(rule["from"]); !ok {
			return invalidRule("timeWindow: from must be HH:MM")
		}
		if _, ok := parseClock(rule["to"]); !ok {
			return invalidRule("timeWindow: to must be HH:MM")
		}
		return nil
	case "userRole":
		if _, ok := rule["roles"].([]any); !ok {
			return invalidRule("userRole: roles must be a list")
		}
		return nil
	case "stepOutput":
		stepID, _ := rule["stepId"].(string)
		if stepID == "" {
			return invalidRule("stepOutput: stepId required")
		}
		nested, _ := rule["condition"].(map[string]any)
		if nested == nil {
			return invalidRule("stepOutput: condition required")
		}
		return nil
	}
	return invalidRule("%s: %q", ErrUnknownOperation, op)
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// parseClock parses "HH:MM" into minutes since midnight
func parseClock(v any) (int, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
