package condition

import "strings"

// comparisonOperators is the operator set of the flat rule shape
var comparisonOperators = map[string]bool{
	"==": true, "!=": true, "===": true, "!==": true,
	"<": true, "<=": true, ">": true, ">=": true,
	"contains": true, "startsWith": true, "endsWith": true,
	"in": true, "notIn": true, "exists": true, "notExists": true,
}

// evaluateComparison handles the {field, operator, value} rule shape.
// The field is a dotted path into the context document.
func (e *Evaluator) evaluateComparison(
	rule map[string]any, ctx *Context,
) (bool, error) {
	field, _ := rule["field"].(string)
	op, _ := rule["operator"].(string)
	if err := validateComparison(rule); err != nil {
		return false, err
	}

	actual, found := resolvePath(ctx.data(), field)
	expected := rule["value"]

	switch op {
	case "exists":
		return found && actual != nil, nil
	case "notExists":
		return !found || actual == nil, nil
	case "==":
		return looseEqual(actual, expected), nil
	case "!=":
		return !looseEqual(actual, expected), nil
	case "===":
		return strictEqual(actual, expected), nil
	case "!==":
		return !strictEqual(actual, expected), nil
	case "<", "<=", ">", ">=":
		result, err := compareChain(op, []any{actual, expected})
		if err != nil {
			return false, err
		}
		return truthy(result), nil
	case "contains":
		if arr, ok := actual.([]any); ok {
			return applyIn(expected, arr), nil
		}
		return strings.Contains(asString(actual), asString(expected)), nil
	case "startsWith":
		return strings.HasPrefix(asString(actual), asString(expected)), nil
	case "endsWith":
		return strings.HasSuffix(asString(actual), asString(expected)), nil
	case "in":
		return applyIn(actual, expected), nil
	case "notIn":
		return !applyIn(actual, expected), nil
	}
	return false, invalidRule("%s: %q", ErrUnknownOperator, op)
}

func validateComparison(rule map[string]any) error {
	field, ok := rule["field"].(string)
	if !ok || field == "" {
		return invalidRule("comparison: field must be a non-empty string")
	}
	op, ok := rule["operator"].(string)
	if !ok || !comparisonOperators[op] {
		return invalidRule("comparison: %s: %v", ErrUnknownOperator,
			rule["operator"])
	}
	return nil
}
