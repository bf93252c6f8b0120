package condition

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// logicOperators is the closed operator set of the logic-tree rule shape.
// Lazy operators receive their arguments unevaluated.
var logicOperators = map[string]bool{
	"==": true, "!=": true, "===": true, "!==": true,
	"<": true, "<=": true, ">": true, ">=": true,
	"and": true, "or": true, "not": true, "!": true,
	"if": true, "?:": true,
	"var": true, "missing": true, "missing_some": true,
	"in": true, "cat": true, "substr": true, "merge": true,
	"+": true, "-": true, "*": true, "/": true, "%": true,
	"min": true, "max": true,
	"reduce": true, "map": true, "filter": true,
	"all": true, "none": true, "some": true,
	"exists": true, "isEmpty": true, "regex": true,
}

// apply evaluates one logic-tree node against the current data scope
func (e *Evaluator) apply(node any, data any) (any, error) {
	rule, ok := node.(map[string]any)
	if !ok {
		return node, nil
	}
	if len(rule) == 0 {
		return rule, nil
	}
	if len(rule) != 1 {
		return nil, invalidRule("operator node has %d keys", len(rule))
	}

	var op string
	var raw any
	for k, v := range rule {
		op, raw = k, v
	}
	if !logicOperators[op] {
		return nil, invalidRule("%s: %q", ErrUnknownOperator, op)
	}

	args := argList(raw)

	switch op {
	case "if", "?:":
		return e.applyIf(args, data)
	case "and":
		return e.applyAnd(args, data)
	case "or":
		return e.applyOr(args, data)
	case "map", "filter", "reduce", "all", "none", "some":
		return e.applyArrayOp(op, args, data)
	}

	vals, err := e.evalAll(args, data)
	if err != nil {
		return nil, err
	}

	switch op {
	case "var":
		return e.applyVar(vals, data)
	case "missing":
		return missingKeys(vals, data), nil
	case "missing_some":
		return e.applyMissingSome(vals, data)
	case "not", "!":
		return !truthy(first(vals)), nil
	case "==":
		return looseEqual(arg(vals, 0), arg(vals, 1)), nil
	case "!=":
		return !looseEqual(arg(vals, 0), arg(vals, 1)), nil
	case "===":
		return strictEqual(arg(vals, 0), arg(vals, 1)), nil
	case "!==":
		return !strictEqual(arg(vals, 0), arg(vals, 1)), nil
	case "<", "<=", ">", ">=":
		return compareChain(op, vals)
	case "in":
		return applyIn(arg(vals, 0), arg(vals, 1)), nil
	case "cat":
		return applyCat(vals), nil
	case "substr":
		return applySubstr(vals), nil
	case "merge":
		return applyMerge(vals), nil
	case "+", "-", "*", "/", "%":
		return applyArithmetic(op, vals)
	case "min", "max":
		return applyMinMax(op, vals)
	case "exists":
		_, found := resolvePath(data, asPath(arg(vals, 0)))
		return found, nil
	case "isEmpty":
		return isEmpty(first(vals)), nil
	case "regex":
		return applyRegex(vals)
	}
	return nil, invalidRule("%s: %q", ErrUnknownOperator, op)
}

func (e *Evaluator) evalAll(args []any, data any) ([]any, error) {
	vals := make([]any, len(args))
	for i, a := range args {
		v, err := e.apply(a, data)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

func (e *Evaluator) applyIf(args []any, data any) (any, error) {
	for i := 0; i+1 < len(args); i += 2 {
		cond, err := e.apply(args[i], data)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return e.apply(args[i+1], data)
		}
	}
	if len(args)%2 == 1 {
		return e.apply(args[len(args)-1], data)
	}
	return nil, nil
}

func (e *Evaluator) applyAnd(args []any, data any) (any, error) {
	var last any = true
	for _, a := range args {
		v, err := e.apply(a, data)
		if err != nil {
			return nil, err
		}
		if !truthy(v) {
			return v, nil
		}
		last = v
	}
	return last, nil
}

func (e *Evaluator) applyOr(args []any, data any) (any, error) {
	var last any = false
	for _, a := range args {
		v, err := e.apply(a, data)
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			return v, nil
		}
		last = v
	}
	return last, nil
}

func (e *Evaluator) applyVar(vals []any, data any) (any, error) {
	path := asPath(arg(vals, 0))
	v, found := resolvePath(data, path)
	if found {
		return v, nil
	}
	if len(vals) > 1 {
		return vals[1], nil
	}
	return nil, nil
}

func (e *Evaluator) applyMissingSome(vals []any, data any) (any, error) {
	min, ok := toFloat(arg(vals, 0))
	if !ok {
		return nil, invalidRule("missing_some: first argument not numeric")
	}
	keys, _ := arg(vals, 1).([]any)
	missing := missingKeys(keys, data)
	if len(keys)-len(missing) >= int(min) {
		return []any{}, nil
	}
	return missing, nil
}

// applyArrayOp evaluates the collection operators. The first argument is
// evaluated to produce the collection; the second stays unevaluated and is
// applied per element with the element as the data scope.
func (e *Evaluator) applyArrayOp(
	op string, args []any, data any,
) (any, error) {
	if len(args) < 2 {
		return nil, invalidRule("%s: requires collection and logic", op)
	}
	collVal, err := e.apply(args[0], data)
	if err != nil {
		return nil, err
	}
	coll, _ := collVal.([]any)
	logic := args[1]

	switch op {
	case "map":
		out := make([]any, 0, len(coll))
		for _, item := range coll {
			v, err := e.apply(logic, item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case "filter":
		var out []any
		for _, item := range coll {
			v, err := e.apply(logic, item)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				out = append(out, item)
			}
		}
		return out, nil

	case "reduce":
		var acc any
		if len(args) > 2 {
			if acc, err = e.apply(args[2], data); err != nil {
				return nil, err
			}
		}
		for _, item := range coll {
			scope := map[string]any{"current": item, "accumulator": acc}
			if acc, err = e.apply(logic, scope); err != nil {
				return nil, err
			}
		}
		return acc, nil

	case "all":
		if len(coll) == 0 {
			return false, nil
		}
		for _, item := range coll {
			v, err := e.apply(logic, item)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil

	case "none", "some":
		for _, item := range coll {
			v, err := e.apply(logic, item)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return op == "some", nil
			}
		}
		return op == "none", nil
	}
	return nil, invalidRule("%s: %q", ErrUnknownOperator, op)
}

func missingKeys(keys []any, data any) []any {
	missing := []any{}
	for _, k := range keys {
		if _, found := resolvePath(data, asPath(k)); !found {
			missing = append(missing, k)
		}
	}
	return missing
}

func compareChain(op string, vals []any) (any, error) {
	if len(vals) < 2 {
		return nil, invalidRule("%s: requires at least two arguments", op)
	}
	for i := 0; i+1 < len(vals); i++ {
		a, okA := toFloat(vals[i])
		b, okB := toFloat(vals[i+1])
		var pass bool
		if okA && okB {
			pass = compareFloats(op, a, b)
		} else {
			pass = compareStrings(op, asString(vals[i]), asString(vals[i+1]))
		}
		if !pass {
			return false, nil
		}
	}
	return true, nil
}

func compareFloats(op string, a, b float64) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	default:
		return a >= b
	}
}

func compareStrings(op, a, b string) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	default:
		return a >= b
	}
}

func applyIn(needle, haystack any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, asString(needle))
	case []any:
		for _, item := range h {
			if looseEqual(needle, item) {
				return true
			}
		}
	}
	return false
}

func applyCat(vals []any) string {
	var sb strings.Builder
	for _, v := range vals {
		sb.WriteString(asString(v))
	}
	return sb.String()
}

func applySubstr(vals []any) string {
	s := asString(arg(vals, 0))
	runes := []rune(s)
	start := 0
	if f, ok := toFloat(arg(vals, 1)); ok {
		start = int(f)
	}
	if start < 0 {
		start = max(len(runes)+start, 0)
	}
	if start > len(runes) {
		return ""
	}
	end := len(runes)
	if len(vals) > 2 {
		if f, ok := toFloat(vals[2]); ok {
			n := int(f)
			if n < 0 {
				end = max(len(runes)+n, start)
			} else {
				end = min(start+n, len(runes))
			}
		}
	}
	if end < start {
		end = start
	}
	return string(runes[start:end])
}

func applyMerge(vals []any) []any {
	out := []any{}
	for _, v := range vals {
		if arr, ok := v.([]any); ok {
			out = append(out, arr...)
			continue
		}
		out = append(out, v)
	}
	return out
}

func applyArithmetic(op string, vals []any) (any, error) {
	nums := make([]float64, 0, len(vals))
	for _, v := range vals {
		f, ok := toFloat(v)
		if !ok {
			return nil, invalidRule("%s: non-numeric argument %v", op, v)
		}
		nums = append(nums, f)
	}
	if len(nums) == 0 {
		return nil, invalidRule("%s: no arguments", op)
	}

	switch op {
	case "+":
		sum := 0.0
		for _, n := range nums {
			sum += n
		}
		return sum, nil
	case "*":
		product := 1.0
		for _, n := range nums {
			product *= n
		}
		return product, nil
	case "-":
		if len(nums) == 1 {
			return -nums[0], nil
		}
		return nums[0] - nums[1], nil
	case "/":
		if len(nums) < 2 || nums[1] == 0 {
			return nil, invalidRule("/: division by zero")
		}
		return nums[0] / nums[1], nil
	default:
		if len(nums) < 2 || nums[1] == 0 {
			return nil, invalidRule("%%: division by zero")
		}
		return math.Mod(nums[0], nums[1]), nil
	}
}

func applyMinMax(op string, vals []any) (any, error) {
	if len(vals) == 0 {
		return nil, invalidRule("%s: no arguments", op)
	}
	best, ok := toFloat(vals[0])
	if !ok {
		return nil, invalidRule("%s: non-numeric argument", op)
	}
	for _, v := range vals[1:] {
		f, ok := toFloat(v)
		if !ok {
			return nil, invalidRule("%s: non-numeric argument", op)
		}
		if (op == "min" && f < best) || (op == "max" && f > best) {
			best = f
		}
	}
	return best, nil
}

func applyRegex(vals []any) (any, error) {
	pattern := asString(arg(vals, 0))
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, invalidRule("regex: %v", err)
	}
	return re.MatchString(asString(arg(vals, 1))), nil
}

// validateLogic walks a logic tree checking operator names and node shape
func validateLogic(node any) error {
	rule, ok := node.(map[string]any)
	if !ok {
		if arr, ok := node.([]any); ok {
			for _, item := range arr {
				if err := validateLogic(item); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if len(rule) == 0 {
		return nil
	}
	if len(rule) != 1 {
		return invalidRule("operator node has %d keys", len(rule))
	}
	for op, args := range rule {
		if !logicOperators[op] {
			return invalidRule("%s: %q", ErrUnknownOperator, op)
		}
		if err := validateLogic(args); err != nil {
			return err
		}
	}
	return nil
}

func argList(raw any) []any {
	if list, ok := raw.([]any); ok {
		return list
	}
	return []any{raw}
}

func arg(vals []any, i int) any {
	if i < len(vals) {
		return vals[i]
	}
	return nil
}

func first(vals []any) any {
	return arg(vals, 0)
}

func asPath(v any) string {
	switch p := v.(type) {
	case string:
		return p
	case float64:
		return fmt.Sprintf("%d", int(p))
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", p)
	}
}
