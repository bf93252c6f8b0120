package condition_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loomworks/loom/pkg/condition"
)

func testContext() *condition.Context {
	return &condition.Context{
		Inputs: map[string]any{
			"amount": float64(150),
			"email":  "user@example.com",
		},
		Variables: map[string]any{
			"tier":     "gold",
			"userRole": "admin",
			"retries":  float64(2),
		},
		StepOutputs: map[string]any{
			"fetch": map[string]any{
				"status": float64(200),
				"items":  []any{float64(1), float64(2), float64(3)},
			},
			"score": float64(0.87),
		},
		CurrentStep: "decide",
		OrgID:       "org-1",
		UserID:      "user-1",
	}
}

func evaluate(t *testing.T, rule map[string]any) bool {
	t.Helper()
	ok, err := condition.New().Evaluate(rule, testContext())
	assert.NoError(t, err)
	return ok
}

func TestEmptyRuleAlwaysTrue(t *testing.T) {
	as := assert.New(t)
	e := condition.New()

	ok, err := e.Evaluate(nil, testContext())
	as.NoError(err)
	as.True(ok)

	ok, err = e.Evaluate(map[string]any{}, nil)
	as.NoError(err)
	as.True(ok)
}

func TestLogicTreeOperators(t *testing.T) {
	v := func(path string) map[string]any {
		return map[string]any{"var": path}
	}

	tests := []struct {
		name string
		rule map[string]any
		want bool
	}{
		{"var equality", map[string]any{
			"==": []any{v("variables.tier"), "gold"}}, true},
		{"loose equality across types", map[string]any{
			"==": []any{v("inputs.amount"), "150"}}, true},
		{"strict inequality across types", map[string]any{
			"===": []any{v("inputs.amount"), "150"}}, false},
		{"numeric comparison", map[string]any{
			">": []any{v("stepOutputs.fetch.status"), float64(199)}}, true},
		{"chained comparison", map[string]any{
			"<": []any{float64(1), float64(2), float64(3)}}, true},
		{"chained comparison breaks", map[string]any{
			"<": []any{float64(1), float64(3), float64(2)}}, false},
		{"and short-circuits", map[string]any{
			"and": []any{true, map[string]any{
				">": []any{v("variables.retries"), float64(1)}}}}, true},
		{"or picks first truthy", map[string]any{
			"or": []any{false, map[string]any{
				"==": []any{v("variables.tier"), "gold"}}}}, true},
		{"not", map[string]any{
			"!": []any{map[string]any{
				"==": []any{v("variables.tier"), "silver"}}}}, true},
		{"if", map[string]any{
			"if": []any{
				map[string]any{">": []any{v("inputs.amount"), float64(100)}},
				true, false}}, true},
		{"in array", map[string]any{
			"in": []any{float64(2), v("stepOutputs.fetch.items")}}, true},
		{"in string", map[string]any{
			"in": []any{"@example", v("inputs.email")}}, true},
		{"arithmetic", map[string]any{
			">": []any{map[string]any{
				"*": []any{v("variables.retries"), float64(100)}},
				float64(150)}}, true},
		{"missing var defaults", map[string]any{
			"==": []any{
				map[string]any{"var": []any{"variables.absent", "dflt"}},
				"dflt"}}, true},
		{"exists", map[string]any{
			"exists": []any{"variables.tier"}}, true},
		{"isEmpty", map[string]any{
			"isEmpty": []any{v("variables.absent")}}, true},
		{"regex", map[string]any{
			"regex": []any{"^user@", v("inputs.email")}}, true},
		{"cat compares", map[string]any{
			"==": []any{map[string]any{
				"cat": []any{v("variables.tier"), "-1"}}, "gold-1"}}, true},
		{"meta scoping", map[string]any{
			"==": []any{v("currentStep"), "decide"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evaluate(t, tt.rule))
		})
	}
}

func TestArrayOperators(t *testing.T) {
	as := assert.New(t)
	items := map[string]any{"var": "stepOutputs.fetch.items"}

	as.True(evaluate(t, map[string]any{
		"all": []any{items, map[string]any{
			">": []any{map[string]any{"var": ""}, float64(0)}}},
	}))
	as.True(evaluate(t, map[string]any{
		"some": []any{items, map[string]any{
			"==": []any{map[string]any{"var": ""}, float64(3)}}},
	}))
	as.False(evaluate(t, map[string]any{
		"none": []any{items, map[string]any{
			"==": []any{map[string]any{"var": ""}, float64(1)}}},
	}))

	// filter feeds a comparison through merge
	as.True(evaluate(t, map[string]any{
		"==": []any{
			map[string]any{"+": []any{map[string]any{
				"reduce": []any{items, map[string]any{
					"+": []any{
						map[string]any{"var": "accumulator"},
						map[string]any{"var": "current"}}},
					float64(0)}}}},
			float64(6)},
	}))
}

func TestUnknownOperatorFails(t *testing.T) {
	as := assert.New(t)
	e := condition.New()

	_, err := e.Evaluate(map[string]any{
		"bogus": []any{1, 2},
	}, testContext())
	as.Error(err)
	as.ErrorIs(err, condition.ErrUnknownOperator)
}

func TestMultiKeyNodeFails(t *testing.T) {
	e := condition.New()
	_, err := e.Evaluate(map[string]any{
		"and": []any{true},
		"or":  []any{true},
	}, testContext())
	assert.ErrorIs(t, err, condition.ErrInvalidRule)
}

func TestSimpleComparison(t *testing.T) {
	tests := []struct {
		name string
		rule map[string]any
		want bool
	}{
		{"equality", map[string]any{
			"field": "variables.tier", "operator": "==",
			"value": "gold"}, true},
		{"inequality", map[string]any{
			"field": "variables.tier", "operator": "!=",
			"value": "silver"}, true},
		{"greater than", map[string]any{
			"field": "inputs.amount", "operator": ">",
			"value": float64(100)}, true},
		{"contains string", map[string]any{
			"field": "inputs.email", "operator": "contains",
			"value": "@example"}, true},
		{"contains array", map[string]any{
			"field": "stepOutputs.fetch.items", "operator": "contains",
			"value": float64(2)}, true},
		{"startsWith", map[string]any{
			"field": "inputs.email", "operator": "startsWith",
			"value": "user"}, true},
		{"endsWith", map[string]any{
			"field": "inputs.email", "operator": "endsWith",
			"value": ".com"}, true},
		{"in", map[string]any{
			"field": "variables.tier", "operator": "in",
			"value": []any{"gold", "platinum"}}, true},
		{"notIn", map[string]any{
			"field": "variables.tier", "operator": "notIn",
			"value": []any{"silver"}}, true},
		{"exists", map[string]any{
			"field": "stepOutputs.score", "operator": "exists"}, true},
		{"notExists", map[string]any{
			"field": "stepOutputs.absent", "operator": "notExists"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evaluate(t, tt.rule))
		})
	}
}

func TestComparisonValidation(t *testing.T) {
	as := assert.New(t)
	e := condition.New()

	_, err := e.Evaluate(map[string]any{
		"field": "variables.tier", "operator": "~~",
	}, testContext())
	as.ErrorIs(err, condition.ErrInvalidRule)

	_, err = e.Evaluate(map[string]any{
		"field": "", "operator": "==",
	}, testContext())
	as.ErrorIs(err, condition.ErrInvalidRule)
}

func TestTimeWindow(t *testing.T) {
	as := assert.New(t)
	e := condition.New()
	e.Now = func() time.Time {
		return time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)
	}

	rule := func(from, to string) map[string]any {
		return map[string]any{
			"type": "custom", "operation": "timeWindow",
			"from": from, "to": to,
		}
	}

	ok, err := e.Evaluate(rule("09:00", "17:00"), nil)
	as.NoError(err)
	as.True(ok)

	ok, err = e.Evaluate(rule("15:00", "17:00"), nil)
	as.NoError(err)
	as.False(ok)

	// window crossing midnight
	ok, err = e.Evaluate(rule("22:00", "15:00"), nil)
	as.NoError(err)
	as.True(ok)

	_, err = e.Evaluate(rule("25:99", "17:00"), nil)
	as.ErrorIs(err, condition.ErrInvalidRule)
}

func TestUserRole(t *testing.T) {
	as := assert.New(t)
	e := condition.New()

	rule := map[string]any{
		"type": "custom", "operation": "userRole",
		"roles": []any{"admin", "owner"},
	}

	ok, err := e.Evaluate(rule, testContext())
	as.NoError(err)
	as.True(ok)

	ctx := testContext()
	ctx.Variables["userRole"] = "viewer"
	ok, err = e.Evaluate(rule, ctx)
	as.NoError(err)
	as.False(ok)

	// role missing entirely
	ctx.Variables = map[string]any{}
	ctx.Inputs = map[string]any{}
	ok, err = e.Evaluate(rule, ctx)
	as.NoError(err)
	as.False(ok)
}

func TestStepOutput(t *testing.T) {
	as := assert.New(t)
	e := condition.New()

	ok, err := e.Evaluate(map[string]any{
		"type": "custom", "operation": "stepOutput",
		"stepId": "fetch",
		"condition": map[string]any{
			"field": "inputs.status", "operator": "==",
			"value": float64(200),
		},
	}, testContext())
	as.NoError(err)
	as.True(ok)

	// scalar outputs are wrapped under inputs.value
	ok, err = e.Evaluate(map[string]any{
		"type": "custom", "operation": "stepOutput",
		"stepId": "score",
		"condition": map[string]any{
			"field": "inputs.value", "operator": ">",
			"value": float64(0.5),
		},
	}, testContext())
	as.NoError(err)
	as.True(ok)

	_, err = e.Evaluate(map[string]any{
		"type": "custom", "operation": "stepOutput",
	}, testContext())
	as.ErrorIs(err, condition.ErrInvalidRule)
}

func TestUnknownCustomOperation(t *testing.T) {
	e := condition.New()
	_, err := e.Evaluate(map[string]any{
		"type": "custom", "operation": "teleport",
	}, testContext())
	assert.ErrorIs(t, err, condition.ErrUnknownOperation)
}

func TestValidateRule(t *testing.T) {
	as := assert.New(t)
	e := condition.New()

	as.NoError(e.ValidateRule(nil))
	as.NoError(e.ValidateRule(map[string]any{
		"and": []any{
			map[string]any{"==": []any{map[string]any{"var": "x"}, 1}},
			map[string]any{">": []any{map[string]any{"var": "y"}, 2}},
		},
	}))
	as.NoError(e.ValidateRule(map[string]any{
		"field": "inputs.amount", "operator": ">", "value": float64(10),
	}))
	as.NoError(e.ValidateRule(map[string]any{
		"type": "custom", "operation": "timeWindow",
		"from": "09:00", "to": "17:00",
	}))

	as.Error(e.ValidateRule(map[string]any{"bogus": []any{1}}))
	as.Error(e.ValidateRule(map[string]any{
		"field": "x", "operator": "bogus",
	}))
	as.Error(e.ValidateRule(map[string]any{
		"type": "custom", "operation": "userRole", "roles": "admin",
	}))
}
