package dispatch

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/sandbox"
	"github.com/loomworks/loom/internal/script"
	"github.com/loomworks/loom/pkg/api"
)

// Sandbox-bound scripts are javascript; the prologue exposes the step
// outputs as input and the full context alongside.
const (
	transformPrologue = "const input = context.stepOutputs;\n" +
		"const flowContext = context;\n"
	conditionalTemplate = "const context = arguments[0];\nreturn %s;"
)

func (d *Dispatcher) handleDataTransform(
	ctx context.Context, step *api.FlowStep, sc *Context,
) *api.StepResult {
	src := step.Config.String("script")
	if src == "" {
		return api.Failed(api.Codef(api.CodeTransformError,
			"step %s: no script to evaluate", step.ID))
	}

	if d.useSandbox(step) {
		req := d.scriptRequest(step, sc, transformPrologue+src)
		res, err := d.sandbox.RunSync(ctx, req)
		if err == nil {
			return sandboxResult(res)
		}
		return api.Failed(recode(err, api.CodeTransformError))
	}

	out, err := d.script.Run(src, d.scope(sc))
	if err != nil {
		return api.Failed(recode(err, api.CodeTransformError))
	}
	return api.Succeeded(out)
}

func (d *Dispatcher) handleConditional(
	ctx context.Context, step *api.FlowStep, sc *Context,
) *api.StepResult {
	src := step.Config.String("condition")
	if src == "" {
		return api.Failed(api.Codef(api.CodeConditionError,
			"step %s: no condition to evaluate", step.ID))
	}

	if d.useSandbox(step) {
		req := d.scriptRequest(step, sc, fmt.Sprintf(conditionalTemplate, src))
		res, err := d.sandbox.RunSync(ctx, req)
		if err != nil {
			return api.Failed(recode(err, api.CodeConditionError))
		}
		if res.Error != "" {
			return api.Failed(api.Codef(api.CodeConditionError,
				"%s", res.Error))
		}
		return api.Succeeded(map[string]any{
			"conditionResult": res.Result,
		})
	}

	value, err := d.script.RunValue(src, d.scope(sc))
	if err != nil {
		return api.Failed(recode(err, api.CodeConditionError))
	}
	return api.Succeeded(map[string]any{"conditionResult": value})
}

// useSandbox reports whether a script step should run remotely: the
// sandbox must be configured and the step must not have opted out
func (d *Dispatcher) useSandbox(step *api.FlowStep) bool {
	return d.sandbox.Available() && step.Config.Bool("useSandbox", true)
}

// scriptRequest wraps generated javascript for remote evaluation
func (d *Dispatcher) scriptRequest(
	step *api.FlowStep, sc *Context, code string,
) *sandbox.RunRequest {
	sandboxContext := sc.contextMap()
	sandboxContext["stepId"] = string(step.ID)
	return &sandbox.RunRequest{
		Code:     code,
		Language: "javascript",
		Context:  sandboxContext,
		Timeout:  d.syncTimeout.Milliseconds(),
	}
}

func (d *Dispatcher) scope(sc *Context) *script.Scope {
	contextMap := sc.contextMap()
	input, _ := contextMap["stepOutputs"].(map[string]any)
	return &script.Scope{
		Input:   input,
		Context: contextMap,
	}
}

// recode swaps the taxonomy code on a coded error while preserving the
// message chain
func recode(err error, code api.ErrorCode) error {
	return api.WithCode(code, err)
}
