package dispatch

import (
	"context"

	"github.com/loomworks/loom/internal/sandbox"
	"github.com/loomworks/loom/pkg/api"
)

func (d *Dispatcher) handleSandboxSync(
	ctx context.Context, step *api.FlowStep, sc *Context,
) *api.StepResult {
	req, err := d.runRequest(step, sc)
	if err != nil {
		return api.Failed(err)
	}

	res, err := d.sandbox.RunSync(ctx, req)
	if err != nil {
		return api.Failed(err)
	}
	return sandboxResult(res)
}

func (d *Dispatcher) handleSandboxAsync(
	ctx context.Context, step *api.FlowStep, sc *Context,
) *api.StepResult {
	req, err := d.runRequest(step, sc)
	if err != nil {
		return api.Failed(err)
	}

	sessionID, err := d.sandbox.RunAsync(ctx, req)
	if err != nil {
		return api.Failed(err)
	}

	if !step.Config.Bool("waitForCompletion", true) {
		res := api.Succeeded(map[string]any{
			"sessionId": sessionID,
			"message":   "execution submitted",
		})
		res.Metadata.SessionID = sessionID
		return res
	}
	return d.pollAsync(ctx, step, sc, sessionID)
}

func (d *Dispatcher) pollAsync(
	ctx context.Context, step *api.FlowStep, sc *Context, sessionID string,
) *api.StepResult {
	interval := step.Config.Int64("pollInterval", defaultPollInterval)
	maxPolls := int(step.Config.Int64("maxPollAttempts", defaultMaxPolls))

	for attempt := 1; attempt <= maxPolls; attempt++ {
		if sc.Cancelled != nil && sc.Cancelled(ctx) {
			return d.abandonSession(ctx, sessionID, attempt)
		}

		status, err := d.sandbox.GetAsyncResult(ctx, sessionID)
		if err != nil {
			return withSession(api.Failed(err), sessionID, attempt)
		}

		switch status.Status {
		case sandbox.StatusCompleted:
			res := sandboxResult(status.Result)
			return withSession(res, sessionID, attempt)
		case sandbox.StatusFailed, sandbox.StatusCancelled:
			res := api.Failed(api.Codef(api.CodeSandboxSyncError,
				"session %s %s", sessionID, status.Status))
			return withSession(res, sessionID, attempt)
		}

		if attempt < maxPolls {
			if err := d.sleep(ctx, millis(interval)); err != nil {
				return withSession(api.Failed(err), sessionID, attempt)
			}
		}
	}

	res := api.Failed(api.Codef(api.CodeSandboxAsyncTimeout,
		"session %s did not complete within %d polls", sessionID, maxPolls))
	return withSession(res, sessionID, maxPolls)
}

// abandonSession stops polling a session whose execution was cancelled.
// The sandbox-side cancel is best-effort; a failure to reach the backend
// does not change the outcome.
func (d *Dispatcher) abandonSession(
	ctx context.Context, sessionID string, attempt int,
) *api.StepResult {
	_ = d.sandbox.CancelAsyncExecution(ctx, sessionID)
	res := api.Failed(api.Codef(api.CodeStepExecutionError,
		"session %s abandoned: execution cancelled", sessionID))
	return withSession(res, sessionID, attempt)
}

func (d *Dispatcher) handleCodeExecution(
	ctx context.Context, step *api.FlowStep, sc *Context,
) *api.StepResult {
	if step.Config.String("mode") == "async" {
		return d.handleSandboxAsync(ctx, step, sc)
	}
	return d.handleSandboxSync(ctx, step, sc)
}

func (d *Dispatcher) runRequest(
	step *api.FlowStep, sc *Context,
) (*sandbox.RunRequest, error) {
	code := step.Config.String("code")
	if code == "" {
		return nil, api.Codef(api.CodeMissingCode,
			"step %s: no code to execute", step.ID)
	}
	language := step.Config.String("language")
	if language == "" {
		language = sandbox.InferLanguage(code)
	}

	sandboxContext := sc.contextMap()
	sandboxContext["stepId"] = string(step.ID)
	if len(sc.AuthHeaders) > 0 {
		sandboxContext["authHeaders"] = sc.AuthHeaders
	}

	return &sandbox.RunRequest{
		Code:     code,
		Language: language,
		Context:  sandboxContext,
		Timeout:  d.syncTimeout.Milliseconds(),
	}, nil
}

func sandboxResult(res *sandbox.RunResult) *api.StepResult {
	if res == nil {
		return api.Failed(api.Codef(api.CodeSandboxSyncError,
			"sandbox reply carried no result"))
	}
	if res.Error != "" || res.ExitCode != 0 {
		return api.FailedRecord(&api.ErrorRecord{
			Message: sandboxFailureMessage(res),
			Code:    api.CodeSandboxSyncError,
		})
	}
	return api.Succeeded(map[string]any{
		"result":   res.Result,
		"stdout":   res.Stdout,
		"stderr":   res.Stderr,
		"exitCode": res.ExitCode,
	})
}

func sandboxFailureMessage(res *sandbox.RunResult) string {
	if res.Error != "" {
		return res.Error
	}
	if res.Stderr != "" {
		return res.Stderr
	}
	return "sandbox execution failed"
}

func withSession(
	res *api.StepResult, sessionID string, polls int,
) *api.StepResult {
	res.Metadata.SessionID = sessionID
	res.Metadata.PollAttempts = polls
	return res
}
