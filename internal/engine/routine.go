package engine

import (
	"context"
	"time"

	"github.com/loomworks/loom/internal/dispatch"
	"github.com/loomworks/loom/internal/execlog"
	"github.com/loomworks/loom/internal/throttle"
	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/condition"
	"github.com/loomworks/loom/pkg/log"
)

const guardSkipReason = "executeIf condition evaluated to false"

// runWithRetries re-enters the step routine per the step's retry policy.
// Attempt counts live in the journal so they survive redelivery; the
// returned result is the final attempt's outcome.
func (e *Engine) runWithRetries(
	ctx context.Context, ev *api.ExecuteEvent, step *api.FlowStep,
	state *flowState,
) (*api.StepResult, error) {
	policy := throttle.PolicyFor(step)
	maxAttempts := 1
	if policy.Retry != nil {
		maxAttempts = policy.Retry.MaxAttempts
	}

	var result *api.StepResult
	for {
		attempt, err := e.journal.NextAttempt(ctx, ev.ExecutionID,
			"step:"+string(step.ID))
		if err != nil {
			return nil, err
		}
		if attempt > maxAttempts {
			// counter survived a redelivery that already exhausted the
			// schedule; surface the last failure without re-running
			if result != nil {
				return result, nil
			}
			attempt = maxAttempts
		}
		if attempt > 1 {
			e.metrics.IncStepRetry(ctx, ev.OrgID, ev.FlowID, step.ID)
			if err := e.sleep(ctx,
				throttle.RetryDelay(policy, attempt)); err != nil {
				return nil, err
			}
		}

		result, err = e.stepRoutine(ctx, ev, step, state, attempt)
		if err != nil {
			// persistence failure starting the step; halts the flow
			e.logger.Error("step start not persisted",
				log.ExecutionID(ev.ExecutionID),
				log.StepID(step.ID),
				log.Error(err),
			)
			res := api.Failed(err)
			res.Metadata.Attempt = attempt
			return res, nil
		}
		if result.Success || result.Skipped || attempt >= maxAttempts {
			return result, nil
		}
	}
}

// stepRoutine is one invocation of a step: guard, audit row, dispatch,
// terminal row. The returned error is reserved for a failure to persist
// the started row; every other failure is a result value.
func (e *Engine) stepRoutine(
	ctx context.Context, ev *api.ExecuteEvent, step *api.FlowStep,
	state *flowState, attempt int,
) (*api.StepResult, error) {
	started := time.Now()
	defer func() {
		e.metrics.ObserveStepDuration(ctx, ev.OrgID, ev.FlowID, step.ID,
			time.Since(started).Seconds())
	}()

	release, err := e.limits.Acquire(ctx, step)
	if err != nil {
		return nil, err
	}
	defer release()

	headers := e.authz.BuildHeaders(ctx, ev.OrgID, step)

	skipped := false
	if step.ExecuteIf != nil {
		ok, err := e.guards.Evaluate(step.ExecuteIf, e.guardContext(ev,
			step, state))
		if err != nil {
			// fail-open: a broken guard never blocks its step
			e.logger.Warn("guard evaluation failed; proceeding",
				log.ExecutionID(ev.ExecutionID),
				log.StepID(step.ID),
				log.Error(err),
			)
		} else if !ok {
			skipped = true
		}
	}

	logID, err := e.logs.MarkStepStarted(ctx, &execlog.StartRecord{
		OrgID:       ev.OrgID,
		UserID:      ev.UserID,
		FlowID:      ev.FlowID,
		ExecutionID: ev.ExecutionID,
		StepID:      step.ID,
		Attempt:     attempt,
		Inputs: &api.InputsSnapshot{
			StepName:    step.Name,
			StepType:    step.Type,
			Config:      step.Config,
			ExecuteIf:   step.ExecuteIf,
			Variables:   ev.Variables,
			StepOutputs: state.outputs,
		},
	})
	if err != nil {
		return nil, err
	}

	var result *api.StepResult
	if skipped {
		result = api.SkippedResult(guardSkipReason)
	} else {
		result = e.dispatcher.Dispatch(ctx, step, &dispatch.Context{
			OrgID:       ev.OrgID,
			UserID:      ev.UserID,
			FlowID:      ev.FlowID,
			ExecutionID: ev.ExecutionID,
			Variables:   ev.Variables,
			StepOutputs: state.outputs,
			AuthHeaders: headers,
			Cancelled: func(ctx context.Context) bool {
				cancelled, err := e.isCancelled(ctx, ev)
				return err == nil && cancelled
			},
		})
	}

	result.Metadata.Attempt = attempt
	result.Metadata.Duration = time.Since(started).Milliseconds()

	if err := e.markTerminal(ctx, logID, result); err != nil {
		e.logger.Error("step outcome not persisted",
			log.ExecutionID(ev.ExecutionID),
			log.StepID(step.ID),
			log.Error(err),
		)
		failed := api.Failed(api.WithCode(api.CodeLogUpdateError, err))
		failed.Metadata = result.Metadata
		result = failed
	}
	if !result.Success {
		e.metrics.IncStepError(ctx, ev.OrgID, ev.FlowID, step.ID)
	}
	return result, nil
}

func (e *Engine) markTerminal(
	ctx context.Context, logID string, result *api.StepResult,
) error {
	switch {
	case result.Skipped:
		reason, _ := result.Output["skipReason"].(string)
		return e.logs.MarkStepSkipped(ctx, logID, reason)
	case result.Success:
		return e.logs.MarkStepCompleted(ctx, logID, result.Output)
	default:
		return e.logs.MarkStepFailed(ctx, logID, result.Error)
	}
}

func (e *Engine) guardContext(
	ev *api.ExecuteEvent, step *api.FlowStep, state *flowState,
) *condition.Context {
	outputs := make(map[string]any, len(state.outputs))
	for id, out := range state.outputs {
		outputs[string(id)] = out
	}
	return &condition.Context{
		Inputs:      ev.Variables,
		Variables:   ev.Variables,
		StepOutputs: outputs,
		CurrentStep: string(step.ID),
		OrgID:       ev.OrgID,
		UserID:      ev.UserID,
		Meta: condition.Meta{
			FlowID:      ev.FlowID,
			ExecutionID: ev.ExecutionID,
			StepID:      step.ID,
		},
	}
}
