package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/runtime"
	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/log"
)

// flowState accumulates what the step loop learns as it walks the steps
type flowState struct {
	outputs   map[api.StepID]any
	lastError *api.ErrorRecord
	completed int
	failed    int
	skipped   int
	halted    bool
}

// Execute drives one delivered flow-execute event to a terminal status.
// Every side-effecting stage runs inside a journaled sub-unit, so a
// redelivery resumes at the first incomplete stage.
func (e *Engine) Execute(ctx context.Context, ev *api.ExecuteEvent) error {
	if err := ev.Validate(); err != nil {
		e.logger.Error("rejected malformed execution",
			log.ExecutionID(ev.ExecutionID), log.Error(err))
		return nil
	}
	started := time.Now()

	exec, err := e.executions.Create(ctx, ev)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		// redelivered after finalization; nothing left to do
		return e.journal.Clear(ctx, ev.ExecutionID)
	}
	if err := e.markRunning(ctx, ev); err != nil {
		return err
	}

	state := &flowState{outputs: map[api.StepID]any{}}
	for _, step := range ev.Steps {
		cancelled, err := e.isCancelled(ctx, ev)
		if err != nil {
			return err
		}
		if cancelled {
			e.logger.Info("execution cancelled; stopping step loop",
				log.ExecutionID(ev.ExecutionID))
			return e.journal.Clear(ctx, ev.ExecutionID)
		}

		result, err := e.executeStep(ctx, ev, step, state)
		if err != nil {
			return err
		}
		if err := e.recordStep(ctx, ev, step, result, state); err != nil {
			return err
		}
		if state.halted {
			break
		}
	}

	return e.finalize(ctx, ev, state, started)
}

func (e *Engine) markRunning(
	ctx context.Context, ev *api.ExecuteEvent,
) error {
	_, err := runtime.Run(ctx, e.journal, ev.ExecutionID,
		"update-execution-status",
		func(ctx context.Context) (bool, error) {
			_, err := e.executions.Update(ctx, ev.OrgID, ev.ExecutionID,
				func(exec *api.FlowExecution) {
					exec.Status = api.ExecutionRunning
					exec.StartedAt = time.Now()
				})
			if err != nil && !errors.Is(err, ErrExecutionTerminal) {
				return false, err
			}

			e.publisher.PublishExecutionEvent(ctx, &api.ExecutionEvent{
				ExecutionID: ev.ExecutionID,
				OrgID:       ev.OrgID,
				FlowID:      ev.FlowID,
				Status:      api.ExecutionStarted,
				TotalSteps:  len(ev.Steps),
			})
			e.enqueueExecutionWebhook(ctx, ev, api.ExecutionStarted)
			return true, nil
		})
	return err
}

// executeStep runs the policy-wrapped step routine inside its journaled
// sub-unit. The routine's retry loop lives inside the sub-unit so a
// memoized result carries the final attempt's outcome.
func (e *Engine) executeStep(
	ctx context.Context, ev *api.ExecuteEvent, step *api.FlowStep,
	state *flowState,
) (*api.StepResult, error) {
	name := fmt.Sprintf("execute-step-%s", step.ID)
	return runtime.Run(ctx, e.journal, ev.ExecutionID, name,
		func(ctx context.Context) (*api.StepResult, error) {
			return e.runWithRetries(ctx, ev, step, state)
		})
}

func (e *Engine) recordStep(
	ctx context.Context, ev *api.ExecuteEvent, step *api.FlowStep,
	result *api.StepResult, state *flowState,
) error {
	switch {
	case result.Skipped:
		state.skipped++
		return e.publishStepEvent(ctx, ev, step, result,
			api.InvocationSkipped)

	case result.Success:
		state.outputs[step.ID] = result.Output
		state.completed++
		return e.publishStepEvent(ctx, ev, step, result,
			api.InvocationCompleted)

	default:
		state.failed++
		state.lastError = result.Error
		if err := e.publishStepEvent(ctx, ev, step, result,
			api.InvocationFailed); err != nil {
			return err
		}
		if step.IsCritical() {
			e.logger.Warn("critical step failed; halting flow",
				log.ExecutionID(ev.ExecutionID),
				log.StepID(step.ID),
			)
			state.halted = true
		}
		return nil
	}
}

func (e *Engine) publishStepEvent(
	ctx context.Context, ev *api.ExecuteEvent, step *api.FlowStep,
	result *api.StepResult, status api.InvocationStatus,
) error {
	name := fmt.Sprintf("publish-step-%s-%s", status, step.ID)
	_, err := runtime.Run(ctx, e.journal, ev.ExecutionID, name,
		func(ctx context.Context) (bool, error) {
			event := &api.StepEvent{
				StepID:      step.ID,
				StepName:    step.Name,
				Status:      status,
				ExecutionID: ev.ExecutionID,
				OrgID:       ev.OrgID,
				FlowID:      ev.FlowID,
				Output:      result.Output,
				Error:       result.Error,
				ExecuteIf:   step.ExecuteIf,
				Duration:    result.Metadata.Duration,
				Metadata:    &result.Metadata,
			}
			if status == api.InvocationSkipped {
				event.SkipReason, _ = result.Output["skipReason"].(string)
			}
			e.publisher.PublishStepEvent(ctx, event)
			e.publisher.EnqueueWebhook(ctx, ev.OrgID,
				fmt.Sprintf("step.%s", status),
				map[string]any{
					"executionId": ev.ExecutionID,
					"flowId":      ev.FlowID,
					"stepId":      step.ID,
					"status":      status,
				})
			return true, nil
		})
	return err
}

func (e *Engine) finalize(
	ctx context.Context, ev *api.ExecuteEvent, state *flowState,
	started time.Time,
) error {
	status := api.ExecutionCompleted
	if state.failed > 0 {
		status = api.ExecutionFailed
	}

	name := "finalize-execution"
	_, err := runtime.Run(ctx, e.journal, ev.ExecutionID, name,
		func(ctx context.Context) (bool, error) {
			exec, err := e.executions.Update(ctx, ev.OrgID, ev.ExecutionID,
				func(exec *api.FlowExecution) {
					exec.Status = status
					exec.StepOutputs = state.outputs
					exec.Error = state.lastError
					exec.CompletedAt = time.Now()
				})
			if err != nil && !errors.Is(err, ErrExecutionTerminal) {
				return false, err
			}

			e.publisher.PublishExecutionEvent(ctx, &api.ExecutionEvent{
				ExecutionID:    ev.ExecutionID,
				OrgID:          ev.OrgID,
				FlowID:         ev.FlowID,
				Status:         status,
				Output:         state.outputs,
				Error:          state.lastError,
				TotalSteps:     len(ev.Steps),
				CompletedSteps: state.completed,
				FailedSteps:    state.failed,
				SkippedSteps:   state.skipped,
				Duration:       time.Since(started).Milliseconds(),
			})
			e.enqueueExecutionWebhook(ctx, ev, status)
			e.archive(ctx, exec)
			return true, nil
		})
	if err != nil {
		return err
	}

	e.logger.Info("execution finalized",
		log.OrgID(ev.OrgID),
		log.ExecutionID(ev.ExecutionID),
		log.Status(status),
		slog.Int("completed", state.completed),
		slog.Int("failed", state.failed),
		slog.Int("skipped", state.skipped),
	)
	return e.journal.Clear(ctx, ev.ExecutionID)
}

func (e *Engine) enqueueExecutionWebhook(
	ctx context.Context, ev *api.ExecuteEvent, status api.ExecutionStatus,
) {
	e.publisher.EnqueueWebhook(ctx, ev.OrgID,
		fmt.Sprintf("execution.%s", status),
		map[string]any{
			"executionId": ev.ExecutionID,
			"flowId":      ev.FlowID,
			"status":      status,
		})
}

func (e *Engine) archive(ctx context.Context, exec *api.FlowExecution) {
	if e.archiver == nil || exec == nil {
		return
	}
	rows, err := e.logs.GetExecutionLogs(ctx, exec.OrgID, exec.ID)
	if err != nil {
		e.logger.Warn("archive skipped; logs unavailable",
			log.ExecutionID(exec.ID), log.Error(err))
		return
	}
	if err := e.archiver.Archive(ctx, exec, rows); err != nil {
		e.logger.Warn("archive failed",
			log.ExecutionID(exec.ID), log.Error(err))
	}
}

func (e *Engine) isCancelled(
	ctx context.Context, ev *api.ExecuteEvent,
) (bool, error) {
	exec, err := e.executions.Get(ctx, ev.OrgID, ev.ExecutionID)
	if err != nil {
		return false, err
	}
	return exec.Status == api.ExecutionCancelled, nil
}
