// Package engine is the flow orchestrator. It drives each accepted
// execution through its steps in declaration order, journaling every
// named sub-unit so a redelivered execution resumes instead of repeating
// side effects.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/dispatch"
	"github.com/loomworks/loom/internal/execlog"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/publish"
	"github.com/loomworks/loom/internal/runtime"
	"github.com/loomworks/loom/internal/throttle"
	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/condition"
	"github.com/loomworks/loom/pkg/log"
)

type (
	// Archiver receives finalized executions for cold storage. Archival
	// is best-effort; failures never affect the flow outcome.
	Archiver interface {
		Archive(context.Context, *api.FlowExecution, []*api.ExecutionLog) error
	}

	// Engine wires the orchestrator's collaborators
	Engine struct {
		executions *ExecutionStore
		logs       *execlog.Store
		queue      *runtime.Queue
		journal    *runtime.Journal
		publisher  *publish.Publisher
		dispatcher *dispatch.Dispatcher
		authz      *auth.Builder
		guards     *condition.Evaluator
		limits     *throttle.Registry
		metrics    *metrics.Metrics
		archiver   Archiver
		logger     *slog.Logger
		sleep      func(context.Context, time.Duration) error
	}

	// Deps carries everything an Engine needs
	Deps struct {
		Executions *ExecutionStore
		Logs       *execlog.Store
		Queue      *runtime.Queue
		Journal    *runtime.Journal
		Publisher  *publish.Publisher
		Dispatcher *dispatch.Dispatcher
		Auth       *auth.Builder
		Limits     *throttle.Registry
		Metrics    *metrics.Metrics
		Archiver   Archiver
		Logger     *slog.Logger
	}
)

// New creates an Engine from its dependencies
func New(deps *Deps) *Engine {
	return &Engine{
		executions: deps.Executions,
		logs:       deps.Logs,
		queue:      deps.Queue,
		journal:    deps.Journal,
		publisher:  deps.Publisher,
		dispatcher: deps.Dispatcher,
		authz:      deps.Auth,
		guards:     condition.New(),
		limits:     deps.Limits,
		metrics:    deps.Metrics,
		archiver:   deps.Archiver,
		logger:     deps.Logger,
		sleep:      sleepContext,
	}
}

// Submit validates a flow-execute event, assigns an execution ID when the
// caller did not, persists the queued row, and enqueues it.
func (e *Engine) Submit(
	ctx context.Context, ev *api.ExecuteEvent,
) (*api.FlowExecution, error) {
	if ev.ExecutionID == "" {
		ev.ExecutionID = api.ExecutionID(uuid.NewString())
	}
	if err := ev.Validate(); err != nil {
		e.metrics.IncValidationError(ctx, ev.OrgID, string(ev.FlowID),
			"submit", "invalid_event")
		return nil, err
	}

	exec, err := e.executions.Create(ctx, ev)
	if err != nil {
		return nil, err
	}
	if err := e.queue.Enqueue(ctx, ev); err != nil {
		return nil, err
	}

	e.logger.Info("execution accepted",
		log.OrgID(ev.OrgID),
		log.FlowID(ev.FlowID),
		log.ExecutionID(ev.ExecutionID),
		slog.Int("steps", len(ev.Steps)),
	)
	return exec, nil
}

// Cancel marks a non-terminal execution cancelled and publishes the
// transition. Steps already in flight complete; no further steps start.
func (e *Engine) Cancel(
	ctx context.Context, org api.OrgID, id api.ExecutionID,
) (*api.FlowExecution, error) {
	exec, err := e.executions.Update(ctx, org, id,
		func(exec *api.FlowExecution) {
			exec.Status = api.ExecutionCancelled
			exec.CompletedAt = time.Now()
		})
	if err != nil {
		return exec, err
	}

	e.publisher.PublishExecutionEvent(ctx, &api.ExecutionEvent{
		ExecutionID: id,
		OrgID:       org,
		FlowID:      exec.FlowID,
		Status:      api.ExecutionCancelled,
	})
	e.publisher.EnqueueWebhook(ctx, org, "execution.cancelled",
		map[string]any{
			"executionId": id,
			"flowId":      exec.FlowID,
			"status":      api.ExecutionCancelled,
		})
	e.logger.Info("execution cancelled",
		log.OrgID(org), log.ExecutionID(id))
	return exec, nil
}

// HandleDelivery adapts Execute to the runtime's delivery contract
func (e *Engine) HandleDelivery(
	ctx context.Context, d *runtime.Delivery,
) error {
	return e.Execute(ctx, d.Event)
}

// Execution returns one execution row
func (e *Engine) Execution(
	ctx context.Context, org api.OrgID, id api.ExecutionID,
) (*api.FlowExecution, error) {
	return e.executions.Get(ctx, org, id)
}

// Logs returns the audit rows of one execution
func (e *Engine) Logs(
	ctx context.Context, org api.OrgID, id api.ExecutionID,
) ([]*api.ExecutionLog, error) {
	return e.logs.GetExecutionLogs(ctx, org, id)
}

// Stats aggregates the audit rows of one execution
func (e *Engine) Stats(
	ctx context.Context, org api.OrgID, id api.ExecutionID,
) (*api.ExecutionStats, error) {
	rows, err := e.logs.GetExecutionLogs(ctx, org, id)
	if err != nil {
		return nil, err
	}
	return execlog.Aggregate(rows), nil
}

// OrgStats aggregates an org's audit rows across executions over an
// optional time range
func (e *Engine) OrgStats(
	ctx context.Context, org api.OrgID, rng *execlog.TimeRange,
) (*api.ExecutionStats, error) {
	return e.logs.GetExecutionStats(ctx, org, rng)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
