// Package dispatch routes one step to its type handler and normalizes
// whatever the handler produces into a StepResult. The dispatcher is a
// leaf: it never touches the execution log or the event publisher.
package dispatch

import (
	"context"
	"net/http"
	"time"

	"github.com/loomworks/loom/internal/sandbox"
	"github.com/loomworks/loom/internal/script"
	"github.com/loomworks/loom/pkg/api"
)

type (
	// Context is the immutable snapshot a handler sees. The orchestrator
	// owns the backing maps; handlers must not mutate them. Cancelled, when
	// set, reports whether the execution was cancelled; long-running
	// handlers consult it between waits.
	Context struct {
		Variables   map[string]any
		StepOutputs map[api.StepID]any
		AuthHeaders map[string]string
		Cancelled   func(context.Context) bool
		OrgID       api.OrgID
		UserID      api.UserID
		FlowID      api.FlowID
		ExecutionID api.ExecutionID
	}

	// Handler executes one step type
	Handler func(
		context.Context, *api.FlowStep, *Context,
	) *api.StepResult

	// Dispatcher holds the closed handler table
	Dispatcher struct {
		sandbox      *sandbox.Client
		script       *script.Env
		httpClient   *http.Client
		handlers     map[api.StepType]Handler
		sleep        func(context.Context, time.Duration) error
		syncTimeout  time.Duration
		asyncTimeout time.Duration
	}

	// Option configures a Dispatcher
	Option func(*Dispatcher)
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	defaultSyncTimeout  = 30 * time.Second
	defaultPollInterval = 1000
	defaultMaxPolls     = 300
)

// New creates a Dispatcher over the sandbox client and expression
// environment
func New(sb *sandbox.Client, env *script.Env, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sandbox:     sb,
		script:      env,
		httpClient:  &http.Client{Timeout: defaultHTTPTimeout},
		sleep:       sleepContext,
		syncTimeout: defaultSyncTimeout,
	}
	d.handlers = map[api.StepType]Handler{
		api.StepTypeSandboxSync:   d.handleSandboxSync,
		api.StepTypeSandboxAsync:  d.handleSandboxAsync,
		api.StepTypeCodeExecution: d.handleCodeExecution,
		api.StepTypeDataTransform: d.handleDataTransform,
		api.StepTypeConditional:   d.handleConditional,
		api.StepTypeHTTPRequest:   d.handleHTTPRequest,
		api.StepTypeOAuthAPICall:  d.handleHTTPRequest,
		api.StepTypeDelay:         d.handleDelay,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithHTTPClient overrides the outbound HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.httpClient = client
	}
}

// WithSyncTimeout overrides the synchronous sandbox deadline
func WithSyncTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.syncTimeout = timeout
	}
}

// WithSleep overrides the poll/delay sleeper, for tests
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(d *Dispatcher) {
		d.sleep = sleep
	}
}

// Dispatch runs one step and returns its result. Unknown types produce a
// failed result, never a panic or an error return.
func (d *Dispatcher) Dispatch(
	ctx context.Context, step *api.FlowStep, sc *Context,
) *api.StepResult {
	handler, ok := d.handlers[step.Type]
	if !ok {
		return api.Failed(api.Codef(api.CodeUnknownStepType,
			"unknown step type: %s", step.Type))
	}
	return handler(ctx, step, sc)
}

// contextMap renders the snapshot as the value tree handlers expose to
// user scripts and the sandbox runtime
func (sc *Context) contextMap() map[string]any {
	outputs := make(map[string]any, len(sc.StepOutputs))
	for id, out := range sc.StepOutputs {
		outputs[string(id)] = out
	}
	return map[string]any{
		"orgId":       string(sc.OrgID),
		"userId":      string(sc.UserID),
		"flowId":      string(sc.FlowID),
		"executionId": string(sc.ExecutionID),
		"variables":   sc.Variables,
		"stepOutputs": outputs,
	}
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
