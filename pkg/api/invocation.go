package api

import "time"

type (
	// InvocationStatus is the lifecycle status of one step invocation
	InvocationStatus string

	// InputsSnapshot freezes everything a step saw at entry. Stored with
	// the "started" execution log row so failures can be replayed against
	// the exact inputs.
	InputsSnapshot struct {
		Config      StepConfig     `json:"config,omitempty"`
		ExecuteIf   map[string]any `json:"executeIf,omitempty"`
		Variables   map[string]any `json:"variables,omitempty"`
		StepOutputs map[StepID]any `json:"stepOutputs,omitempty"`
		StepName    string         `json:"stepName,omitempty"`
		StepType    StepType       `json:"stepType"`
	}

	// ExecutionLog is one audit row per step invocation. Exactly one row
	// exists for every step the orchestrator attempted, and its terminal
	// status matches the outcome the orchestrator observed.
	ExecutionLog struct {
		Inputs      *InputsSnapshot  `json:"inputs,omitempty"`
		Outputs     map[string]any   `json:"outputs,omitempty"`
		Error       *ErrorRecord     `json:"error,omitempty"`
		ID          string           `json:"id"`
		OrgID       OrgID            `json:"orgId"`
		UserID      UserID           `json:"userId"`
		FlowID      FlowID           `json:"flowId"`
		ExecutionID ExecutionID      `json:"executionId"`
		StepID      StepID           `json:"stepId"`
		Status      InvocationStatus `json:"status"`
		Attempt     int              `json:"attempt,omitempty"`
		CreatedAt   time.Time        `json:"createdAt"`
		UpdatedAt   time.Time        `json:"updatedAt,omitzero"`
	}

	// ExecutionStats aggregates log rows for an org over a time range
	ExecutionStats struct {
		TotalExecutions  int     `json:"totalExecutions"`
		CompletedSteps   int     `json:"completedSteps"`
		FailedSteps      int     `json:"failedSteps"`
		SkippedSteps     int     `json:"skippedSteps"`
		AvgExecutionTime float64 `json:"avgExecutionTime"`
	}
)

const (
	InvocationStarted   InvocationStatus = "started"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
	InvocationSkipped   InvocationStatus = "skipped"
)

// IsTerminal returns true once an invocation has left the started state
func (s InvocationStatus) IsTerminal() bool {
	return s == InvocationCompleted || s == InvocationFailed ||
		s == InvocationSkipped
}
