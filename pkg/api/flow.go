package api

import "time"

type (
	OrgID       string
	UserID      string
	FlowID      string
	ExecutionID string
	StepID      string

	// ExecutionStatus is the overall status of a FlowExecution
	ExecutionStatus string

	// FlowExecution is one concrete run of a flow. Created when a
	// flow-execute event is accepted; mutated only by the orchestrator;
	// immutable once a terminal status is reached.
	FlowExecution struct {
		Variables   map[string]any   `json:"variables,omitempty"`
		StepOutputs map[StepID]any   `json:"stepOutputs,omitempty"`
		Error       *ErrorRecord     `json:"error,omitempty"`
		ID          ExecutionID      `json:"id"`
		OrgID       OrgID            `json:"orgId"`
		FlowID      FlowID           `json:"flowId"`
		UserID      UserID           `json:"userId"`
		Status      ExecutionStatus  `json:"status"`
		StartedAt   time.Time        `json:"startedAt,omitzero"`
		CompletedAt time.Time        `json:"completedAt,omitzero"`
		CreatedAt   time.Time        `json:"createdAt,omitzero"`
	}

	// ExecuteEvent is the queue input that triggers a flow execution
	ExecuteEvent struct {
		Variables   map[string]any `json:"variables,omitempty"`
		OrgID       OrgID          `json:"orgId"`
		UserID      UserID         `json:"userId"`
		FlowID      FlowID         `json:"flowId"`
		ExecutionID ExecutionID    `json:"executionId"`
		Steps       []*FlowStep    `json:"steps"`
	}
)

const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"

	// ExecutionStarted appears only on wire events. A row transitions
	// queued to running; the channel announces that transition as started.
	ExecutionStarted ExecutionStatus = "started"
)

// IsTerminal returns true for completed, failed, and cancelled executions
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// Validate checks an incoming flow-execute event for structural soundness
func (e *ExecuteEvent) Validate() error {
	if e.OrgID == "" {
		return ErrOrgIDEmpty
	}
	if e.FlowID == "" {
		return ErrFlowIDEmpty
	}
	if e.ExecutionID == "" {
		return ErrExecutionIDEmpty
	}
	seen := map[StepID]bool{}
	for _, step := range e.Steps {
		if err := step.Validate(); err != nil {
			return err
		}
		if seen[step.ID] {
			return ErrDuplicateStepID
		}
		seen[step.ID] = true
	}
	for _, step := range e.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return ErrUnknownDependency
			}
		}
	}
	return nil
}
