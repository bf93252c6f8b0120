package api

import "fmt"

type (
	// StepEvent is published on the per-execution channel for each step
	// lifecycle transition
	StepEvent struct {
		Output     map[string]any `json:"output,omitempty"`
		Error      *ErrorRecord   `json:"error,omitempty"`
		ExecuteIf  map[string]any `json:"executeIf,omitempty"`
		Metadata   *ResultMeta    `json:"metadata,omitempty"`
		StepID     StepID         `json:"stepId"`
		Status     InvocationStatus `json:"status"`
		StepName   string         `json:"stepName,omitempty"`
		SkipReason string         `json:"skipReason,omitempty"`
		ExecutionID ExecutionID   `json:"executionId"`
		OrgID      OrgID          `json:"orgId"`
		FlowID     FlowID         `json:"flowId"`
		Timestamp  int64          `json:"timestamp"`
		Duration   int64          `json:"duration,omitempty"`
	}

	// ExecutionEvent is published on the per-execution channel when the
	// flow itself changes state
	ExecutionEvent struct {
		Output         map[StepID]any  `json:"output,omitempty"`
		Error          *ErrorRecord    `json:"error,omitempty"`
		ExecutionID    ExecutionID     `json:"executionId"`
		Status         ExecutionStatus `json:"status"`
		OrgID          OrgID           `json:"orgId"`
		FlowID         FlowID          `json:"flowId"`
		Timestamp      int64           `json:"timestamp"`
		TotalSteps     int             `json:"totalSteps,omitempty"`
		CompletedSteps int             `json:"completedSteps,omitempty"`
		FailedSteps    int             `json:"failedSteps,omitempty"`
		SkippedSteps   int             `json:"skippedSteps,omitempty"`
		Duration       int64           `json:"duration,omitempty"`
	}

	// Message is the wire envelope carried on realtime channels
	Message struct {
		Data  any    `json:"data"`
		Event string `json:"event"`
	}

	// WebhookEvent is the fire-and-forget queue output emitted for each
	// subscribed state change
	WebhookEvent struct {
		Data WebhookData `json:"data"`
		Name string      `json:"name"`
	}

	WebhookData struct {
		Payload   any    `json:"payload"`
		OrgID     OrgID  `json:"orgId"`
		EventType string `json:"eventType"`
	}
)

const (
	EventStepStatus      = "step-status"
	EventExecutionStatus = "execution-status"

	WebhookDispatchName = "webhook.dispatch"
)

// ExecutionChannel names the per-execution realtime channel
func ExecutionChannel(org OrgID, id ExecutionID) string {
	return fmt.Sprintf("flows.%s.%s", org, id)
}

// OrgChannel names the per-org broadcast channel
func OrgChannel(org OrgID) string {
	return fmt.Sprintf("flows.%s", org)
}
