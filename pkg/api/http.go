package api

type (
	// ErrorResponse is the JSON body of every non-2xx API response
	ErrorResponse struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}

	// ExecutionAcceptedResponse is returned when an execution is queued
	ExecutionAcceptedResponse struct {
		ExecutionID ExecutionID     `json:"executionId"`
		Status      ExecutionStatus `json:"status"`
	}

	// LogsResponse wraps the audit rows of one execution
	LogsResponse struct {
		Logs  []*ExecutionLog `json:"logs"`
		Count int             `json:"count"`
	}

	// RuleValidationResponse reports whether a condition rule is
	// structurally well-formed
	RuleValidationResponse struct {
		Valid bool   `json:"valid"`
		Error string `json:"error,omitempty"`
	}

	// HealthResponse reports service liveness
	HealthResponse struct {
		Service string `json:"service"`
		Version string `json:"version"`
		Status  string `json:"status"`
	}
)
