package api

import "errors"

// ErrorCode is the closed taxonomy of step and engine failure codes
// carried in StepResult.Error and execution log rows
type ErrorCode string

const (
	CodeMissingCode         ErrorCode = "MISSING_CODE"
	CodeSandboxUnavailable  ErrorCode = "SANDBOX_UNAVAILABLE"
	CodeSandboxSyncError    ErrorCode = "SANDBOX_SYNC_ERROR"
	CodeSandboxAsyncTimeout ErrorCode = "SANDBOX_ASYNC_TIMEOUT"
	CodeTransformError      ErrorCode = "TRANSFORM_ERROR"
	CodeConditionError      ErrorCode = "CONDITION_ERROR"
	CodeHTTPError           ErrorCode = "HTTP_ERROR"
	CodeNetworkError        ErrorCode = "NETWORK_ERROR"
	CodeUnknownStepType     ErrorCode = "UNKNOWN_STEP_TYPE"
	CodeStepExecutionError  ErrorCode = "STEP_EXECUTION_ERROR"
	CodeInvalidCondition    ErrorCode = "INVALID_CONDITION_RULE"
	CodeLogUpdateError      ErrorCode = "LOG_UPDATE_ERROR"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeNoAccessToken       ErrorCode = "NO_ACCESS_TOKEN"
	CodeNoRefreshToken      ErrorCode = "NO_REFRESH_TOKEN"
	CodeOAuthError          ErrorCode = "OAUTH_ERROR"
	CodeUnknownError        ErrorCode = "UNKNOWN_ERROR"
)

var (
	ErrOrgIDEmpty        = errors.New("org ID empty")
	ErrFlowIDEmpty       = errors.New("flow ID empty")
	ErrExecutionIDEmpty  = errors.New("execution ID empty")
	ErrStepIDEmpty       = errors.New("step ID empty")
	ErrStepTypeEmpty     = errors.New("step type empty")
	ErrDuplicateStepID   = errors.New("duplicate step ID")
	ErrUnknownDependency = errors.New("dependsOn references unknown step")
)
