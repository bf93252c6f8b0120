package api

import (
	"errors"
	"fmt"
	"time"
)

type (
	// ErrorRecord is the normalized shape of any step failure. Extra keys
	// from non-standard error values are preserved for debugging.
	ErrorRecord struct {
		Extra   map[string]any `json:"extra,omitempty"`
		Message string         `json:"message"`
		Code    ErrorCode      `json:"code"`
		Stack   string         `json:"stack,omitempty"`
	}

	// ResultMeta carries handler-observable measurements. Duration is
	// stamped by the orchestrator, never the handler.
	ResultMeta struct {
		Duration     int64  `json:"duration"`
		Attempt      int    `json:"attempt,omitempty"`
		PollAttempts int    `json:"pollAttempts,omitempty"`
		SessionID    string `json:"sessionId,omitempty"`
	}

	// StepResult is produced by the dispatcher and consumed by the
	// orchestrator
	StepResult struct {
		Output   map[string]any `json:"output,omitempty"`
		Error    *ErrorRecord   `json:"error,omitempty"`
		Metadata ResultMeta     `json:"metadata"`
		Success  bool           `json:"success"`
		Skipped  bool           `json:"skipped,omitempty"`
	}

	// coded is implemented by errors that carry their own wire code
	coded interface {
		ErrorCode() ErrorCode
	}

	// CodedError pairs an error with a taxonomy code so handlers can
	// return plain error values that normalize losslessly
	CodedError struct {
		Err  error
		Code ErrorCode
	}
)

func (e *CodedError) Error() string        { return e.Err.Error() }
func (e *CodedError) Unwrap() error        { return e.Err }
func (e *CodedError) ErrorCode() ErrorCode { return e.Code }

// WithCode wraps err with a taxonomy code
func WithCode(code ErrorCode, err error) error {
	return &CodedError{Err: err, Code: code}
}

// Codef wraps a formatted error with a taxonomy code
func Codef(code ErrorCode, format string, args ...any) error {
	return &CodedError{Err: fmt.Errorf(format, args...), Code: code}
}

// NormalizeError converts an arbitrary error into an ErrorRecord. Errors
// without a recognizable code map to UNKNOWN_ERROR with the message
// preserved; nil maps to a generic record so callers can always persist
// something.
func NormalizeError(err error) *ErrorRecord {
	if err == nil {
		return &ErrorRecord{
			Message: "Unknown error",
			Code:    CodeUnknownError,
		}
	}
	var ce coded
	if errors.As(err, &ce) {
		return &ErrorRecord{Message: err.Error(), Code: ce.ErrorCode()}
	}
	return &ErrorRecord{Message: err.Error(), Code: CodeUnknownError}
}

// Succeeded builds a successful StepResult with the given output
func Succeeded(output map[string]any) *StepResult {
	return &StepResult{Success: true, Output: output}
}

// SkippedResult builds a skipped StepResult carrying the skip reason under
// output.skipReason
func SkippedResult(reason string) *StepResult {
	return &StepResult{
		Success: true,
		Skipped: true,
		Output:  map[string]any{"skipReason": reason},
	}
}

// Failed builds a failed StepResult from an error value
func Failed(err error) *StepResult {
	return &StepResult{Success: false, Error: NormalizeError(err)}
}

// FailedRecord builds a failed StepResult from an explicit record
func FailedRecord(rec *ErrorRecord) *StepResult {
	return &StepResult{Success: false, Error: rec}
}

// DurationMillis converts a wall time into the metadata representation
func DurationMillis(d time.Duration) int64 {
	return d.Milliseconds()
}
