package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents an assist error code.
type ErrorCode string

const (
	ErrInvalidRequest       ErrorCode = "INVALID_REQUEST"        // 400
	ErrUnknownCapability    ErrorCode = "UNKNOWN_CAPABILITY"     // 400
	ErrUnauthorized         ErrorCode = "UNAUTHORIZED"           // 401
	ErrNotFound             ErrorCode = "NOT_FOUND"              // 404
	ErrRevertNotFound       ErrorCode = "REVERT_NOT_FOUND"       // 404
	ErrConflict             ErrorCode = "CONFLICT"               // 409
	ErrRevertAlreadyDone    ErrorCode = "REVERT_ALREADY_DONE"    // 409
	ErrRevertNotEligible    ErrorCode = "REVERT_NOT_ELIGIBLE"    // 409
	ErrRevertPartialFailure ErrorCode = "REVERT_PARTIAL_FAILURE" // 207
	ErrLoopExceeded         ErrorCode = "LOOP_EXCEEDED"          // 500
	ErrInternal             ErrorCode = "INTERNAL"               // 500
	ErrBackend              ErrorCode = "BACKEND"                // 502
	ErrCompletion           ErrorCode = "COMPLETION"             // 502
	ErrRevertTotalFailure   ErrorCode = "REVERT_TOTAL_FAILURE"   // 502
)

// AssistError represents a structured error with code, status, and details.
type AssistError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	cause   error
}

// Error implements the error interface.
func (e *AssistError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *AssistError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *AssistError {
	return &AssistError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewUnknownCapability creates a 400 error for a capability name that is not registered.
func NewUnknownCapability(name string) *AssistError {
	return &AssistError{
		Code:    ErrUnknownCapability,
		Status:  400,
		Message: fmt.Sprintf("capability not found: %s", name),
		Details: map[string]any{"capability": name},
	}
}

// NewUnauthorized creates a 401 error when no usable bearer token is present.
func NewUnauthorized(msg string) *AssistError {
	return &AssistError{
		Code:    ErrUnauthorized,
		Status:  401,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing backend entity.
func NewNotFound(kind string, id int64) *AssistError {
	return &AssistError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %d", kind, id),
		Details: map[string]any{"kind": kind, "id": id},
	}
}

// NewRevertNotFound creates a 404 error when no ledger record exists for a request.
func NewRevertNotFound(requestID string) *AssistError {
	return &AssistError{
		Code:    ErrRevertNotFound,
		Status:  404,
		Message: "could not find action history for this request",
		Details: map[string]any{"request_id": requestID},
	}
}

// NewConflict creates a 409 error for general conflicts.
func NewConflict(msg string) *AssistError {
	return &AssistError{
		Code:    ErrConflict,
		Status:  409,
		Message: msg,
	}
}

// NewRevertAlreadyDone creates a 409 error for a second revert of the same request.
func NewRevertAlreadyDone(requestID string) *AssistError {
	return &AssistError{
		Code:    ErrRevertAlreadyDone,
		Status:  409,
		Message: "this request has already been reverted",
		Details: map[string]any{"request_id": requestID},
	}
}

// NewRevertNotEligible creates a 409 error for a request whose record is terminal but not revertable.
func NewRevertNotEligible(requestID, status string) *AssistError {
	return &AssistError{
		Code:    ErrRevertNotEligible,
		Status:  409,
		Message: fmt.Sprintf("request cannot be reverted in status %q", status),
		Details: map[string]any{"request_id": requestID, "status": status},
	}
}

// NewRevertPartialFailure creates a 207 error when only some inverse operations succeeded.
func NewRevertPartialFailure(reverted int, failures []string) *AssistError {
	return &AssistError{
		Code:    ErrRevertPartialFailure,
		Status:  207,
		Message: fmt.Sprintf("partially reverted: %d action(s) succeeded, %d failed", reverted, len(failures)),
		Details: map[string]any{"operations_reverted": reverted, "errors": failures},
	}
}

// NewRevertTotalFailure creates a 502 error when no inverse operation succeeded.
func NewRevertTotalFailure(failures []string) *AssistError {
	return &AssistError{
		Code:    ErrRevertTotalFailure,
		Status:  502,
		Message: "failed to revert any actions",
		Details: map[string]any{"errors": failures},
	}
}

// NewLoopExceeded creates a 500 error when the orchestration loop hits its iteration cap.
func NewLoopExceeded(max int) *AssistError {
	return &AssistError{
		Code:    ErrLoopExceeded,
		Status:  500,
		Message: fmt.Sprintf("generation loop exceeded maximum iterations (%d)", max),
		Details: map[string]any{"max_iterations": max},
	}
}

// NewBackend creates a 502 error for a failed notes backend call.
func NewBackend(status int, msg string) *AssistError {
	return &AssistError{
		Code:    ErrBackend,
		Status:  502,
		Message: fmt.Sprintf("HTTP %d: %s", status, msg),
		Details: map[string]any{"backend_status": status},
	}
}

// NewCompletion creates a 502 error for a failed completion service call.
func NewCompletion(err error) *AssistError {
	return &AssistError{
		Code:    ErrCompletion,
		Status:  502,
		Message: "completion service call failed",
		cause:   err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *AssistError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &AssistError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// As returns the AssistError in err's chain, if any.
func As(err error) (*AssistError, bool) {
	var aErr *AssistError
	if stderrors.As(err, &aErr) {
		return aErr, true
	}
	return nil, false
}

// Is checks if an error is an AssistError with the given code.
func Is(err error, code ErrorCode) bool {
	if aErr, ok := As(err); ok {
		return aErr.Code == code
	}
	return false
}
