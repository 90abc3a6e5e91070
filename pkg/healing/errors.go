package healing

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and reporting decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict, such as a duplicate issue id.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeNoStrategy          = "NO_STRATEGY"
	ErrCodeBudgetExhausted     = "BUDGET_EXHAUSTED"
	ErrCodePolicyDenied        = "POLICY_DENIED"
	ErrCodeAutoHealingDisabled = "AUTO_HEALING_DISABLED"
	ErrCodeActionFailed        = "ACTION_FAILED"
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeStopped             = "STOPPED"
)

// Error is a classified healing error with issue and action context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// IssueID is the issue the error relates to, if any.
	IssueID string `json:"issue_id,omitempty"`

	// Action is the remediation action being performed, if any.
	Action string `json:"action,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.IssueID != "" && e.Action != "":
		msg = fmt.Sprintf("%s (issue=%s, action=%s)", msg, e.IssueID, e.Action)
	case e.IssueID != "":
		msg = fmt.Sprintf("%s (issue=%s)", msg, e.IssueID)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a healing error with the same class and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Message: message, Err: err, Code: ErrCodeConflict}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewValidationError creates a permanent validation error.
func NewValidationError(format string, args ...interface{}) *Error {
	return NewPermanentError(fmt.Sprintf(format, args...), nil).WithCode(ErrCodeValidation)
}

// NewNotFoundError creates a permanent not-found error.
func NewNotFoundError(what, id string) *Error {
	return NewPermanentError(fmt.Sprintf("%s not found", what), nil).
		WithCode(ErrCodeNotFound).
		WithIssue(id)
}

// WithCode sets the error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithIssue sets the issue id.
func (e *Error) WithIssue(issueID string) *Error {
	e.IssueID = issueID
	return e
}

// WithAction sets the action name.
func (e *Error) WithAction(action string) *Error {
	e.Action = action
	return e
}

// WithDetail adds a detail field.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrAutoHealingDisabled is returned by submissions while auto-healing is off.
var ErrAutoHealingDisabled = &Error{
	Class:   ErrorClassPermanent,
	Code:    ErrCodeAutoHealingDisabled,
	Message: "auto-healing is disabled",
}

// ErrStopped is returned by submissions after the orchestrator has stopped.
var ErrStopped = &Error{
	Class:   ErrorClassPermanent,
	Code:    ErrCodeStopped,
	Message: "orchestrator stopped",
}

func hasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNotFound returns true if err carries the not-found code.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsValidation returns true if err carries the validation code.
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsRetryable returns true for transient and conflict errors.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}
