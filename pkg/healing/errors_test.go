package healing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	err := NewPermanentError("rollback failed", errors.New("file missing")).
		WithCode(ErrCodeActionFailed).
		WithIssue("i-1").
		WithAction("update-config")

	assert.Equal(t, "[permanent] rollback failed (issue=i-1, action=update-config): file missing", err.Error())
	assert.Equal(t, "[conflict] issue already active (issue=i-2)",
		NewConflictError("issue already active", nil).WithIssue("i-2").Error())
}

func TestError_Classification(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", NewNotFoundError("issue", "i-1"))
	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsValidation(wrapped))

	assert.True(t, IsValidation(NewValidationError("bad %s", "input")))
	assert.True(t, IsTransient(NewTransientError("timeout", nil)))
	assert.True(t, IsRetryable(NewConflictError("busy", nil)))
	assert.False(t, IsRetryable(NewPermanentError("broken", nil)))
	assert.False(t, IsNotFound(errors.New("plain")))
}

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("critical failure: %w", ErrAutoHealingDisabled)
	assert.ErrorIs(t, err, ErrAutoHealingDisabled)
	assert.NotErrorIs(t, err, ErrStopped)

	cause := errors.New("root cause")
	assert.ErrorIs(t, NewTransientError("probe failed", cause), cause)
}

func TestError_WithDetail(t *testing.T) {
	err := NewPermanentError("denied", nil).WithCode(ErrCodePolicyDenied).WithDetail("rule", "change_freeze")
	assert.Equal(t, "change_freeze", err.Details["rule"])
}
