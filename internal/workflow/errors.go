package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown workflow ids.
	ErrNotFound = errors.New("workflow not found")
	// ErrInvalidState is returned when an operation does not apply to the current status.
	ErrInvalidState = errors.New("invalid workflow state")
	// ErrCancelled is the final error of a cancelled workflow.
	ErrCancelled = errors.New("workflow cancelled")
	// ErrCheckpointNotFound is returned for unknown checkpoint names.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// WorkflowError reports a step whose failure survived every recovery strategy.
type WorkflowError struct {
	WorkflowID string
	StepID     string
	Cause      error
}

func (e *WorkflowError) Error() string {
	if e.StepID == "" {
		return fmt.Sprintf("workflow %s failed: %v", e.WorkflowID, e.Cause)
	}
	return fmt.Sprintf("workflow %s failed at step %s: %v", e.WorkflowID, e.StepID, e.Cause)
}

func (e *WorkflowError) Unwrap() error { return e.Cause }

func invalidState(id string, status Status, op string) error {
	return fmt.Errorf("%w: cannot %s workflow %s in state %s", ErrInvalidState, op, id, status)
}
