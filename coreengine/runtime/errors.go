package runtime

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

// GraphValidationError reports a malformed workflow definition. It is only
// produced by Compile.
type GraphValidationError struct {
	Workflow string
	Problems []string
}

func (e *GraphValidationError) Error() string {
	return fmt.Sprintf("workflow '%s' failed validation: %s", e.Workflow, strings.Join(e.Problems, "; "))
}

// NewGraphValidationError creates a new GraphValidationError.
func NewGraphValidationError(workflow string, problems ...string) *GraphValidationError {
	return &GraphValidationError{Workflow: workflow, Problems: problems}
}

// StageExecutionError reports a failed stage. It carries the stage and
// session so the caller can attribute the failure.
type StageExecutionError struct {
	Stage     string
	SessionID string
	Cause     error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage '%s' failed for session %s: %v", e.Stage, e.SessionID, e.Cause)
}

func (e *StageExecutionError) Unwrap() error {
	return e.Cause
}

// NewStageExecutionError creates a new StageExecutionError.
func NewStageExecutionError(stage, sessionID string, cause error) *StageExecutionError {
	return &StageExecutionError{Stage: stage, SessionID: sessionID, Cause: cause}
}

// ProviderTimeout is a StageExecutionError raised when a stage exceeds the
// session policy timeout. errors.As matches it as both types.
type ProviderTimeout struct {
	*StageExecutionError
	Timeout time.Duration
}

func (e *ProviderTimeout) Error() string {
	return fmt.Sprintf("stage '%s' timed out after %s for session %s: %v",
		e.Stage, e.Timeout, e.SessionID, e.Cause)
}

func (e *ProviderTimeout) Unwrap() error {
	return e.StageExecutionError
}

// NewProviderTimeout creates a new ProviderTimeout.
func NewProviderTimeout(stage, sessionID string, timeout time.Duration, cause error) *ProviderTimeout {
	return &ProviderTimeout{
		StageExecutionError: NewStageExecutionError(stage, sessionID, cause),
		Timeout:             timeout,
	}
}

// RoutingError reports a router label with no route, or a traversal that
// exceeded its step bound.
type RoutingError struct {
	Workflow string
	Node     string
	Label    Label
	Reason   string
}

func (e *RoutingError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("workflow '%s' node '%s': router returned unmapped label '%s'", e.Workflow, e.Node, e.Label)
	}
	return fmt.Sprintf("workflow '%s' node '%s': %s", e.Workflow, e.Node, e.Reason)
}

// NewRoutingError creates a new RoutingError for an unmapped label.
func NewRoutingError(workflow, node string, label Label) *RoutingError {
	return &RoutingError{Workflow: workflow, Node: node, Label: label}
}
