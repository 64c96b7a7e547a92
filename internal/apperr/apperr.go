// Package apperr defines the typed error codes surfaced to external callers
// of the dataflow engine.
package apperr

import "errors"

var (
	ErrWorkspaceNotFound    = errors.New("workspace_not_found")
	ErrWorkspaceNotDeployed = errors.New("workspace_not_deployed")
	ErrWorkspaceLocked      = errors.New("workspace_locked")
	ErrTaskNotFound         = errors.New("task_not_found")
	ErrExecutionNotFound    = errors.New("execution_not_found")
	ErrNoActiveExecution    = errors.New("no_active_execution")
	ErrDuplicateOutput      = errors.New("duplicate_output")
	ErrCycleDetected        = errors.New("cycle_detected")
	ErrInvalidState         = errors.New("invalid_state")
	ErrInternal             = errors.New("internal_error")

	ErrObjectNotFound = errors.New("object_not_found")

	ErrPackageNotFound = errors.New("package_not_found")
	ErrRunNotFound     = errors.New("run_not_found")
)

// TaskState is the per-task outcome recorded in a DataflowAborted.
type TaskState struct {
	Task  string
	State string // "success" | "failed"
}

// DataflowAborted is raised by a blocking dataflowExecute call when the run
// was cancelled mid-flight.
type DataflowAborted struct {
	PartialResults []TaskState
}

func (e *DataflowAborted) Error() string {
	return "dataflow execution aborted"
}
