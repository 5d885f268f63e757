package hive

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrTaskNotFound is returned for operations on an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskExists is returned when submitting a task id that is already known.
	ErrTaskExists = errors.New("task already exists")

	// ErrInvalidTask is returned for a submission that fails validation.
	ErrInvalidTask = errors.New("invalid task")

	// ErrMissingCollaborator is returned by NewOrchestrator when a required
	// dependency was not supplied.
	ErrMissingCollaborator = errors.New("missing required collaborator")

	// ErrNoEndpoint is returned when a worker has no address to notify.
	ErrNoEndpoint = errors.New("worker has no endpoint")

	// ErrWorkerNotFound is returned when a worker id is not in the directory.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrNotStarted is returned by operations that need a running orchestrator.
	ErrNotStarted = errors.New("orchestrator not started")
)

// TaskError wraps a failure tied to a task and, when known, a worker.
type TaskError struct {
	TaskID   string
	WorkerID string
	Err      error
}

func (e *TaskError) Error() string {
	if e.WorkerID == "" {
		return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("task %s (worker %s): %v", e.TaskID, e.WorkerID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
