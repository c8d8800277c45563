package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned when waiting on an unknown or evicted task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskTimeout is returned when a waiter's deadline elapses. The task
	// itself is unaffected and may still complete later.
	ErrTaskTimeout = errors.New("timed out waiting for task")

	// ErrWorkerLost marks a task whose assigned worker was removed mid-flight.
	ErrWorkerLost = errors.New("assigned worker was removed")
)

// TaskFailedError reports a task that reached the failed state. The wrapped
// cause preserves the upstream failure kind, e.g. ErrWorkerLost.
type TaskFailedError struct {
	TaskID string
	Reason string
	cause  error
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Reason)
}

func (e *TaskFailedError) Unwrap() error { return e.cause }
