package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTask      = errors.New("invalid task")
	ErrNotFound         = errors.New("task not found")
	ErrTimeout          = errors.New("task timed out")
	ErrInterrupted      = errors.New("task interrupted")
	ErrQueueFull        = errors.New("task engine queue full")
	ErrStopping         = errors.New("task engine stopping")
	ErrDependencyFailed = errors.New("dependency failed")
)

// TaskError is stored on a failed task. It wraps the cause so callers can
// test it with errors.Is (ErrTimeout, ErrInterrupted, ...).
type TaskError struct {
	ID   string
	Name string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s): %v", e.ID, e.Name, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTask, fmt.Sprintf(format, args...))
}
