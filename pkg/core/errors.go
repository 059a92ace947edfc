package core

import "errors"

// Validation and coordination errors
var (
	ErrTaskNotFound           = errors.New("maintkit: no task registered with that name")
	ErrInvalidTaskName        = errors.New("maintkit: invalid task name (must be alphanumeric, start with letter)")
	ErrTaskNameTooLong        = errors.New("maintkit: task name too long")
	ErrInvalidConcurrency     = errors.New("maintkit: concurrency level must be between 2 and 8")
	ErrUnsupportedConcurrency = errors.New("maintkit: task collection does not support random access by an orderable key")
	ErrStaleRun               = errors.New("maintkit: run was modified by another writer")
	ErrRunNotActive           = errors.New("maintkit: run is not in a resumable state")
	ErrEnqueueFailed          = errors.New("maintkit: job collaborator declined the enqueue")
)

// ErrorDetail carries the persisted description of a work-level failure.
type ErrorDetail struct {
	Class     string
	Message   string
	Backtrace string
}
