package service

import "github.com/pkg/errors"

var (
	// ErrPreconditionFailed is returned when a universe cannot be locked because
	// another task holds it or its version moved. Callers must re-read the
	// universe instead of retrying blindly.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrTaskFailed marks a plan stopped by a failed batch.
	ErrTaskFailed = errors.New("task failed")
	// ErrTimeout marks a member task that ran past its time limit.
	ErrTimeout = errors.New("task exceeded its time limit")
	// ErrCapacityExceeded is returned by Submit when the dispatcher is saturated.
	ErrCapacityExceeded = errors.New("dispatcher is at capacity")
	ErrUnknownTaskType  = errors.New("unknown task type")
	// ErrInvalidParams is returned when a task rejects its parameters.
	ErrInvalidParams = errors.New("invalid task parameters")
	ErrShutdown      = errors.New("dispatcher is shut down")
)
