package worker

import (
	"errors"
	"fmt"

	"github.com/OpenBMB/RLPR/common/types"
)

var (
	// ErrGroupClosed indicates an operation against a worker group that has been torn down.
	ErrGroupClosed = errors.New("worker group has been closed")

	// ErrWorkerClosed indicates that a request was routed to a worker whose process has
	// already stopped.
	ErrWorkerClosed = errors.New("worker has been closed")

	// ErrPoolTooSmall indicates that a layout's world size exceeds the pool's unit count.
	ErrPoolTooSmall = errors.New("resource pool has fewer units than the layout's world size")

	// ErrNoTargetReplicas indicates an invocation whose replica mask selected no replicas.
	ErrNoTargetReplicas = errors.New("invocation targets no replicas")

	// ErrInvalidReplicaMask indicates a replica mask referencing a data-parallel rank that
	// does not exist in the group's layout.
	ErrInvalidReplicaMask = errors.New("replica mask references an unknown data-parallel rank")
)

// StartupError indicates that a worker group could not be constructed because one of its
// workers failed to initialize within the bounded startup timeout. Any workers that had
// already started are torn down before the error is returned.
type StartupError struct {
	// Role is the role of the group under construction.
	Role types.Role

	// Coordinates identify the worker that failed to start.
	Coordinates Coordinates

	// Cause is the underlying initialization error.
	Cause error
}

// NewStartupError constructs a *StartupError.
func NewStartupError(role types.Role, coordinates Coordinates, cause error) *StartupError {
	return &StartupError{
		Role:        role,
		Coordinates: coordinates,
		Cause:       cause,
	}
}

func (e *StartupError) Error() string {
	return e.String()
}

func (e *StartupError) String() string {
	return fmt.Sprintf("StartupError[Role=%s,Worker=%s]: %v", e.Role, e.Coordinates, e.Cause)
}

func (e *StartupError) Unwrap() error {
	return e.Cause
}

func (e *StartupError) Is(other error) bool {
	var startupError *StartupError
	return errors.As(other, &startupError)
}

// ExecutionError indicates that a replica failed during a group invocation. The whole
// invocation fails with this error; the dispatch layer never silently drops a replica's
// result. The controller decides whether to retry the step or abort the run.
type ExecutionError struct {
	// Role is the role of the group the invocation targeted.
	Role types.Role

	// Method is the logical method that was being invoked.
	Method string

	// Coordinates identify the worker whose computation failed.
	Coordinates Coordinates

	// Cause is the underlying error raised by the worker's engine.
	Cause error
}

// NewExecutionError constructs a *ExecutionError.
func NewExecutionError(role types.Role, method string, coordinates Coordinates, cause error) *ExecutionError {
	return &ExecutionError{
		Role:        role,
		Method:      method,
		Coordinates: coordinates,
		Cause:       cause,
	}
}

func (e *ExecutionError) Error() string {
	return e.String()
}

func (e *ExecutionError) String() string {
	return fmt.Sprintf("ExecutionError[Role=%s,Method=%s,Worker=%s]: %v",
		e.Role, e.Method, e.Coordinates, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

func (e *ExecutionError) Is(other error) bool {
	var executionError *ExecutionError
	return errors.As(other, &executionError)
}
