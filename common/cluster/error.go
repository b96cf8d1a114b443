package cluster

import (
	"errors"
	"fmt"

	"github.com/OpenBMB/RLPR/common/types"
)

var (
	// ErrPoolNotFound indicates that the allocator does not own the specified pool.
	ErrPoolNotFound = errors.New("the specified resource pool cannot be found")

	// ErrPoolAlreadyReleased indicates a double release of the same pool.
	ErrPoolAlreadyReleased = errors.New("the specified resource pool has already been released")

	// ErrUnitAlreadyBound indicates that a worker tried to bind a unit that another worker
	// already bound within the same pool.
	ErrUnitAlreadyBound = errors.New("the specified unit is already bound to a worker")

	// ErrUnitNotInPool indicates a bind attempt against a unit the pool does not own.
	ErrUnitNotInPool = errors.New("the specified unit does not belong to this pool")
)

// InsufficientResourcesError indicates that an allocation request could not be fulfilled in
// its entirety. Allocation is all-or-nothing: when this error is returned, no unit changed
// ownership.
type InsufficientResourcesError struct {
	// Role is the worker role the allocation was requested for.
	Role types.Role

	// Requested is the number of units the caller asked for.
	Requested int

	// Available is the number of free units at the time the allocation was attempted.
	Available int

	// FreePerNode breaks the free-unit count down by node name, for diagnosing placement
	// pressure.
	FreePerNode map[string]int
}

// NewInsufficientResourcesError constructs a new InsufficientResourcesError struct and
// returns a pointer to it.
func NewInsufficientResourcesError(role types.Role, requested int, available int, freePerNode map[string]int) *InsufficientResourcesError {
	return &InsufficientResourcesError{
		Role:        role,
		Requested:   requested,
		Available:   available,
		FreePerNode: freePerNode,
	}
}

func (e InsufficientResourcesError) Error() string {
	return e.String()
}

func (e InsufficientResourcesError) String() string {
	return fmt.Sprintf("InsufficientResourcesError[Role=%s,Requested=%d,Available=%d,FreePerNode=%v]",
		e.Role, e.Requested, e.Available, e.FreePerNode)
}

func (e InsufficientResourcesError) Is(other error) bool {
	var insufficientResourcesError *InsufficientResourcesError
	return errors.As(other, &insufficientResourcesError)
}
