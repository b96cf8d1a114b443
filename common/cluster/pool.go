package cluster

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/OpenBMB/RLPR/common/types"
)

// Pool is a named set of accelerator units carved from the cluster for one worker group.
// The allocator hands the units over atomically at Allocate time; the pool exclusively owns
// them until it is released. The pool also records the process-placement mapping: which
// worker id is bound to which unit.
type Pool struct {
	mu sync.Mutex

	id   string
	role types.Role

	// units is ordered: node name order first, then device index. Worker group construction
	// relies on this order to assign layout coordinates to units deterministically.
	units []*Unit

	// bindings maps unit id -> worker id.
	bindings map[string]string

	released bool
}

func newPool(role types.Role, units []*Unit) *Pool {
	return &Pool{
		id:       uuid.NewString(),
		role:     role,
		units:    units,
		bindings: make(map[string]string, len(units)),
	}
}

// ID returns the pool's unique identifier.
func (p *Pool) ID() string {
	return p.id
}

// Role returns the worker role the pool was allocated for.
func (p *Pool) Role() types.Role {
	return p.role
}

// Size returns the number of units the pool owns.
func (p *Pool) Size() int {
	return len(p.units)
}

// Units returns the pool's units in placement order. Callers must not mutate the slice.
func (p *Pool) Units() []*Unit {
	return p.units
}

// UnitIDs returns the ids of the pool's units, in placement order.
func (p *Pool) UnitIDs() []string {
	ids := make([]string, 0, len(p.units))
	for _, unit := range p.units {
		ids = append(ids, unit.ID)
	}
	return ids
}

// BindWorker records that the given worker process is bound to the given unit. Each unit may
// be bound to at most one worker.
func (p *Pool) BindWorker(unitId string, workerId string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	owned := false
	for _, unit := range p.units {
		if unit.ID == unitId {
			owned = true
			break
		}
	}
	if !owned {
		return fmt.Errorf("%w: unit \"%s\"", ErrUnitNotInPool, unitId)
	}

	if bound, exists := p.bindings[unitId]; exists {
		return fmt.Errorf("%w: unit \"%s\" is bound to worker \"%s\"", ErrUnitAlreadyBound, unitId, bound)
	}

	p.bindings[unitId] = workerId
	return nil
}

// UnbindWorker removes the binding for the given unit, if any.
func (p *Pool) UnbindWorker(unitId string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.bindings, unitId)
}

// BoundWorker returns the worker id bound to the given unit, if any.
func (p *Pool) BoundWorker(unitId string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	workerId, ok := p.bindings[unitId]
	return workerId, ok
}

func (p *Pool) String() string {
	return fmt.Sprintf("Pool[ID=%s,Role=%s,NumUnits=%d]", p.id, p.role, len(p.units))
}
