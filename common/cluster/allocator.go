package cluster

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/shopspring/decimal"

	"github.com/OpenBMB/RLPR/common/types"
)

// nodeUsage tracks one node's capacity bookkeeping. Quantities are decimal.Decimal structs so
// that repeated allocate/release arithmetic stays exact.
type nodeUsage struct {
	spec      *types.DecimalSpec
	idle      *types.DecimalSpec
	committed *types.DecimalSpec

	// perUnit is the capacity attributed to a single accelerator unit on this node.
	perUnit *types.DecimalSpec
}

// Allocator is the single coordinating authority over the cluster's free-unit set. All
// allocation requests funnel through one mutex, so no two roles can observe the same unit as
// free simultaneously and no allocation ever partially succeeds.
//
// The Allocator is an owned object with explicit construction and no package-level state, so
// multiple training runs (or tests) can coexist without cross-contamination.
type Allocator struct {
	mu  sync.Mutex
	log logger.Logger

	topology *Topology
	placer   Placer

	// freeUnits and allocatedUnits partition the topology's units. Both are ordered maps so
	// that iteration order (and therefore logging and placement input) is deterministic.
	freeUnits      *orderedmap.OrderedMap[string, *Unit]
	allocatedUnits *orderedmap.OrderedMap[string, *Unit]

	// pools tracks every live pool by id.
	pools map[string]*Pool

	usage map[string]*nodeUsage
}

// NewAllocator constructs an Allocator over the given topology with the given placement
// policy (nil selects packed placement).
func NewAllocator(topology *Topology, placer Placer) *Allocator {
	if placer == nil {
		placer = NewPackedPlacer()
	}

	allocator := &Allocator{
		topology:       topology,
		placer:         placer,
		freeUnits:      orderedmap.NewOrderedMap[string, *Unit](),
		allocatedUnits: orderedmap.NewOrderedMap[string, *Unit](),
		pools:          make(map[string]*Pool),
		usage:          make(map[string]*nodeUsage, topology.NumNodes()),
	}
	config.InitLogger(&allocator.log, allocator)

	for _, node := range topology.Nodes() {
		for _, unit := range node.Units {
			allocator.freeUnits.Set(unit.ID, unit)
		}

		numUnits := decimal.NewFromInt(int64(len(node.Units)))
		allocator.usage[node.Name] = &nodeUsage{
			spec:      node.Capacity.Clone(),
			idle:      node.Capacity.Clone(),
			committed: types.ZeroSpec(),
			perUnit: &types.DecimalSpec{
				AcceleratorUnits: decimal.NewFromInt(1),
				Millicpus:        node.Capacity.Millicpus.Div(numUnits),
				MemoryMb:         node.Capacity.MemoryMb.Div(numUnits),
			},
		}
	}

	allocator.log.Debug("Allocator started over %s with \"%s\" placement.", topology.String(), placer.Name())

	return allocator
}

// NumFreeUnits returns the number of units not owned by any live pool.
func (a *Allocator) NumFreeUnits() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.freeUnits.Len()
}

// NumAllocatedUnits returns the number of units owned by live pools.
func (a *Allocator) NumAllocatedUnits() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.allocatedUnits.Len()
}

// NumPools returns the number of live pools.
func (a *Allocator) NumPools() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.pools)
}

// IdleResources returns the summed idle capacity across all nodes.
func (a *Allocator) IdleResources() *types.DecimalSpec {
	a.mu.Lock()
	defer a.mu.Unlock()

	idle := types.ZeroSpec()
	for _, node := range a.topology.Nodes() {
		idle = idle.Add(a.usage[node.Name].idle)
	}
	return idle
}

// CommittedResources returns the summed committed capacity across all nodes.
func (a *Allocator) CommittedResources() *types.DecimalSpec {
	a.mu.Lock()
	defer a.mu.Unlock()

	committed := types.ZeroSpec()
	for _, node := range a.topology.Nodes() {
		committed = committed.Add(a.usage[node.Name].committed)
	}
	return committed
}

// Allocate atomically carves a pool of unitCount units for the given role. It fails with a
// *InsufficientResourcesError - without any partial effect - if fewer free units exist than
// requested. Placement follows the allocator's Placer; given the same topology and request
// order, repeated runs produce identical pools.
func (a *Allocator) Allocate(role types.Role, unitCount int) (*Pool, error) {
	if !role.Valid() {
		return nil, types.ErrUnknownRole{Role: role}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if unitCount < 1 || a.freeUnits.Len() < unitCount {
		a.log.Warn("Cannot allocate %d unit(s) for role \"%s\": only %d unit(s) free.",
			unitCount, role, a.freeUnits.Len())
		return nil, NewInsufficientResourcesError(role, unitCount, a.freeUnits.Len(), a.freePerNode())
	}

	selected, err := a.placer.Place(a.freeNodeView(), unitCount)
	if err != nil {
		// The free-count precondition held, so a placement failure here is a policy bug;
		// surface it as the allocation-time error the caller expects.
		a.log.Error("Placer \"%s\" failed to place %d unit(s) despite %d free: %v",
			a.placer.Name(), unitCount, a.freeUnits.Len(), err)
		return nil, NewInsufficientResourcesError(role, unitCount, a.freeUnits.Len(), a.freePerNode())
	}

	for _, unit := range selected {
		a.freeUnits.Delete(unit.ID)
		a.allocatedUnits.Set(unit.ID, unit)

		usage := a.usage[unit.NodeName]
		usage.idle = usage.idle.Subtract(usage.perUnit)
		usage.committed = usage.committed.Add(usage.perUnit)
	}

	pool := newPool(role, selected)
	a.pools[pool.ID()] = pool

	a.log.Debug("Allocated %s for role \"%s\" (%d unit(s) remain free).",
		pool.String(), role, a.freeUnits.Len())

	return pool, nil
}

// Release returns the pool's units to the free set. Releasing a pool twice is an error.
func (a *Allocator) Release(pool *Pool) error {
	if pool == nil {
		return ErrPoolNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, live := a.pools[pool.ID()]; !live {
		if pool.released {
			return fmt.Errorf("%w: %s", ErrPoolAlreadyReleased, pool.String())
		}
		return fmt.Errorf("%w: %s", ErrPoolNotFound, pool.String())
	}

	for _, unit := range pool.Units() {
		a.allocatedUnits.Delete(unit.ID)
		a.freeUnits.Set(unit.ID, unit)
		pool.UnbindWorker(unit.ID)

		usage := a.usage[unit.NodeName]
		usage.idle = usage.idle.Add(usage.perUnit)
		usage.committed = usage.committed.Subtract(usage.perUnit)
	}

	delete(a.pools, pool.ID())
	pool.released = true

	a.log.Debug("Released %s (%d unit(s) now free).", pool.String(), a.freeUnits.Len())

	return nil
}

// ReleaseAll releases every live pool, returning the first error encountered. Used during
// run teardown and abort handling.
func (a *Allocator) ReleaseAll() error {
	a.mu.Lock()
	pools := make([]*Pool, 0, len(a.pools))
	for _, pool := range a.pools {
		pools = append(pools, pool)
	}
	a.mu.Unlock()

	var firstErr error
	for _, pool := range pools {
		if err := a.Release(pool); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// freePerNode counts free units per node. Must be called with the mutex held.
func (a *Allocator) freePerNode() map[string]int {
	counts := make(map[string]int, a.topology.NumNodes())
	for _, node := range a.freeNodeView() {
		counts[node.Name] = len(node.Units)
	}
	return counts
}

// freeNodeView builds the per-node free-unit view handed to the Placer. Must be called with
// the mutex held. Nodes appear in topology (name) order and units in device-index order.
func (a *Allocator) freeNodeView() []*FreeNode {
	view := make([]*FreeNode, 0, a.topology.NumNodes())

	for _, node := range a.topology.Nodes() {
		free := &FreeNode{Name: node.Name}
		for _, unit := range node.Units {
			if _, isFree := a.freeUnits.Get(unit.ID); isFree {
				free.Units = append(free.Units, unit)
			}
		}
		if len(free.Units) > 0 {
			view = append(view, free)
		}
	}

	return view
}

// Snapshot returns a string describing the allocator's current bookkeeping, suitable for
// logging when diagnosing placement decisions.
func (a *Allocator) Snapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("AllocatorSnapshot[NumPools=%d,Free=%d,Allocated=%d",
		len(a.pools), a.freeUnits.Len(), a.allocatedUnits.Len()))
	for _, node := range a.topology.Nodes() {
		usage := a.usage[node.Name]
		sb.WriteString(fmt.Sprintf(",%s:idle=%s", node.Name, usage.idle.AcceleratorUnits.StringFixed(0)))
	}
	sb.WriteString("]")
	return sb.String()
}
