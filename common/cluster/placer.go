package cluster

import (
	"errors"
	"sort"
)

var (
	// ErrPlacementFailed indicates that the placer could not select the requested number of
	// units from the free set it was shown.
	ErrPlacementFailed = errors.New("placement failed: not enough free units")
)

// FreeNode is the read-only view of one node's free units that the allocator shows a Placer.
// Nodes are presented in name order and units in device-index order, so a placer that makes
// deterministic choices over them yields reproducible placements for identical topologies
// and request orders.
type FreeNode struct {
	Name  string
	Units []*Unit
}

// Placer selects which free units satisfy an allocation request. Placement policy is
// pluggable, but every Placer must be deterministic given the same free set and request.
type Placer interface {
	// Name returns the policy name, for logging and configuration.
	Name() string

	// Place selects exactly count units from the given free set, or returns
	// ErrPlacementFailed. Place must not mutate the free set.
	Place(nodes []*FreeNode, count int) ([]*Unit, error)
}

// PackedPlacer maximizes locality: if any single node can satisfy the request, it picks the
// node with the fewest sufficient free units (best fit, name-order tie-break); otherwise it
// falls back to draining nodes in descending free-count order until the request is satisfied.
type PackedPlacer struct{}

// NewPackedPlacer returns the default locality-first placement policy.
func NewPackedPlacer() *PackedPlacer {
	return &PackedPlacer{}
}

func (p *PackedPlacer) Name() string {
	return "packed"
}

func (p *PackedPlacer) Place(nodes []*FreeNode, count int) ([]*Unit, error) {
	totalFree := 0
	for _, node := range nodes {
		totalFree += len(node.Units)
	}
	if totalFree < count || count < 1 {
		return nil, ErrPlacementFailed
	}

	// Best fit: the single node with the fewest free units that still fit the request.
	// Nodes arrive in name order, so the first minimum wins ties deterministically.
	var bestFit *FreeNode
	for _, node := range nodes {
		if len(node.Units) < count {
			continue
		}
		if bestFit == nil || len(node.Units) < len(bestFit.Units) {
			bestFit = node
		}
	}
	if bestFit != nil {
		return append([]*Unit(nil), bestFit.Units[:count]...), nil
	}

	// No single node fits. Drain the fullest nodes first so the request spans as few nodes
	// as possible; sort is stable over the name-ordered input, keeping ties deterministic.
	ordered := append([]*FreeNode(nil), nodes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Units) > len(ordered[j].Units)
	})

	selected := make([]*Unit, 0, count)
	for _, node := range ordered {
		remaining := count - len(selected)
		if remaining == 0 {
			break
		}
		take := len(node.Units)
		if take > remaining {
			take = remaining
		}
		selected = append(selected, node.Units[:take]...)
	}

	return selected, nil
}

// SpreadPlacer distributes the request round-robin across nodes in name order, one unit per
// node per pass. Useful when per-node bandwidth, rather than locality, is the bottleneck.
type SpreadPlacer struct{}

// NewSpreadPlacer returns the spread placement policy.
func NewSpreadPlacer() *SpreadPlacer {
	return &SpreadPlacer{}
}

func (p *SpreadPlacer) Name() string {
	return "spread"
}

func (p *SpreadPlacer) Place(nodes []*FreeNode, count int) ([]*Unit, error) {
	totalFree := 0
	for _, node := range nodes {
		totalFree += len(node.Units)
	}
	if totalFree < count || count < 1 {
		return nil, ErrPlacementFailed
	}

	selected := make([]*Unit, 0, count)
	cursor := make([]int, len(nodes))

	for len(selected) < count {
		progressed := false
		for i, node := range nodes {
			if len(selected) == count {
				break
			}
			if cursor[i] < len(node.Units) {
				selected = append(selected, node.Units[cursor[i]])
				cursor[i]++
				progressed = true
			}
		}
		if !progressed {
			// Unreachable given the totalFree check, kept as a guard against future edits.
			return nil, ErrPlacementFailed
		}
	}

	return selected, nil
}

// PlacerForPolicy maps a configured policy name to a Placer, defaulting to packed placement.
func PlacerForPolicy(policy string) Placer {
	switch policy {
	case "spread":
		return NewSpreadPlacer()
	default:
		return NewPackedPlacer()
	}
}
