package cluster

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/OpenBMB/RLPR/common/types"
)

var (
	ErrEmptyTopology  = errors.New("topology must contain at least one node with at least one unit")
	ErrDuplicateNode  = errors.New("topology contains duplicate node names")
	ErrUnknownNode    = errors.New("the specified node does not exist in the topology")
	ErrInvalidUnitNum = errors.New("node unit count must be >= 1")
)

// Node is one physical machine in the cluster, hosting an ordered list of accelerator units.
type Node struct {
	// Name identifies the node. Node names are unique within a topology.
	Name string `json:"name"`

	// Units are the node's accelerator slots, ordered by device index.
	Units []*Unit `json:"units"`

	// Capacity is the node's total compute capacity. The accelerator quantity always equals
	// len(Units); CPU and memory quantities are bookkeeping attached per unit by the allocator.
	Capacity *types.DecimalSpec `json:"capacity"`
}

// NodeSpec describes one node when building a Topology.
type NodeSpec struct {
	Name             string  `json:"name"               yaml:"name"`
	NumUnits         int     `json:"num_units"          yaml:"num_units"`
	MillicpusPerUnit float64 `json:"millicpus_per_unit" yaml:"millicpus_per_unit"`
	MemoryMbPerUnit  float64 `json:"memory_mb_per_unit" yaml:"memory_mb_per_unit"`
}

// Topology is the fixed physical inventory the allocator carves pools from. It is built once
// at cluster-setup time; the node list is sorted by name so that placement decisions are
// deterministic given the same topology and request order.
type Topology struct {
	nodes []*Node
}

// NewTopology builds a Topology from node specs. Node order in the result is by name,
// regardless of argument order.
func NewTopology(specs ...NodeSpec) (*Topology, error) {
	if len(specs) == 0 {
		return nil, ErrEmptyTopology
	}

	seen := make(map[string]struct{}, len(specs))
	nodes := make([]*Node, 0, len(specs))

	for _, spec := range specs {
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("%w: \"%s\"", ErrDuplicateNode, spec.Name)
		}
		seen[spec.Name] = struct{}{}

		if spec.NumUnits < 1 {
			return nil, fmt.Errorf("%w: node \"%s\" has %d", ErrInvalidUnitNum, spec.Name, spec.NumUnits)
		}

		units := make([]*Unit, 0, spec.NumUnits)
		for device := 0; device < spec.NumUnits; device++ {
			units = append(units, newUnit(spec.Name, device))
		}

		nodes = append(nodes, &Node{
			Name:  spec.Name,
			Units: units,
			Capacity: types.NewDecimalSpec(
				float64(spec.NumUnits),
				spec.MillicpusPerUnit*float64(spec.NumUnits),
				spec.MemoryMbPerUnit*float64(spec.NumUnits)),
		})
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	return &Topology{nodes: nodes}, nil
}

// NewUniformTopology builds a Topology of numNodes identical nodes named node0..nodeN-1,
// each hosting unitsPerNode accelerator units.
func NewUniformTopology(numNodes int, unitsPerNode int) (*Topology, error) {
	specs := make([]NodeSpec, 0, numNodes)
	for i := 0; i < numNodes; i++ {
		specs = append(specs, NodeSpec{
			Name:     fmt.Sprintf("node%d", i),
			NumUnits: unitsPerNode,
		})
	}
	return NewTopology(specs...)
}

// Nodes returns the topology's nodes in name order. Callers must not mutate the slice.
func (t *Topology) Nodes() []*Node {
	return t.nodes
}

// Node returns the named node, or ErrUnknownNode.
func (t *Topology) Node(name string) (*Node, error) {
	for _, node := range t.nodes {
		if node.Name == name {
			return node, nil
		}
	}
	return nil, fmt.Errorf("%w: \"%s\"", ErrUnknownNode, name)
}

// NumNodes returns the number of nodes in the topology.
func (t *Topology) NumNodes() int {
	return len(t.nodes)
}

// NumUnits returns the total number of accelerator units across all nodes.
func (t *Topology) NumUnits() int {
	total := 0
	for _, node := range t.nodes {
		total += len(node.Units)
	}
	return total
}

func (t *Topology) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Topology[NumNodes=%d,NumUnits=%d:", t.NumNodes(), t.NumUnits()))
	for i, node := range t.nodes {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(fmt.Sprintf("%s=%d", node.Name, len(node.Units)))
	}
	sb.WriteString("]")
	return sb.String()
}
