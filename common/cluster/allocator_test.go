package cluster_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/OpenBMB/RLPR/common/cluster"
	"github.com/OpenBMB/RLPR/common/types"
)

var _ = Describe("Allocator Standard Tests", func() {
	var (
		topology  *cluster.Topology
		allocator *cluster.Allocator
	)

	BeforeEach(func() {
		var err error
		topology, err = cluster.NewUniformTopology(2, 4)
		Expect(err).To(BeNil())

		allocator = cluster.NewAllocator(topology, cluster.NewPackedPlacer())
	})

	It("Will carve a pool out of the free set and track occupancy", func() {
		pool, err := allocator.Allocate(types.ActorRole, 4)
		Expect(err).To(BeNil())
		Expect(pool.Size()).To(Equal(4))
		Expect(pool.Role()).To(Equal(types.ActorRole))

		Expect(allocator.NumFreeUnits()).To(Equal(4))
		Expect(allocator.NumAllocatedUnits()).To(Equal(4))
		Expect(allocator.NumPools()).To(Equal(1))
	})

	It("Will never assign the same unit to two live pools", func() {
		pool1, err := allocator.Allocate(types.ActorRole, 4)
		Expect(err).To(BeNil())

		pool2, err := allocator.Allocate(types.RolloutRole, 4)
		Expect(err).To(BeNil())

		seen := make(map[string]struct{})
		for _, unit := range pool1.Units() {
			seen[unit.ID] = struct{}{}
		}
		for _, unit := range pool2.Units() {
			_, dup := seen[unit.ID]
			Expect(dup).To(BeFalse())
		}
	})

	It("Will fail whole-request with no partial allocation when resources are insufficient", func() {
		_, err := allocator.Allocate(types.ActorRole, 6)
		Expect(err).To(BeNil())

		_, err = allocator.Allocate(types.RolloutRole, 4)
		Expect(err).ToNot(BeNil())

		var insufficientResourcesError *cluster.InsufficientResourcesError
		Expect(errors.As(err, &insufficientResourcesError)).To(BeTrue())
		Expect(insufficientResourcesError.Requested).To(Equal(4))
		Expect(insufficientResourcesError.Available).To(Equal(2))

		total := 0
		for _, free := range insufficientResourcesError.FreePerNode {
			total += free
		}
		Expect(total).To(Equal(2))

		// The failed request must not have consumed anything.
		Expect(allocator.NumFreeUnits()).To(Equal(2))
		Expect(allocator.NumPools()).To(Equal(1))
	})

	It("Will reject an unknown role", func() {
		_, err := allocator.Allocate(types.Role("juggler"), 1)
		Expect(err).ToNot(BeNil())
	})

	It("Will return released units to the free set", func() {
		pool, err := allocator.Allocate(types.CriticRole, 8)
		Expect(err).To(BeNil())
		Expect(allocator.NumFreeUnits()).To(Equal(0))

		err = allocator.Release(pool)
		Expect(err).To(BeNil())

		Expect(allocator.NumFreeUnits()).To(Equal(8))
		Expect(allocator.NumAllocatedUnits()).To(Equal(0))
		Expect(allocator.NumPools()).To(Equal(0))

		// The full cluster is allocatable again.
		_, err = allocator.Allocate(types.ActorRole, 8)
		Expect(err).To(BeNil())
	})

	It("Will reject a double release of the same pool", func() {
		pool, err := allocator.Allocate(types.RewardModelRole, 2)
		Expect(err).To(BeNil())

		Expect(allocator.Release(pool)).To(BeNil())

		err = allocator.Release(pool)
		Expect(err).To(MatchError(cluster.ErrPoolAlreadyReleased))
	})

	It("Will track idle and committed resources exactly through allocate and release", func() {
		specTopology, err := cluster.NewTopology(
			cluster.NodeSpec{Name: "node0", NumUnits: 4, MillicpusPerUnit: 1000, MemoryMbPerUnit: 2048},
			cluster.NodeSpec{Name: "node1", NumUnits: 4, MillicpusPerUnit: 1000, MemoryMbPerUnit: 2048},
		)
		Expect(err).To(BeNil())

		specAllocator := cluster.NewAllocator(specTopology, cluster.NewPackedPlacer())
		totalResources := specAllocator.IdleResources().Clone()

		pool, err := specAllocator.Allocate(types.ActorRole, 3)
		Expect(err).To(BeNil())

		expectedCommitted := types.NewDecimalSpec(3, 3000, 6144)
		Expect(specAllocator.CommittedResources().Equals(expectedCommitted)).To(BeTrue())
		Expect(specAllocator.IdleResources().Add(specAllocator.CommittedResources()).Equals(totalResources)).To(BeTrue())

		Expect(specAllocator.Release(pool)).To(BeNil())
		Expect(specAllocator.CommittedResources().IsZero()).To(BeTrue())
		Expect(specAllocator.IdleResources().Equals(totalResources)).To(BeTrue())
	})

	It("Will produce deterministic placements given the same topology and request order", func() {
		otherTopology, err := cluster.NewUniformTopology(2, 4)
		Expect(err).To(BeNil())
		otherAllocator := cluster.NewAllocator(otherTopology, cluster.NewPackedPlacer())

		pool1, err := allocator.Allocate(types.ActorRole, 3)
		Expect(err).To(BeNil())
		pool2, err := otherAllocator.Allocate(types.ActorRole, 3)
		Expect(err).To(BeNil())

		names1 := make([]string, 0, 3)
		for _, unit := range pool1.Units() {
			names1 = append(names1, unit.NodeName)
		}
		names2 := make([]string, 0, 3)
		for _, unit := range pool2.Units() {
			names2 = append(names2, unit.NodeName)
		}

		Expect(names1).To(Equal(names2))
	})

	It("Will release every live pool via ReleaseAll", func() {
		_, err := allocator.Allocate(types.ActorRole, 2)
		Expect(err).To(BeNil())
		_, err = allocator.Allocate(types.RolloutRole, 2)
		Expect(err).To(BeNil())

		Expect(allocator.ReleaseAll()).To(BeNil())
		Expect(allocator.NumFreeUnits()).To(Equal(8))
		Expect(allocator.NumPools()).To(Equal(0))
	})
})

var _ = Describe("Placement Policies", func() {
	It("Will pack a request onto a single node when one fits", func() {
		topology, err := cluster.NewUniformTopology(2, 4)
		Expect(err).To(BeNil())
		allocator := cluster.NewAllocator(topology, cluster.NewPackedPlacer())

		pool, err := allocator.Allocate(types.ActorRole, 4)
		Expect(err).To(BeNil())

		nodeNames := make(map[string]struct{})
		for _, unit := range pool.Units() {
			nodeNames[unit.NodeName] = struct{}{}
		}
		Expect(nodeNames).To(HaveLen(1))
	})

	It("Will spread a request across nodes round-robin under the spread policy", func() {
		topology, err := cluster.NewUniformTopology(2, 4)
		Expect(err).To(BeNil())
		allocator := cluster.NewAllocator(topology, cluster.NewSpreadPlacer())

		pool, err := allocator.Allocate(types.ActorRole, 4)
		Expect(err).To(BeNil())

		perNode := make(map[string]int)
		for _, unit := range pool.Units() {
			perNode[unit.NodeName]++
		}
		Expect(perNode).To(HaveLen(2))
		Expect(perNode["node0"]).To(Equal(2))
		Expect(perNode["node1"]).To(Equal(2))
	})

	It("Will resolve placement policies by name", func() {
		Expect(cluster.PlacerForPolicy("spread").Name()).To(Equal(cluster.NewSpreadPlacer().Name()))
		Expect(cluster.PlacerForPolicy("packed").Name()).To(Equal(cluster.NewPackedPlacer().Name()))
		Expect(cluster.PlacerForPolicy("").Name()).To(Equal(cluster.NewPackedPlacer().Name()))
	})
})
