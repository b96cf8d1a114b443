package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/OpenBMB/RLPR/common/cluster"
	"github.com/OpenBMB/RLPR/common/data"
	"github.com/OpenBMB/RLPR/common/types"
	"github.com/OpenBMB/RLPR/common/worker"
)

// engineTracker hands out simulated engines and remembers them by coordinate so that tests
// can inspect per-worker state after the fact.
type engineTracker struct {
	mu      sync.Mutex
	engines map[string]*worker.SimulatedEngine
}

func newEngineTracker() *engineTracker {
	return &engineTracker{engines: make(map[string]*worker.SimulatedEngine)}
}

func (t *engineTracker) factory(info worker.WorkerInfo) worker.Engine {
	t.mu.Lock()
	defer t.mu.Unlock()

	engine := worker.NewSimulatedEngine(4, 0)
	t.engines[info.Coordinates.String()] = engine
	return engine
}

func (t *engineTracker) engineAt(dataRank int, modelRank int, pipelineRank int) *worker.SimulatedEngine {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := worker.Coordinates{DataRank: dataRank, ModelRank: modelRank, PipelineRank: pipelineRank}.String()
	return t.engines[key]
}

// faultyEngine fails Invoke for one method on one data rank, passing everything else through
// to an inner simulated engine.
type faultyEngine struct {
	*worker.SimulatedEngine

	failDataRank int
	failMethod   string

	dataRank int
}

func (e *faultyEngine) Initialize(ctx context.Context, info worker.WorkerInfo) error {
	e.dataRank = info.Coordinates.DataRank
	return e.SimulatedEngine.Initialize(ctx, info)
}

func (e *faultyEngine) Invoke(ctx context.Context, method string, batch *data.Batch, opts map[string]interface{}) (*data.Batch, error) {
	if e.dataRank == e.failDataRank && method == e.failMethod {
		return nil, fmt.Errorf("injected fault on data rank %d", e.dataRank)
	}

	return e.SimulatedEngine.Invoke(ctx, method, batch, opts)
}

// stillbornEngine fails initialization at one coordinate and records Close calls so that
// startup-teardown behavior is observable.
type stillbornEngine struct {
	*worker.SimulatedEngine

	failAt  worker.Coordinates
	closed  *int
	closeMu *sync.Mutex
}

func (e *stillbornEngine) Initialize(ctx context.Context, info worker.WorkerInfo) error {
	if info.Coordinates == e.failAt {
		return errors.New("initialization failed")
	}
	return e.SimulatedEngine.Initialize(ctx, info)
}

func (e *stillbornEngine) Close() error {
	e.closeMu.Lock()
	*e.closed++
	e.closeMu.Unlock()
	return e.SimulatedEngine.Close()
}

func allocatePool(role types.Role, numUnits int) *cluster.Pool {
	topology, err := cluster.NewUniformTopology(1, numUnits)
	Expect(err).To(BeNil())

	allocator := cluster.NewAllocator(topology, cluster.NewPackedPlacer())
	pool, err := allocator.Allocate(role, numUnits)
	Expect(err).To(BeNil())

	return pool
}

var _ = Describe("Worker Group", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("Will start one worker per layout coordinate and bind every pool unit", func() {
		layout := types.NewParallelismLayout(2, 2, 1)
		pool := allocatePool(types.ActorRole, 4)
		tracker := newEngineTracker()

		group, err := worker.NewGroup(ctx, types.ActorRole, pool, layout,
			worker.NewLocalInvoker(tracker.factory, 1))
		Expect(err).To(BeNil())
		defer group.Close()

		Expect(group.NumWorkers()).To(Equal(4))

		for _, unit := range pool.Units() {
			_, bound := pool.BoundWorker(unit.ID)
			Expect(bound).To(BeTrue())
		}
	})

	It("Will reject a pool smaller than the layout's world size", func() {
		layout := types.NewParallelismLayout(2, 2, 1)
		pool := allocatePool(types.ActorRole, 2)
		tracker := newEngineTracker()

		_, err := worker.NewGroup(ctx, types.ActorRole, pool, layout,
			worker.NewLocalInvoker(tracker.factory, 1))
		Expect(err).To(MatchError(worker.ErrPoolTooSmall))
	})

	It("Will return gathered outputs in the caller's sample order", func() {
		layout := types.NewParallelismLayout(4, 1, 1)
		pool := allocatePool(types.RolloutRole, 4)
		tracker := newEngineTracker()

		group, err := worker.NewGroup(ctx, types.RolloutRole, pool, layout,
			worker.NewLocalInvoker(tracker.factory, 1))
		Expect(err).To(BeNil())
		defer group.Close()

		batch := data.NewBatch()
		for i := 0; i < 8; i++ {
			batch.Append(data.NewSample([]int32{int32(100 + i)}))
		}

		output, err := group.Invoke(ctx, worker.MethodGenerate, batch)
		Expect(err).To(BeNil())
		Expect(output.Len()).To(Equal(batch.Len()))
		Expect(output.SampleIDs()).To(Equal(batch.SampleIDs()))

		// Outputs are a pure function of the input sample, so order preservation is
		// verifiable per position.
		for i := 0; i < output.Len(); i++ {
			Expect(output.At(i).ResponseTokens[0]).To(Equal(int32(100 + i)))
		}
	})

	It("Will reshard source-layout shards to its own data-parallel degree", func() {
		sourceLayout := types.NewParallelismLayout(2, 1, 1)
		layout := types.NewParallelismLayout(4, 1, 1)
		pool := allocatePool(types.RewardModelRole, 4)
		tracker := newEngineTracker()

		group, err := worker.NewGroup(ctx, types.RewardModelRole, pool, layout,
			worker.NewLocalInvoker(tracker.factory, 1))
		Expect(err).To(BeNil())
		defer group.Close()

		batch := data.NewBatch()
		for i := 0; i < 4; i++ {
			sample := data.NewSample([]int32{int32(i)})
			sample.ResponseTokens = []int32{int32(i), int32(i)}
			batch.Append(sample)
		}

		// The batch arrives as two shards of two samples each; the group regroups them
		// into four shards of one sample.
		shards, err := data.Split(batch, sourceLayout.DataParallel, data.ContiguousSplit)
		Expect(err).To(BeNil())

		outputs, err := group.InvokeShards(ctx, worker.MethodComputeRewards, shards, sourceLayout)
		Expect(err).To(BeNil())
		Expect(outputs).To(HaveLen(4))

		merged := data.Merge(outputs)
		Expect(merged.SampleIDs()).To(Equal(batch.SampleIDs()))
		for i := 0; i < merged.Len(); i++ {
			Expect(merged.At(i).Reward).To(BeNumerically(">", 0))
		}
	})

	It("Will reject shards that do not match the declared source layout", func() {
		sourceLayout := types.NewParallelismLayout(2, 1, 1)
		layout := types.NewParallelismLayout(2, 1, 1)
		pool := allocatePool(types.RewardModelRole, 2)
		tracker := newEngineTracker()

		group, err := worker.NewGroup(ctx, types.RewardModelRole, pool, layout,
			worker.NewLocalInvoker(tracker.factory, 1))
		Expect(err).To(BeNil())
		defer group.Close()

		shards := []*data.Batch{data.NewPromptBatch([]int32{1})}

		_, err = group.InvokeShards(ctx, worker.MethodComputeRewards, shards, sourceLayout)
		Expect(err).To(HaveOccurred())

		var mismatchError *data.MismatchError
		Expect(errors.As(err, &mismatchError)).To(BeTrue())
	})

	It("Will preserve sample order under an interleaved split", func() {
		layout := types.NewParallelismLayout(3, 1, 1)
		pool := allocatePool(types.RolloutRole, 3)
		tracker := newEngineTracker()

		group, err := worker.NewGroup(ctx, types.RolloutRole, pool, layout,
			worker.NewLocalInvoker(tracker.factory, 1))
		Expect(err).To(BeNil())
		defer group.Close()

		batch := data.NewBatch()
		for i := 0; i < 7; i++ {
			batch.Append(data.NewSample([]int32{int32(i)}))
		}

		output, err := group.Invoke(ctx, worker.MethodGenerate, batch, worker.WithInterleavedSplit())
		Expect(err).To(BeNil())
		Expect(output.SampleIDs()).To(Equal(batch.SampleIDs()))
	})

	It("Will dispatch only to the replicas named by a mask", func() {
		layout := types.NewParallelismLayout(2, 1, 1)
		pool := allocatePool(types.ActorRole, 2)
		tracker := newEngineTracker()

		group, err := worker.NewGroup(ctx, types.ActorRole, pool, layout,
			worker.NewLocalInvoker(tracker.factory, 1))
		Expect(err).To(BeNil())
		defer group.Close()

		batch := data.NewBatch()
		for i := 0; i < 4; i++ {
			batch.Append(data.NewSample([]int32{int32(i)}))
		}

		_, err = group.Invoke(ctx, worker.MethodUpdatePolicy, batch, worker.WithReplicas(1))
		Expect(err).To(BeNil())

		Expect(tracker.engineAt(0, 0, 0).StagedUpdates()).To(Equal(uint64(0)))
		Expect(tracker.engineAt(1, 0, 0).StagedUpdates()).To(Equal(uint64(1)))

		Expect(group.CommitUpdates(ctx)).To(BeNil())

		Expect(tracker.engineAt(0, 0, 0).NumUpdates()).To(Equal(uint64(0)))
		Expect(tracker.engineAt(1, 0, 0).NumUpdates()).To(Equal(uint64(1)))
	})

	It("Will not move weights for staged updates until they commit", func() {
		layout := types.NewParallelismLayout(2, 1, 1)
		pool := allocatePool(types.ActorRole, 2)
		tracker := newEngineTracker()

		group, err := worker.NewGroup(ctx, types.ActorRole, pool, layout,
			worker.NewLocalInvoker(tracker.factory, 1))
		Expect(err).To(BeNil())
		defer group.Close()

		batch := data.NewBatch()
		for i := 0; i < 4; i++ {
			batch.Append(data.NewSample([]int32{int32(i)}))
		}

		_, err = group.Invoke(ctx, worker.MethodUpdatePolicy, batch)
		Expect(err).To(BeNil())

		for d := 0; d < 2; d++ {
			Expect(tracker.engineAt(d, 0, 0).StagedUpdates()).To(Equal(uint64(1)))
			Expect(tracker.engineAt(d, 0, 0).NumUpdates()).To(Equal(uint64(0)))
			Expect(tracker.engineAt(d, 0, 0).Version()).To(Equal(uint64(0)))
		}

		Expect(group.CommitUpdates(ctx)).To(BeNil())

		for d := 0; d < 2; d++ {
			Expect(tracker.engineAt(d, 0, 0).StagedUpdates()).To(Equal(uint64(0)))
			Expect(tracker.engineAt(d, 0, 0).NumUpdates()).To(Equal(uint64(1)))
			Expect(tracker.engineAt(d, 0, 0).Version()).To(Equal(uint64(1)))
		}
	})

	It("Will drop staged updates on discard", func() {
		layout := types.NewParallelismLayout(2, 1, 1)
		pool := allocatePool(types.ActorRole, 2)
		tracker := newEngineTracker()

		group, err := worker.NewGroup(ctx, types.ActorRole, pool, layout,
			worker.NewLocalInvoker(tracker.factory, 1))
		Expect(err).To(BeNil())
		defer group.Close()

		batch := data.NewBatch()
		for i := 0; i < 4; i++ {
			batch.Append(data.NewSample([]int32{int32(i)}))
		}

		_, err = group.Invoke(ctx, worker.MethodUpdatePolicy, batch)
		Expect(err).To(BeNil())

		Expect(group.DiscardUpdates(ctx)).To(BeNil())

		for d := 0; d < 2; d++ {
			Expect(tracker.engineAt(d, 0, 0).StagedUpdates()).To(Equal(uint64(0)))
			Expect(tracker.engineAt(d, 0, 0).NumUpdates()).To(Equal(uint64(0)))
			Expect(tracker.engineAt(d, 0, 0).Version()).To(Equal(uint64(0)))
		}
	})

	It("Will reject an out-of-range replica mask", func() {
		layout := types.NewParallelismLayout(2, 1, 1)
		pool := allocatePool(types.ActorRole, 2)
		tracker := newEngineTracker()

		group, err := worker.NewGroup(ctx, types.ActorRole, pool, layout,
			worker.NewLocalInvoker(tracker.factory, 1))
		Expect(err).To(BeNil())
		defer group.Close()

		batch := data.NewBatch(data.NewSample([]int32{1}))

		_, err = group.Invoke(ctx, worker.MethodGenerate, batch, worker.WithReplicas(2))
		Expect(err).To(MatchError(worker.ErrInvalidReplicaMask))
	})

	It("Will identify the failing replica when a worker errors mid-invocation", func() {
		layout := types.NewParallelismLayout(4, 1, 1)
		pool := allocatePool(types.ActorRole, 4)

		factory := func(info worker.WorkerInfo) worker.Engine {
			return &faultyEngine{
				SimulatedEngine: worker.NewSimulatedEngine(4, 0),
				failDataRank:    2,
				failMethod:      worker.MethodUpdatePolicy,
			}
		}

		group, err := worker.NewGroup(ctx, types.ActorRole, pool, layout,
			worker.NewLocalInvoker(factory, 1))
		Expect(err).To(BeNil())
		defer group.Close()

		batch := data.NewBatch()
		for i := 0; i < 8; i++ {
			batch.Append(data.NewSample([]int32{int32(i)}))
		}

		_, err = group.Invoke(ctx, worker.MethodUpdatePolicy, batch)
		Expect(err).ToNot(BeNil())

		var executionError *worker.ExecutionError
		Expect(errors.As(err, &executionError)).To(BeTrue())
		Expect(executionError.Role).To(Equal(types.ActorRole))
		Expect(executionError.Method).To(Equal(worker.MethodUpdatePolicy))
		Expect(executionError.Coordinates.DataRank).To(Equal(2))
	})

	It("Will remain usable for the next invocation after a failed one", func() {
		layout := types.NewParallelismLayout(2, 1, 1)
		pool := allocatePool(types.ActorRole, 2)

		factory := func(info worker.WorkerInfo) worker.Engine {
			return &faultyEngine{
				SimulatedEngine: worker.NewSimulatedEngine(4, 0),
				failDataRank:    1,
				failMethod:      worker.MethodComputeValues,
			}
		}

		group, err := worker.NewGroup(ctx, types.ActorRole, pool, layout,
			worker.NewLocalInvoker(factory, 1))
		Expect(err).To(BeNil())
		defer group.Close()

		batch := data.NewBatch()
		for i := 0; i < 4; i++ {
			batch.Append(data.NewSample([]int32{int32(i)}))
		}

		_, err = group.Invoke(ctx, worker.MethodComputeValues, batch)
		Expect(err).ToNot(BeNil())

		output, err := group.Invoke(ctx, worker.MethodGenerate, batch)
		Expect(err).To(BeNil())
		Expect(output.Len()).To(Equal(batch.Len()))
	})

	It("Will tear down every started worker when one coordinate fails to initialize", func() {
		layout := types.NewParallelismLayout(2, 2, 1)
		pool := allocatePool(types.ActorRole, 4)

		closed := 0
		var closeMu sync.Mutex

		factory := func(info worker.WorkerInfo) worker.Engine {
			return &stillbornEngine{
				SimulatedEngine: worker.NewSimulatedEngine(4, 0),
				failAt:          worker.Coordinates{DataRank: 1, ModelRank: 0, PipelineRank: 0},
				closed:          &closed,
				closeMu:         &closeMu,
			}
		}

		_, err := worker.NewGroup(ctx, types.ActorRole, pool, layout,
			worker.NewLocalInvoker(factory, 1))
		Expect(err).ToNot(BeNil())

		var startupError *worker.StartupError
		Expect(errors.As(err, &startupError)).To(BeTrue())
		Expect(startupError.Coordinates).To(Equal(worker.Coordinates{DataRank: 1, ModelRank: 0, PipelineRank: 0}))

		// The two workers started before the failing coordinate must have been closed, the
		// invoker closes the failing engine itself as well, and no pool unit may remain
		// bound.
		Eventually(func() int {
			closeMu.Lock()
			defer closeMu.Unlock()
			return closed
		}).Should(Equal(3))

		for _, unit := range pool.Units() {
			_, bound := pool.BoundWorker(unit.ID)
			Expect(bound).To(BeFalse())
		}
	})

	It("Will export merged weights and import them into another group", func() {
		actorLayout := types.NewParallelismLayout(2, 2, 1)
		actorPool := allocatePool(types.ActorRole, 4)
		actorTracker := newEngineTracker()

		actorGroup, err := worker.NewGroup(ctx, types.ActorRole, actorPool, actorLayout,
			worker.NewLocalInvoker(actorTracker.factory, 1))
		Expect(err).To(BeNil())
		defer actorGroup.Close()

		rolloutLayout := types.NewParallelismLayout(4, 1, 1)
		rolloutPool := allocatePool(types.RolloutRole, 4)
		rolloutTracker := newEngineTracker()

		rolloutGroup, err := worker.NewGroup(ctx, types.RolloutRole, rolloutPool, rolloutLayout,
			worker.NewLocalInvoker(rolloutTracker.factory, 1))
		Expect(err).To(BeNil())
		defer rolloutGroup.Close()

		batch := data.NewBatch()
		for i := 0; i < 4; i++ {
			batch.Append(data.NewSample([]int32{int32(i)}))
		}

		_, err = actorGroup.Invoke(ctx, worker.MethodUpdatePolicy, batch)
		Expect(err).To(BeNil())
		Expect(actorGroup.CommitUpdates(ctx)).To(BeNil())

		weights, err := actorGroup.ExportWeights(ctx)
		Expect(err).To(BeNil())
		Expect(weights.Version).To(Equal(uint64(1)))

		// Model-parallel shards from replica 0 are merged into one set.
		Expect(weights.Parameters).To(HaveLen(2))

		Expect(rolloutGroup.ImportWeights(ctx, weights)).To(BeNil())

		for d := 0; d < 4; d++ {
			Expect(rolloutTracker.engineAt(d, 0, 0).Version()).To(Equal(uint64(1)))
		}
	})

	It("Will refuse invocations after the group is closed", func() {
		layout := types.NewParallelismLayout(1, 1, 1)
		pool := allocatePool(types.ActorRole, 1)
		tracker := newEngineTracker()

		group, err := worker.NewGroup(ctx, types.ActorRole, pool, layout,
			worker.NewLocalInvoker(tracker.factory, 1))
		Expect(err).To(BeNil())

		group.Close()
		group.Close()

		_, err = group.Invoke(ctx, worker.MethodGenerate, data.NewBatch(data.NewSample([]int32{1})))
		Expect(err).To(MatchError(worker.ErrGroupClosed))
	})
})
