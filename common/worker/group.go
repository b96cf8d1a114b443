package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"

	"github.com/OpenBMB/RLPR/common/cluster"
	"github.com/OpenBMB/RLPR/common/data"
	"github.com/OpenBMB/RLPR/common/types"
)

// Group is a worker group: one worker per (data, model, pipeline) coordinate of its layout,
// each bound to one accelerator unit of the group's pool. The group exclusively owns its
// workers' lifetime - workers are destroyed when the group is torn down - and exposes the
// group's distributed methods as single logical calls through Invoke.
type Group struct {
	mu  sync.Mutex
	log logger.Logger

	id     string
	role   types.Role
	layout types.ParallelismLayout
	pool   *cluster.Pool

	// workers is indexed by (dataRank*M + modelRank)*P + pipelineRank.
	workers []*Worker

	closed bool
}

// NewGroup constructs a worker group for the given role over the given pool: it starts one
// worker per layout coordinate, binding worker i to the pool's i-th unit (placement order).
//
// If any worker fails to initialize within the startup timeout, every worker started so far
// is torn down and a *StartupError identifying the failing coordinate is returned.
func NewGroup(ctx context.Context, role types.Role, pool *cluster.Pool, layout types.ParallelismLayout,
	invoker Invoker, opts ...GroupOption) (*Group, error) {

	if !role.Valid() {
		return nil, types.ErrUnknownRole{Role: role}
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if layout.WorldSize() > pool.Size() {
		return nil, fmt.Errorf("%w: world size %d > pool size %d for role \"%s\"",
			ErrPoolTooSmall, layout.WorldSize(), pool.Size(), role)
	}

	options := defaultGroupOptions()
	for _, opt := range opts {
		opt(options)
	}

	group := &Group{
		id:      uuid.NewString(),
		role:    role,
		layout:  layout,
		pool:    pool,
		workers: make([]*Worker, 0, layout.WorldSize()),
	}
	config.InitLogger(&group.log, group)

	units := pool.Units()
	index := 0

	for dataRank := 0; dataRank < layout.DataParallel; dataRank++ {
		for modelRank := 0; modelRank < layout.ModelParallel; modelRank++ {
			for pipelineRank := 0; pipelineRank < layout.PipelineParallel; pipelineRank++ {
				unit := units[index]
				info := WorkerInfo{
					WorkerID: uuid.NewString(),
					Role:     role,
					Layout:   layout,
					Coordinates: Coordinates{
						DataRank:     dataRank,
						ModelRank:    modelRank,
						PipelineRank: pipelineRank,
					},
					Unit: unit,
				}

				startCtx, cancel := context.WithTimeout(ctx, options.StartupTimeout)
				started, err := invoker.StartWorker(startCtx, info)
				cancel()

				if err != nil {
					group.log.Error("Worker %s for role \"%s\" failed to start: %v. Tearing down %d started worker(s).",
						info.Coordinates, role, err, len(group.workers))
					group.teardownWorkers()
					return nil, NewStartupError(role, info.Coordinates, err)
				}

				if err = pool.BindWorker(unit.ID, started.ID()); err != nil {
					started.Close()
					group.teardownWorkers()
					return nil, NewStartupError(role, info.Coordinates, err)
				}

				group.workers = append(group.workers, started)
				index++
			}
		}
	}

	group.log.Debug("Constructed group for role \"%s\" with layout %s over %s.",
		role, layout, pool.String())

	return group, nil
}

// ID returns the group's unique identifier.
func (g *Group) ID() string {
	return g.id
}

// Role returns the group's role tag.
func (g *Group) Role() types.Role {
	return g.role
}

// Layout returns the group's parallelism layout.
func (g *Group) Layout() types.ParallelismLayout {
	return g.layout
}

// Pool returns the resource pool the group's workers are bound to.
func (g *Group) Pool() *cluster.Pool {
	return g.pool
}

// NumWorkers returns the group's world size.
func (g *Group) NumWorkers() int {
	return len(g.workers)
}

// workerAt returns the worker at the given layout coordinates.
func (g *Group) workerAt(dataRank int, modelRank int, pipelineRank int) *Worker {
	index := (dataRank*g.layout.ModelParallel+modelRank)*g.layout.PipelineParallel + pipelineRank
	return g.workers[index]
}

// replicaWorkers returns every worker of the given data-parallel replica.
func (g *Group) replicaWorkers(dataRank int) []*Worker {
	workers := make([]*Worker, 0, g.layout.ModelParallel*g.layout.PipelineParallel)
	for modelRank := 0; modelRank < g.layout.ModelParallel; modelRank++ {
		for pipelineRank := 0; pipelineRank < g.layout.PipelineParallel; pipelineRank++ {
			workers = append(workers, g.workerAt(dataRank, modelRank, pipelineRank))
		}
	}
	return workers
}

// reportingWorker returns the worker whose engine output represents the replica's result:
// model rank 0 of the replica's last pipeline stage.
func (g *Group) reportingWorker(dataRank int) *Worker {
	return g.workerAt(dataRank, 0, g.layout.PipelineParallel-1)
}

// isClosed reports whether Close has been called.
func (g *Group) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// ExportWeights collects the current model parameters from data-parallel replica 0. Each of
// the replica's workers exports its own shard; the shards are merged into a single WeightSet
// whose version is the maximum shard version.
func (g *Group) ExportWeights(ctx context.Context) (*data.WeightSet, error) {
	if g.isClosed() {
		return nil, ErrGroupClosed
	}

	workers := g.replicaWorkers(0)
	results, err := g.dispatchControl(ctx, workers, &invocation{kind: kindExportWeights})
	if err != nil {
		return nil, err
	}

	merged := data.NewWeightSet(0)
	for _, result := range results {
		if result.err != nil {
			return nil, NewExecutionError(g.role, "export_weights", result.worker.Coordinates(), result.err)
		}
		if result.weights.Version > merged.Version {
			merged.Version = result.weights.Version
		}
		merged.Merge(result.weights)
	}

	return merged, nil
}

// ImportWeights broadcasts the given parameters to every worker in the group. All workers
// must succeed; any failure fails the call with the failing worker's identity.
func (g *Group) ImportWeights(ctx context.Context, weights *data.WeightSet) error {
	if g.isClosed() {
		return ErrGroupClosed
	}

	results, err := g.dispatchControl(ctx, g.workers, &invocation{kind: kindImportWeights, weights: weights})
	if err != nil {
		return err
	}

	for _, result := range results {
		if result.err != nil {
			return NewExecutionError(g.role, "import_weights", result.worker.Coordinates(), result.err)
		}
	}

	return nil
}

// dispatchControl fans a control invocation (weights transfer) out to the given workers and
// gathers every result. Unlike batched dispatch there is no delivery barrier: control calls
// carry no peer-coordinated computation.
func (g *Group) dispatchControl(ctx context.Context, workers []*Worker, template *invocation) ([]*invocationResult, error) {
	results := make(chan *invocationResult, len(workers))

	submitted := 0
	for _, w := range workers {
		inv := &invocation{
			ctx:     ctx,
			kind:    template.kind,
			weights: template.weights,
			results: results,
		}
		if err := w.submit(inv); err != nil {
			return nil, NewExecutionError(g.role, "control", w.Coordinates(), err)
		}
		submitted++
	}

	collected := make([]*invocationResult, 0, submitted)
	for len(collected) < submitted {
		select {
		case result := <-results:
			collected = append(collected, result)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return collected, nil
}

// Close tears down every worker in the group and unbinds them from the pool. The pool itself
// remains allocated; releasing it back to the allocator is the owner's decision.
func (g *Group) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	g.teardownWorkers()
	g.log.Debug("Closed group for role \"%s\".", g.role)
}

func (g *Group) teardownWorkers() {
	for _, w := range g.workers {
		g.pool.UnbindWorker(w.Info().Unit.ID)
		w.Close()
	}
	g.workers = nil
}
