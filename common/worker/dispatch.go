package worker

import (
	"context"
	"fmt"

	"github.com/OpenBMB/RLPR/common/data"
	"github.com/OpenBMB/RLPR/common/types"
)

// DispatchPlan maps one logical method call over a batch to the set of (replica, sub-batch)
// pairs that realize it, plus the inverse gather order. Plans are computed per call and
// never persisted.
type DispatchPlan struct {
	// Method is the logical method being invoked.
	Method string

	// Replicas are the targeted data-parallel ranks, in dispatch order.
	Replicas []int

	// Shards holds the sub-batch for each targeted replica, aligned with Replicas.
	Shards []*data.Batch

	// GatherIndices records, per targeted replica, the global sample indices its shard
	// holds. Gathering replica outputs back through these indices restores the submitted
	// sample order exactly.
	GatherIndices [][]int
}

// buildDispatchPlan splits the batch across the invocation's targeted replicas.
func (g *Group) buildDispatchPlan(method string, batch *data.Batch, options *InvokeOptions) (*DispatchPlan, error) {
	targets := options.Replicas
	if len(targets) == 0 {
		targets = make([]int, g.layout.DataParallel)
		for i := range targets {
			targets[i] = i
		}
	} else {
		for _, rank := range targets {
			if rank < 0 || rank >= g.layout.DataParallel {
				return nil, fmt.Errorf("%w: rank %d (layout %s)", ErrInvalidReplicaMask, rank, g.layout)
			}
		}
	}

	if len(targets) == 0 {
		return nil, ErrNoTargetReplicas
	}

	gatherIndices, err := data.ShardIndices(batch.Len(), len(targets), options.SplitPolicy)
	if err != nil {
		return nil, err
	}

	shards := make([]*data.Batch, 0, len(targets))
	for _, indices := range gatherIndices {
		shards = append(shards, batch.Select(indices))
	}

	return &DispatchPlan{
		Method:        method,
		Replicas:      targets,
		Shards:        shards,
		GatherIndices: gatherIndices,
	}, nil
}

// Invoke executes one logical method call over the group: it splits the batch into one
// sub-batch per targeted data-parallel replica, delivers each sub-batch (plus the shared
// arguments) to every worker of the owning replica, waits for all targeted replicas to
// complete, and concatenates the replica outputs back into the submitted sample order.
//
// Delivery is a synchronous barrier: every targeted worker holds its sub-batch before any
// worker is released to compute. Invoke blocks until all targeted workers complete; there is
// no partial or streaming return. If any replica fails, the whole invocation fails with a
// *ExecutionError carrying the failing worker's identity - the remaining results are drained,
// never silently dropped.
func (g *Group) Invoke(ctx context.Context, method string, batch *data.Batch, opts ...InvokeOption) (*data.Batch, error) {
	if g.isClosed() {
		return nil, ErrGroupClosed
	}
	if batch == nil {
		return nil, data.ErrNilBatch
	}

	options := buildInvokeOptions(opts)

	plan, err := g.buildDispatchPlan(method, batch, options)
	if err != nil {
		return nil, err
	}

	outputs, err := g.execute(ctx, plan, options)
	if err != nil {
		return nil, err
	}

	return g.gather(plan, batch, outputs)
}

// InvokeShards executes one logical method call over a batch that is already sharded for the
// source layout: the shards are resharded to the group's own layout, shard i is delivered to
// data-parallel replica i, and the replica outputs are returned still sharded in the group's
// layout. Chains of groups with differing data-parallel degrees exchange data through this
// path without gathering to a single batch between hops.
func (g *Group) InvokeShards(ctx context.Context, method string, shards []*data.Batch,
	source types.ParallelismLayout, opts ...InvokeOption) ([]*data.Batch, error) {

	if g.isClosed() {
		return nil, ErrGroupClosed
	}

	resharded, err := data.Reshard(shards, source, g.layout)
	if err != nil {
		return nil, err
	}

	options := buildInvokeOptions(opts)

	replicas := make([]int, g.layout.DataParallel)
	for i := range replicas {
		replicas[i] = i
	}

	plan := &DispatchPlan{
		Method:   method,
		Replicas: replicas,
		Shards:   resharded,
	}

	outputs, err := g.execute(ctx, plan, options)
	if err != nil {
		return nil, err
	}

	out := make([]*data.Batch, len(replicas))
	for _, dataRank := range replicas {
		output, ok := outputs[dataRank]
		if !ok {
			return nil, NewExecutionError(g.role, method,
				g.reportingWorker(dataRank).Coordinates(),
				fmt.Errorf("replica %d produced no output", dataRank))
		}
		if output.Len() != resharded[dataRank].Len() {
			return nil, data.NewMismatchError("gather",
				fmt.Sprintf("replica %d output size does not match its shard", dataRank),
				resharded[dataRank].Len(), output.Len())
		}
		out[dataRank] = output
	}

	return out, nil
}

// CommitUpdates broadcasts MethodCommitUpdate to every replica so each engine applies the
// gradient steps it staged since the last commit. Callers broadcast it only after every
// staging invocation of the step succeeded on every group involved.
func (g *Group) CommitUpdates(ctx context.Context, opts ...InvokeOption) error {
	_, err := g.Invoke(ctx, MethodCommitUpdate, data.NewBatch(), opts...)
	return err
}

// DiscardUpdates broadcasts MethodDiscardUpdate so every engine drops its staged gradient
// steps without applying them, reverting the group to its pre-step weights.
func (g *Group) DiscardUpdates(ctx context.Context, opts ...InvokeOption) error {
	_, err := g.Invoke(ctx, MethodDiscardUpdate, data.NewBatch(), opts...)
	return err
}

// execute runs the plan's three dispatch phases and returns each targeted replica's output,
// keyed by data rank.
func (g *Group) execute(ctx context.Context, plan *DispatchPlan, options *InvokeOptions) (map[int]*data.Batch, error) {
	invokeCtx, cancel := context.WithTimeout(ctx, options.Timeout)
	defer cancel()

	workersPerReplica := g.layout.ModelParallel * g.layout.PipelineParallel
	totalWorkers := len(plan.Replicas) * workersPerReplica

	delivered := make(chan *Worker, totalWorkers)
	release := make(chan struct{})
	results := make(chan *invocationResult, totalWorkers)

	// Phase 1: deliver each replica's sub-batch to all of the replica's workers.
	submitted := 0
	for shardIndex, dataRank := range plan.Replicas {
		for _, w := range g.replicaWorkers(dataRank) {
			inv := &invocation{
				ctx:       invokeCtx,
				kind:      kindInvoke,
				step:      options.Step,
				method:    plan.Method,
				batch:     plan.Shards[shardIndex],
				opts:      options.Args,
				delivered: delivered,
				release:   release,
				results:   results,
			}
			if err := w.submit(inv); err != nil {
				cancel()
				g.drainResults(results, submitted)
				return nil, NewExecutionError(g.role, plan.Method, w.Coordinates(), err)
			}
			submitted++
		}
	}

	// Phase 2: wait until every targeted worker holds its sub-batch, then release them all.
	acked := 0
	for acked < totalWorkers {
		select {
		case <-delivered:
			acked++
		case result := <-results:
			// A worker bailed out (cancellation) before acknowledging.
			cancel()
			g.drainResults(results, submitted-1)
			return nil, NewExecutionError(g.role, plan.Method, result.worker.Coordinates(), result.err)
		case <-invokeCtx.Done():
			g.drainResults(results, submitted)
			return nil, invokeCtx.Err()
		}
	}
	close(release)

	// Phase 3: collect every worker's result; surface the first failure with its identity.
	var execErr *ExecutionError
	outputs := make(map[int]*data.Batch, len(plan.Replicas))

	for collected := 0; collected < totalWorkers; collected++ {
		select {
		case result := <-results:
			if result.err != nil {
				if execErr == nil {
					execErr = NewExecutionError(g.role, plan.Method, result.worker.Coordinates(), result.err)
				} else {
					g.log.Warn("Additional failure during \"%s\" on role \"%s\" from worker %s: %v",
						plan.Method, g.role, result.worker.Coordinates(), result.err)
				}
				continue
			}

			coordinates := result.worker.Coordinates()
			if coordinates.ModelRank == 0 && coordinates.PipelineRank == g.layout.PipelineParallel-1 {
				outputs[coordinates.DataRank] = result.batch
			}
		case <-invokeCtx.Done():
			return nil, invokeCtx.Err()
		}
	}

	if execErr != nil {
		return nil, execErr
	}

	return outputs, nil
}

// gather reassembles replica outputs into the submitted sample order via the plan's gather
// indices, validating that no replica duplicated or dropped samples.
func (g *Group) gather(plan *DispatchPlan, batch *data.Batch, outputs map[int]*data.Batch) (*data.Batch, error) {
	gathered := make([]*data.Sample, batch.Len())

	for shardIndex, dataRank := range plan.Replicas {
		output, ok := outputs[dataRank]
		if !ok {
			return nil, NewExecutionError(g.role, plan.Method,
				g.reportingWorker(dataRank).Coordinates(),
				fmt.Errorf("replica %d produced no output", dataRank))
		}

		indices := plan.GatherIndices[shardIndex]
		if output.Len() != len(indices) {
			return nil, data.NewMismatchError("gather",
				fmt.Sprintf("replica %d output size does not match its shard", dataRank),
				len(indices), output.Len())
		}

		for position, globalIndex := range indices {
			gathered[globalIndex] = output.At(position)
		}
	}

	result := data.NewBatch(gathered...)
	result.Meta = batch.Meta
	return result, nil
}

// drainResults consumes up to pending outstanding results without blocking forever, so that
// aborted invocations do not leak workers stuck on an unbuffered results channel. The
// channels used here are buffered to the invocation's worker count, so best-effort draining
// is sufficient.
func (g *Group) drainResults(results <-chan *invocationResult, pending int) {
	for i := 0; i < pending; i++ {
		select {
		case <-results:
		default:
			return
		}
	}
}
