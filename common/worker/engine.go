package worker

import (
	"context"
	"fmt"

	"github.com/OpenBMB/RLPR/common/cluster"
	"github.com/OpenBMB/RLPR/common/data"
	"github.com/OpenBMB/RLPR/common/types"
)

const (
	// MethodGenerate asks a rollout engine for generated tokens and their log-probabilities.
	MethodGenerate = "generate"

	// MethodComputeLogProbs asks a reference (or actor) engine for per-token
	// log-probabilities of the batch's response tokens.
	MethodComputeLogProbs = "compute_log_probs"

	// MethodComputeValues asks a critic engine for per-token value estimates.
	MethodComputeValues = "compute_values"

	// MethodComputeRewards asks a reward-model engine for per-sample scalar rewards.
	MethodComputeRewards = "compute_rewards"

	// MethodUpdatePolicy asks an actor engine to compute and stage one gradient step over
	// the batch. Staged steps do not touch the engine's weights until MethodCommitUpdate.
	MethodUpdatePolicy = "update_policy"

	// MethodUpdateCritic asks a critic engine to compute and stage one gradient step over
	// the batch. Staged steps do not touch the engine's weights until MethodCommitUpdate.
	MethodUpdateCritic = "update_critic"

	// MethodCommitUpdate asks an engine to apply every update it has staged since the last
	// commit. The controller broadcasts it only once every update invocation of the step has
	// succeeded on every group, so a mid-step failure never leaves weights partially updated.
	MethodCommitUpdate = "commit_update"

	// MethodDiscardUpdate asks an engine to drop its staged updates without applying them.
	MethodDiscardUpdate = "discard_update"
)

const (
	// OptMicroBatchSize carries the per-worker micro-batch size for forward/update methods.
	// Engines that support gradient accumulation iterate their sub-batch in chunks of this
	// size; engines that do not simply ignore it.
	OptMicroBatchSize = "micro_batch_size"

	// OptTemperature carries the sampling temperature for MethodGenerate.
	OptTemperature = "temperature"
)

// Coordinates identify a worker's position inside its group's parallelism layout.
type Coordinates struct {
	// DataRank is the index of the worker's data-parallel replica.
	DataRank int `json:"data_rank"`

	// ModelRank is the worker's model-parallel rank within its replica.
	ModelRank int `json:"model_rank"`

	// PipelineRank is the worker's pipeline stage within its replica.
	PipelineRank int `json:"pipeline_rank"`
}

func (c Coordinates) String() string {
	return fmt.Sprintf("(d=%d,m=%d,p=%d)", c.DataRank, c.ModelRank, c.PipelineRank)
}

// WorkerInfo is everything a worker process knows about itself at startup.
type WorkerInfo struct {
	// WorkerID uniquely identifies the worker process.
	WorkerID string

	// Role is the role of the group the worker belongs to.
	Role types.Role

	// Layout is the owning group's parallelism layout.
	Layout types.ParallelismLayout

	// Coordinates are the worker's position within Layout.
	Coordinates Coordinates

	// Unit is the accelerator slot the worker is bound to.
	Unit *cluster.Unit
}

func (info WorkerInfo) String() string {
	return fmt.Sprintf("Worker[Role=%s,Coordinates=%s,Unit=%s]", info.Role, info.Coordinates, info.Unit)
}

// Engine is the externally-supplied model/optimizer implementation hosted by one worker.
// The core treats its internals as a black box: it produces and mutates the worker's model
// shard, and the dispatch layer only ever asks it to act on its own shard.
//
// Engines hosting a pipeline- or model-parallel shard coordinate with their replica peers
// internally (all peers receive Invoke for the same sub-batch; the dispatch layer guarantees
// every peer has received its request before any engine is released to compute).
type Engine interface {
	// Initialize prepares the worker's model shard. It is called exactly once, before any
	// Invoke, under the group's bounded startup timeout.
	Initialize(ctx context.Context, info WorkerInfo) error

	// Invoke runs the named method over the worker's sub-batch and returns the resulting
	// batch. Engines must preserve sample order: sample i of the returned batch corresponds
	// to sample i of the input.
	Invoke(ctx context.Context, method string, batch *data.Batch, opts map[string]interface{}) (*data.Batch, error)

	// ExportWeights returns the worker's shard of the current model parameters.
	ExportWeights(ctx context.Context) (*data.WeightSet, error)

	// ImportWeights replaces the worker's shard of the model parameters. Rollout engines
	// implement this as their weight-refresh entry point.
	ImportWeights(ctx context.Context, weights *data.WeightSet) error

	// Close releases the engine's resources. No Invoke is issued after Close.
	Close() error
}
