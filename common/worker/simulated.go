package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/OpenBMB/RLPR/common/data"
)

// SimulatedEngine is an in-tree Engine that fabricates deterministic outputs instead of
// running a real model. It backs the driver's simulation mode and the test suites: outputs
// depend only on the input sample, so order preservation and reshard round-trips are
// directly checkable, and the stage/commit update protocol advances a weight version
// without any numerics.
type SimulatedEngine struct {
	mu sync.Mutex

	info    WorkerInfo
	version uint64

	// ComputeDelay, when non-zero, is slept per Invoke to simulate compute latency.
	ComputeDelay time.Duration

	// ResponseLength is the number of tokens fabricated per sample by MethodGenerate.
	ResponseLength int

	numUpdates    uint64
	stagedUpdates uint64
}

// NewSimulatedEngine returns a SimulatedEngine with the given fabricated response length.
func NewSimulatedEngine(responseLength int, computeDelay time.Duration) *SimulatedEngine {
	return &SimulatedEngine{
		ResponseLength: responseLength,
		ComputeDelay:   computeDelay,
	}
}

// SimulatedEngineFactory returns an EngineFactory producing SimulatedEngines.
func SimulatedEngineFactory(responseLength int, computeDelay time.Duration) EngineFactory {
	return func(info WorkerInfo) Engine {
		return NewSimulatedEngine(responseLength, computeDelay)
	}
}

func (e *SimulatedEngine) Initialize(_ context.Context, info WorkerInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.info = info
	if e.ResponseLength <= 0 {
		e.ResponseLength = 8
	}
	return nil
}

func (e *SimulatedEngine) Invoke(ctx context.Context, method string, batch *data.Batch, _ map[string]interface{}) (*data.Batch, error) {
	if e.ComputeDelay > 0 {
		select {
		case <-time.After(e.ComputeDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := batch.Clone()

	switch method {
	case MethodGenerate:
		for _, sample := range out.Samples() {
			sample.ResponseTokens = make([]int32, e.ResponseLength)
			sample.LogProbs = make([]float32, e.ResponseLength)
			sample.ResponseMask = make([]int32, e.ResponseLength)
			for i := range sample.ResponseTokens {
				// Token values derive from the prompt so that outputs are a pure
				// function of the input sample.
				var seed int32
				if len(sample.PromptTokens) > 0 {
					seed = sample.PromptTokens[0]
				}
				sample.ResponseTokens[i] = seed + int32(i)
				sample.LogProbs[i] = -0.5
				sample.ResponseMask[i] = 1
			}
		}
	case MethodComputeLogProbs:
		for _, sample := range out.Samples() {
			sample.RefLogProbs = make([]float32, len(sample.ResponseTokens))
			for i := range sample.RefLogProbs {
				sample.RefLogProbs[i] = -0.6
			}
		}
	case MethodComputeValues:
		for _, sample := range out.Samples() {
			sample.Values = make([]float32, len(sample.ResponseTokens))
			for i := range sample.Values {
				sample.Values[i] = 0.1
			}
		}
	case MethodComputeRewards:
		for _, sample := range out.Samples() {
			sample.Reward = float64(len(sample.ResponseTokens)) * 0.125
		}
	case MethodUpdatePolicy, MethodUpdateCritic:
		e.mu.Lock()
		e.stagedUpdates++
		e.mu.Unlock()
	case MethodCommitUpdate:
		e.mu.Lock()
		e.numUpdates += e.stagedUpdates
		e.version += e.stagedUpdates
		e.stagedUpdates = 0
		e.mu.Unlock()
	case MethodDiscardUpdate:
		e.mu.Lock()
		e.stagedUpdates = 0
		e.mu.Unlock()
	default:
		return nil, fmt.Errorf("simulated engine does not implement method \"%s\"", method)
	}

	return out, nil
}

func (e *SimulatedEngine) ExportWeights(_ context.Context) (*data.WeightSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	weights := data.NewWeightSet(e.version)
	weights.Parameters[fmt.Sprintf("shard-%s", e.info.Coordinates)] = []byte{byte(e.version)}
	return weights, nil
}

func (e *SimulatedEngine) ImportWeights(_ context.Context, weights *data.WeightSet) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if weights.Version > e.version {
		e.version = weights.Version
	}
	return nil
}

// NumUpdates returns how many staged updates the engine has committed. Used by tests
// asserting step atomicity.
func (e *SimulatedEngine) NumUpdates() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.numUpdates
}

// StagedUpdates returns how many updates are staged but not yet committed.
func (e *SimulatedEngine) StagedUpdates() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stagedUpdates
}

// Version returns the engine's current weight version.
func (e *SimulatedEngine) Version() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

func (e *SimulatedEngine) Close() error {
	return nil
}
