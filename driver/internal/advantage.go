package internal

import (
	"math"

	"github.com/pkg/errors"

	"github.com/OpenBMB/RLPR/common/data"
)

const (
	GaeEstimatorName  = "gae"
	GrpoEstimatorName = "grpo"

	advantageEpsilon = 1e-8
)

// AdvantageEstimator computes per-sample advantages and returns from scored trajectories.
// Estimation runs locally on the controller; it never involves a worker group.
type AdvantageEstimator interface {
	Name() string

	// EstimateAdvantages fills in the Advantage and Return fields of every sample in the
	// batch, reading the Reward and (for value-based estimators) Values fields.
	EstimateAdvantages(batch *data.Batch) error
}

// EstimatorForName resolves the configured advantage estimator.
func EstimatorForName(name string, gamma float64, lambda float64) (AdvantageEstimator, error) {
	switch name {
	case GaeEstimatorName:
		return &GaeEstimator{Gamma: gamma, Lambda: lambda}, nil
	case GrpoEstimatorName:
		return &GrpoEstimator{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownEstimator, "\"%s\"", name)
	}
}

// GaeEstimator implements generalized advantage estimation over single-turn trajectories.
// Each sample is a one-step episode whose terminal reward is the shaped scalar reward, so
// the advantage reduces to the reward minus the critic's value baseline.
type GaeEstimator struct {
	Gamma  float64
	Lambda float64
}

func (e *GaeEstimator) Name() string {
	return GaeEstimatorName
}

func (e *GaeEstimator) EstimateAdvantages(batch *data.Batch) error {
	if batch == nil {
		return data.ErrNilBatch
	}

	for _, sample := range batch.Samples() {
		baseline := meanFloat32(sample.Values)
		sample.Return = sample.Reward
		sample.Advantage = sample.Reward - baseline
	}

	return nil
}

// GrpoEstimator implements group-relative advantage estimation: advantages are the rewards
// normalized by the batch mean and standard deviation, with no critic involved.
type GrpoEstimator struct{}

func (e *GrpoEstimator) Name() string {
	return GrpoEstimatorName
}

func (e *GrpoEstimator) EstimateAdvantages(batch *data.Batch) error {
	if batch == nil {
		return data.ErrNilBatch
	}
	if batch.Len() == 0 {
		return nil
	}

	var sum float64
	for _, sample := range batch.Samples() {
		sum += sample.Reward
	}
	mean := sum / float64(batch.Len())

	var variance float64
	for _, sample := range batch.Samples() {
		deviation := sample.Reward - mean
		variance += deviation * deviation
	}
	stddev := math.Sqrt(variance / float64(batch.Len()))

	for _, sample := range batch.Samples() {
		sample.Return = sample.Reward
		sample.Advantage = (sample.Reward - mean) / (stddev + advantageEpsilon)
	}

	return nil
}

// applyKlPenalty shapes each sample's reward with a KL penalty against the reference policy.
// Samples without reference log-probabilities are left untouched.
func applyKlPenalty(batch *data.Batch, coefficient float64) {
	if coefficient == 0 {
		return
	}

	for _, sample := range batch.Samples() {
		if len(sample.RefLogProbs) == 0 || len(sample.LogProbs) != len(sample.RefLogProbs) {
			continue
		}

		var kl float64
		for i := range sample.LogProbs {
			kl += float64(sample.LogProbs[i] - sample.RefLogProbs[i])
		}

		sample.Reward -= coefficient * kl
	}
}

func meanFloat32(values []float32) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += float64(v)
	}

	return sum / float64(len(values))
}
