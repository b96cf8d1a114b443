package data

import "fmt"

// WeightSet is an opaque named-parameter payload transferred from the actor group into the
// rollout engine during weight synchronization. The controller never inspects the tensors;
// it only tracks the version so that policy staleness stays bounded.
type WeightSet struct {
	// Version is the training step whose update produced these weights.
	Version uint64 `json:"version"`

	// Parameters maps parameter names to serialized tensor payloads. The encoding is a
	// contract between the actor engine and the rollout engine.
	Parameters map[string][]byte `json:"parameters"`
}

// NewWeightSet constructs an empty WeightSet at the given version.
func NewWeightSet(version uint64) *WeightSet {
	return &WeightSet{
		Version:    version,
		Parameters: make(map[string][]byte),
	}
}

// Merge copies the other WeightSet's parameters into w. Used when model-parallel workers each
// export a disjoint shard of the full parameter set.
func (w *WeightSet) Merge(other *WeightSet) {
	if other == nil {
		return
	}
	for name, payload := range other.Parameters {
		w.Parameters[name] = payload
	}
}

func (w *WeightSet) String() string {
	return fmt.Sprintf("WeightSet[Version=%d,NumParameters=%d]", w.Version, len(w.Parameters))
}
