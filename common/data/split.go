package data

const (
	// ContiguousSplit assigns each shard a contiguous run of sample indices, in index order.
	// When the batch does not divide evenly, the remainder goes to the lowest-ranked shards,
	// so shard sizes differ by at most one.
	ContiguousSplit SplitPolicy = "contiguous"

	// InterleavedSplit assigns sample i to shard i % numShards. Useful when per-sample cost
	// is correlated with batch position (e.g., length-sorted prompt batches) and contiguous
	// shards would be imbalanced.
	InterleavedSplit SplitPolicy = "interleaved"
)

// SplitPolicy selects how a batch's sample indices are assigned to data-parallel shards.
type SplitPolicy string

// ShardIndices computes, for each of numShards shards, the global sample indices assigned to
// it under the given policy. The returned index sets partition [0, numSamples): every index
// appears in exactly one shard, so a gather over these indices restores the original order
// without duplication or loss.
func ShardIndices(numSamples int, numShards int, policy SplitPolicy) ([][]int, error) {
	if numShards < 1 {
		return nil, ErrInvalidShardCount
	}

	indices := make([][]int, numShards)

	if policy == InterleavedSplit {
		for i := 0; i < numSamples; i++ {
			shard := i % numShards
			indices[shard] = append(indices[shard], i)
		}
		return indices, nil
	}

	// Contiguous: base samples per shard, remainder to the lowest-ranked shards.
	base := numSamples / numShards
	remainder := numSamples % numShards

	next := 0
	for shard := 0; shard < numShards; shard++ {
		size := base
		if shard < remainder {
			size++
		}

		shardIndices := make([]int, 0, size)
		for i := 0; i < size; i++ {
			shardIndices = append(shardIndices, next)
			next++
		}
		indices[shard] = shardIndices
	}

	return indices, nil
}

// Split partitions the batch into numShards shard batches under the given policy. Samples are
// shared with the input batch, not copied; within each shard, samples keep their relative
// input order.
func Split(b *Batch, numShards int, policy SplitPolicy) ([]*Batch, error) {
	if b == nil {
		return nil, ErrNilBatch
	}

	indices, err := ShardIndices(b.Len(), numShards, policy)
	if err != nil {
		return nil, err
	}

	shards := make([]*Batch, 0, numShards)
	for _, shardIndices := range indices {
		shards = append(shards, b.Select(shardIndices))
	}

	return shards, nil
}

// Merge concatenates shard batches in shard-rank order, then source-internal order. Merge is
// the exact inverse of a ContiguousSplit.
func Merge(shards []*Batch) *Batch {
	return Concat(shards...)
}
