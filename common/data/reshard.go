package data

import (
	"github.com/OpenBMB/RLPR/common/types"
)

// Reshard re-partitions a batch from the source layout's data-parallel sharding into the
// destination layout's, preserving global sample order. The input is the batch as held by the
// source group: one shard batch per source data-parallel replica, in shard-rank order.
//
// When the destination degree is larger this is a split (each source shard's samples are
// further divided, in index order, across the finer destination shards); when smaller, a
// merge (source shards concatenated in shard-rank order, then source-internal order, into
// fewer destination shards). Both directions are pure index regroupings: no sample is
// duplicated or dropped, so resharding back to the source layout restores the input
// sample-for-sample.
//
// When the two degrees are equal, Reshard returns its input unchanged (identity, no data
// movement).
//
// A *MismatchError is returned when the shard count does not match the declared source
// layout. Model- and pipeline-parallel degrees do not affect the sample partitioning; they
// are carried in the layouts only so that callers can pass group layouts verbatim.
func Reshard(shards []*Batch, source types.ParallelismLayout, dest types.ParallelismLayout) ([]*Batch, error) {
	if err := source.Validate(); err != nil {
		return nil, err
	}
	if err := dest.Validate(); err != nil {
		return nil, err
	}

	if len(shards) != source.DataParallel {
		return nil, NewMismatchError("reshard", "shard count does not match source layout",
			source.DataParallel, len(shards))
	}

	for rank, shard := range shards {
		if shard == nil {
			return nil, NewMismatchError("reshard", "nil source shard", rank, -1)
		}
	}

	// Identity fast path: no data movement when the data-parallel degrees match.
	if source.DataParallel == dest.DataParallel {
		return shards, nil
	}

	merged := Merge(shards)

	out, err := Split(merged, dest.DataParallel, ContiguousSplit)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, shard := range out {
		total += shard.Len()
	}
	if total != merged.Len() {
		return nil, NewMismatchError("reshard", "output sample count does not match input",
			merged.Len(), total)
	}

	return out, nil
}

// ReshardBatch is a convenience wrapper for callers that hold the batch unsharded: it splits
// the batch per the source layout, reshards to the destination layout, and returns the
// destination shards.
func ReshardBatch(b *Batch, source types.ParallelismLayout, dest types.ParallelismLayout) ([]*Batch, error) {
	if b == nil {
		return nil, ErrNilBatch
	}

	shards, err := Split(b, source.DataParallel, ContiguousSplit)
	if err != nil {
		return nil, err
	}

	return Reshard(shards, source, dest)
}
