package data_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/OpenBMB/RLPR/common/data"
	"github.com/OpenBMB/RLPR/common/types"
)

var _ = Describe("Resharding", func() {
	var (
		sourceLayout types.ParallelismLayout
		destLayout   types.ParallelismLayout
	)

	BeforeEach(func() {
		sourceLayout = types.NewParallelismLayout(2, 2, 1)
		destLayout = types.NewParallelismLayout(4, 1, 1)
	})

	It("Will regroup shards from two replicas into four without loss or duplication", func() {
		batch := makeBatch(8)
		sourceShards, err := data.Split(batch, sourceLayout.DataParallel, data.ContiguousSplit)
		Expect(err).To(BeNil())

		destShards, err := data.Reshard(sourceShards, sourceLayout, destLayout)
		Expect(err).To(BeNil())
		Expect(destShards).To(HaveLen(4))

		for _, shard := range destShards {
			Expect(shard.Len()).To(Equal(2))
		}

		merged := data.Merge(destShards)
		Expect(merged.SampleIDs()).To(Equal(batch.SampleIDs()))
	})

	It("Will restore the original shards after a round trip", func() {
		batch := makeBatch(10)
		sourceShards, err := data.Split(batch, sourceLayout.DataParallel, data.ContiguousSplit)
		Expect(err).To(BeNil())

		destShards, err := data.Reshard(sourceShards, sourceLayout, destLayout)
		Expect(err).To(BeNil())

		roundTripped, err := data.Reshard(destShards, destLayout, sourceLayout)
		Expect(err).To(BeNil())
		Expect(roundTripped).To(HaveLen(len(sourceShards)))

		for i := range sourceShards {
			Expect(roundTripped[i].SampleIDs()).To(Equal(sourceShards[i].SampleIDs()))
		}
	})

	It("Will return the input shards unchanged when the data-parallel degrees match", func() {
		sameDegree := types.NewParallelismLayout(2, 4, 1)

		batch := makeBatch(6)
		sourceShards, err := data.Split(batch, 2, data.ContiguousSplit)
		Expect(err).To(BeNil())

		destShards, err := data.Reshard(sourceShards, sourceLayout, sameDegree)
		Expect(err).To(BeNil())

		for i := range sourceShards {
			Expect(destShards[i]).To(BeIdenticalTo(sourceShards[i]))
		}
	})

	It("Will reject a shard count that does not match the source layout", func() {
		batch := makeBatch(6)
		shards, err := data.Split(batch, 3, data.ContiguousSplit)
		Expect(err).To(BeNil())

		_, err = data.Reshard(shards, sourceLayout, destLayout)

		var mismatchError *data.MismatchError
		Expect(errors.As(err, &mismatchError)).To(BeTrue())
		Expect(mismatchError.Expected).To(Equal(sourceLayout.DataParallel))
		Expect(mismatchError.Actual).To(Equal(3))
	})

	It("Will reject nil shards", func() {
		batch := makeBatch(4)
		shards, err := data.Split(batch, 2, data.ContiguousSplit)
		Expect(err).To(BeNil())

		shards[1] = nil

		_, err = data.Reshard(shards, sourceLayout, destLayout)
		Expect(err).ToNot(BeNil())
	})

	It("Will reject invalid layouts", func() {
		batch := makeBatch(4)
		shards, err := data.Split(batch, 2, data.ContiguousSplit)
		Expect(err).To(BeNil())

		_, err = data.Reshard(shards, types.NewParallelismLayout(0, 1, 1), destLayout)
		Expect(err).To(MatchError(types.ErrInvalidLayout))
	})

	It("Will reshard a whole batch directly via ReshardBatch", func() {
		batch := makeBatch(9)

		shards, err := data.ReshardBatch(batch, types.NewParallelismLayout(1, 1, 1), destLayout)
		Expect(err).To(BeNil())
		Expect(shards).To(HaveLen(4))

		Expect(shards[0].Len()).To(Equal(3))
		Expect(shards[1].Len()).To(Equal(2))
		Expect(data.Merge(shards).SampleIDs()).To(Equal(batch.SampleIDs()))
	})
})
