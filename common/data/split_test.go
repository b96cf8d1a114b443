package data_test

import (
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/OpenBMB/RLPR/common/data"
)

func makeBatch(numSamples int) *data.Batch {
	batch := data.NewBatch()
	for i := 0; i < numSamples; i++ {
		batch.Append(data.NewSample([]int32{int32(i)}))
	}
	return batch
}

var _ = Describe("Batch Splitting", func() {
	It("Will split a batch evenly when the shard count divides the sample count", func() {
		batch := makeBatch(8)

		shards, err := data.Split(batch, 4, data.ContiguousSplit)
		Expect(err).To(BeNil())
		Expect(shards).To(HaveLen(4))

		for _, shard := range shards {
			Expect(shard.Len()).To(Equal(2))
		}

		Expect(shards[0].At(0).PromptTokens[0]).To(Equal(int32(0)))
		Expect(shards[3].At(1).PromptTokens[0]).To(Equal(int32(7)))
	})

	It("Will give the remainder samples to the lowest-ranked shards on uneven splits", func() {
		batch := makeBatch(10)

		shards, err := data.Split(batch, 4, data.ContiguousSplit)
		Expect(err).To(BeNil())
		Expect(shards).To(HaveLen(4))

		Expect(shards[0].Len()).To(Equal(3))
		Expect(shards[1].Len()).To(Equal(3))
		Expect(shards[2].Len()).To(Equal(2))
		Expect(shards[3].Len()).To(Equal(2))
	})

	It("Will produce empty shards when there are fewer samples than shards", func() {
		batch := makeBatch(2)

		shards, err := data.Split(batch, 4, data.ContiguousSplit)
		Expect(err).To(BeNil())
		Expect(shards).To(HaveLen(4))

		Expect(shards[0].Len()).To(Equal(1))
		Expect(shards[1].Len()).To(Equal(1))
		Expect(shards[2].Len()).To(Equal(0))
		Expect(shards[3].Len()).To(Equal(0))
	})

	It("Will interleave samples round-robin under the interleaved policy", func() {
		batch := makeBatch(6)

		shards, err := data.Split(batch, 2, data.InterleavedSplit)
		Expect(err).To(BeNil())

		Expect(shards[0].SampleIDs()).To(Equal([]string{
			batch.At(0).ID, batch.At(2).ID, batch.At(4).ID,
		}))
		Expect(shards[1].SampleIDs()).To(Equal([]string{
			batch.At(1).ID, batch.At(3).ID, batch.At(5).ID,
		}))
	})

	It("Will reject a non-positive shard count", func() {
		batch := makeBatch(4)

		_, err := data.Split(batch, 0, data.ContiguousSplit)
		Expect(err).To(MatchError(data.ErrInvalidShardCount))
	})

	It("Will merge contiguous shards back into the original sample order", func() {
		batch := makeBatch(10)

		shards, err := data.Split(batch, 3, data.ContiguousSplit)
		Expect(err).To(BeNil())

		merged := data.Merge(shards)
		Expect(merged.Len()).To(Equal(batch.Len()))
		Expect(merged.SampleIDs()).To(Equal(batch.SampleIDs()))
	})

	It("Will preserve every sample exactly once across shards", func() {
		batch := makeBatch(13)

		for _, policy := range []data.SplitPolicy{data.ContiguousSplit, data.InterleavedSplit} {
			shards, err := data.Split(batch, 5, policy)
			Expect(err).To(BeNil(), fmt.Sprintf("policy %v", policy))

			seen := make(map[string]int)
			total := 0
			for _, shard := range shards {
				for _, id := range shard.SampleIDs() {
					seen[id]++
					total++
				}
			}

			Expect(total).To(Equal(batch.Len()))
			for _, count := range seen {
				Expect(count).To(Equal(1))
			}
		}
	})
})
