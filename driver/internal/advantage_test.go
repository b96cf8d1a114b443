package internal_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/OpenBMB/RLPR/common/data"
	"github.com/OpenBMB/RLPR/driver/internal"
)

var _ = Describe("Advantage Estimation", func() {
	It("Will resolve estimators by name and reject unknown names", func() {
		gae, err := internal.EstimatorForName(internal.GaeEstimatorName, 1.0, 0.95)
		Expect(err).To(BeNil())
		Expect(gae.Name()).To(Equal(internal.GaeEstimatorName))

		grpo, err := internal.EstimatorForName(internal.GrpoEstimatorName, 1.0, 0.95)
		Expect(err).To(BeNil())
		Expect(grpo.Name()).To(Equal(internal.GrpoEstimatorName))

		_, err = internal.EstimatorForName("vtrace", 1.0, 0.95)
		Expect(err).To(MatchError(internal.ErrUnknownEstimator))
	})

	It("Will baseline rewards against the critic's values under GAE", func() {
		estimator := &internal.GaeEstimator{Gamma: 1.0, Lambda: 0.95}

		sample := data.NewSample([]int32{1})
		sample.Reward = 2.0
		sample.Values = []float32{0.5, 1.5}

		batch := data.NewBatch(sample)
		Expect(estimator.EstimateAdvantages(batch)).To(BeNil())

		Expect(sample.Return).To(Equal(2.0))
		Expect(sample.Advantage).To(BeNumerically("~", 1.0, 1e-9))
	})

	It("Will normalize rewards within the batch under GRPO", func() {
		estimator := &internal.GrpoEstimator{}

		batch := data.NewBatch()
		rewards := []float64{1.0, 2.0, 3.0, 4.0}
		for i, reward := range rewards {
			sample := data.NewSample([]int32{int32(i)})
			sample.Reward = reward
			batch.Append(sample)
		}

		Expect(estimator.EstimateAdvantages(batch)).To(BeNil())

		var sum float64
		for _, sample := range batch.Samples() {
			sum += sample.Advantage
			Expect(sample.Return).To(Equal(sample.Reward))
		}
		Expect(sum).To(BeNumerically("~", 0.0, 1e-6))

		// Equal spacing in rewards means symmetric advantages.
		Expect(batch.At(0).Advantage).To(BeNumerically("~", -batch.At(3).Advantage, 1e-6))
	})

	It("Will reject a nil batch", func() {
		estimator := &internal.GrpoEstimator{}
		Expect(estimator.EstimateAdvantages(nil)).To(MatchError(data.ErrNilBatch))
	})
})
