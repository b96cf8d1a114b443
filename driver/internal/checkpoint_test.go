package internal_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/OpenBMB/RLPR/common/storage"
	"github.com/OpenBMB/RLPR/driver/internal"
)

var _ = Describe("Checkpointing", func() {
	var (
		ctx          context.Context
		provider     *storage.LocalProvider
		checkpointer *internal.Checkpointer
	)

	BeforeEach(func() {
		ctx = context.Background()

		provider = storage.NewLocalProvider(GinkgoT().TempDir(), nil)
		Expect(provider.Connect()).To(BeNil())
		Expect(provider.ConnectionStatus()).To(Equal(storage.Connected))

		checkpointer = internal.NewCheckpointer(provider, 2)
	})

	AfterEach(func() {
		Expect(provider.Close()).To(BeNil())
	})

	It("Will persist and restore a checkpoint", func() {
		checkpoint := &internal.Checkpoint{
			DriverID:       "driver-1",
			Step:           2,
			PolicyVersion:  2,
			RolloutVersion: 2,
			CompletedAt:    time.Now().UTC(),
		}

		Expect(checkpointer.Save(ctx, checkpoint)).To(BeNil())

		restored, err := checkpointer.Load(ctx, 2)
		Expect(err).To(BeNil())
		Expect(restored.DriverID).To(Equal("driver-1"))
		Expect(restored.Step).To(Equal(uint64(2)))
		Expect(restored.PolicyVersion).To(Equal(uint64(2)))
	})

	It("Will only checkpoint on configured interval boundaries", func() {
		Expect(checkpointer.ShouldCheckpoint(1)).To(BeFalse())
		Expect(checkpointer.ShouldCheckpoint(2)).To(BeTrue())
		Expect(checkpointer.ShouldCheckpoint(3)).To(BeFalse())
		Expect(checkpointer.ShouldCheckpoint(4)).To(BeTrue())
	})

	It("Will never checkpoint when disabled", func() {
		var disabled *internal.Checkpointer
		Expect(disabled.ShouldCheckpoint(2)).To(BeFalse())

		zeroInterval := internal.NewCheckpointer(provider, 0)
		Expect(zeroInterval.ShouldCheckpoint(2)).To(BeFalse())
	})

	It("Will fail to load a checkpoint that was never written", func() {
		_, err := checkpointer.Load(ctx, 99)
		Expect(err).ToNot(BeNil())
	})
})
