package metrics

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Prometheus Manager Lifecycle", func() {
	var manager *basePrometheusManager

	BeforeEach(func() {
		// A non-positive port keeps the manager from binding an HTTP listener.
		manager = newBasePrometheusManager(-1, "driver-test")
	})

	It("Will not report itself as running when metric registration fails", func() {
		registrationError := errors.New("duplicate metrics collector registration attempted")
		manager.initializeInstanceMetrics = func() error {
			return registrationError
		}

		Expect(manager.Start()).To(MatchError(registrationError))
		Expect(manager.IsRunning()).To(BeFalse())

		// A failed start must not wedge the manager. Once registration succeeds, the
		// manager starts normally.
		manager.initializeInstanceMetrics = func() error {
			return nil
		}

		Expect(manager.Start()).To(Succeed())
		Expect(manager.IsRunning()).To(BeTrue())
	})

	It("Will reject starting twice", func() {
		manager.initializeInstanceMetrics = func() error {
			return nil
		}

		Expect(manager.Start()).To(Succeed())
		Expect(manager.Start()).To(MatchError(ErrPrometheusManagerAlreadyRunning))
	})

	It("Will reject stopping before it has been started", func() {
		Expect(manager.Stop()).To(MatchError(ErrPrometheusManagerNotRunning))
	})
})
