package metrics

import (
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/prometheus/client_golang/prometheus"
)

// DriverPrometheusManager registers the training driver's metrics with Prometheus and serves
// them via HTTP. One instance exists per driver process.
type DriverPrometheusManager struct {
	*basePrometheusManager

	// TrainingStepsCompletedCounter counts training steps that reached the Synced state.
	TrainingStepsCompletedCounter prometheus.Counter

	// TrainingStepFailuresCounterVec counts step failures, labeled by the state in which
	// the failure surfaced.
	TrainingStepFailuresCounterVec *prometheus.CounterVec

	// TrainingStepLatencyHistogram observes the wall-clock duration of whole training steps
	// in milliseconds.
	TrainingStepLatencyHistogram prometheus.Histogram

	// SamplesProcessedCounter counts the samples carried through committed training steps.
	SamplesProcessedCounter prometheus.Counter

	// InvocationLatencyHistogramVec observes the latency of group invocations in
	// milliseconds, labeled by role and method.
	InvocationLatencyHistogramVec *prometheus.HistogramVec

	// FailedInvocationsCounterVec counts group invocations that returned an error, labeled
	// by role and method.
	FailedInvocationsCounterVec *prometheus.CounterVec

	// IdleAcceleratorUnitsGauge and CommittedAcceleratorUnitsGauge track cluster-wide unit
	// occupancy as pools are allocated and released.
	IdleAcceleratorUnitsGauge      prometheus.Gauge
	CommittedAcceleratorUnitsGauge prometheus.Gauge

	// ActiveWorkersGaugeVec tracks the number of live workers per role.
	ActiveWorkersGaugeVec *prometheus.GaugeVec

	// PolicyStalenessGauge is the number of steps the rollout policy currently lags the actor.
	PolicyStalenessGauge prometheus.Gauge

	// WeightSyncLatencyHistogram observes export-plus-import weight synchronization latency
	// in milliseconds.
	WeightSyncLatencyHistogram prometheus.Histogram
}

// NewDriverPrometheusManager creates a new DriverPrometheusManager struct and returns a
// pointer to it.
func NewDriverPrometheusManager(port int, driverId string) *DriverPrometheusManager {
	baseManager := newBasePrometheusManager(port, driverId)

	manager := &DriverPrometheusManager{
		basePrometheusManager: baseManager,
	}
	config.InitLogger(&manager.log, manager)
	baseManager.initializeInstanceMetrics = manager.initMetrics

	return manager
}

func (m *DriverPrometheusManager) initMetrics() error {
	m.TrainingStepsCompletedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rl_training",
		Name:      "steps_completed_total",
		Help:      "The number of training steps that have completed and synchronized successfully.",
	})

	m.TrainingStepFailuresCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rl_training",
		Name:      "step_failures_total",
		Help:      "The number of training step failures, labeled by the state in which the failure surfaced.",
	}, []string{"state"})

	m.TrainingStepLatencyHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rl_training",
		Name:      "step_latency_milliseconds",
		Help:      "The wall-clock duration of whole training steps.",
		Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10e3, 30e3, 60e3, 300e3, 600e3, 1800e3},
	})

	m.SamplesProcessedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rl_training",
		Name:      "samples_processed_total",
		Help:      "The number of samples carried through committed training steps.",
	})

	m.InvocationLatencyHistogramVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rl_training",
		Name:      "invocation_latency_milliseconds",
		Help:      "The latency of worker group invocations, from dispatch to gathered result.",
		Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10e3, 30e3, 60e3, 300e3, 600e3},
	}, []string{"role", "method"})

	m.FailedInvocationsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rl_training",
		Name:      "failed_invocations_total",
		Help:      "The number of worker group invocations that returned an error.",
	}, []string{"role", "method"})

	m.IdleAcceleratorUnitsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rl_training",
		Name:      "idle_accelerator_units",
		Help:      "The number of accelerator units not bound to any resource pool.",
	})

	m.CommittedAcceleratorUnitsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rl_training",
		Name:      "committed_accelerator_units",
		Help:      "The number of accelerator units bound to resource pools.",
	})

	m.ActiveWorkersGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rl_training",
		Name:      "active_workers",
		Help:      "The number of live workers per role.",
	}, []string{"role"})

	m.PolicyStalenessGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rl_training",
		Name:      "policy_staleness_steps",
		Help:      "The number of steps the rollout policy currently lags behind the actor.",
	})

	m.WeightSyncLatencyHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rl_training",
		Name:      "weight_sync_latency_milliseconds",
		Help:      "The latency of synchronizing updated actor weights into the rollout group.",
		Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10e3, 30e3, 60e3},
	})

	collectors := []prometheus.Collector{
		m.TrainingStepsCompletedCounter,
		m.TrainingStepFailuresCounterVec,
		m.TrainingStepLatencyHistogram,
		m.SamplesProcessedCounter,
		m.InvocationLatencyHistogramVec,
		m.FailedInvocationsCounterVec,
		m.IdleAcceleratorUnitsGauge,
		m.CommittedAcceleratorUnitsGauge,
		m.ActiveWorkersGaugeVec,
		m.PolicyStalenessGauge,
		m.WeightSyncLatencyHistogram,
	}

	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			m.log.Error("Failed to register metric because: %v", err)
			return err
		}
	}

	return nil
}

// StepCompleted records a successfully-synchronized training step, its duration, and the
// number of samples the step carried.
func (m *DriverPrometheusManager) StepCompleted(duration time.Duration, numSamples int) error {
	if !m.metricsInitialized {
		m.log.Warn("Cannot record \"StepCompleted\" observation as metrics have not yet been initialized...")
		return ErrMetricsNotInitialized
	}

	m.TrainingStepsCompletedCounter.Inc()
	m.TrainingStepLatencyHistogram.Observe(float64(duration.Milliseconds()))
	m.SamplesProcessedCounter.Add(float64(numSamples))

	return nil
}

// StepFailed records a training step failure in the given state.
func (m *DriverPrometheusManager) StepFailed(state string) error {
	if !m.metricsInitialized {
		m.log.Warn("Cannot record \"StepFailed\" observation as metrics have not yet been initialized...")
		return ErrMetricsNotInitialized
	}

	m.TrainingStepFailuresCounterVec.With(prometheus.Labels{"state": state}).Inc()

	return nil
}

// InvocationCompleted records the latency of a group invocation, and counts the failure if
// the invocation returned an error.
func (m *DriverPrometheusManager) InvocationCompleted(role string, method string, latency time.Duration, failed bool) error {
	if !m.metricsInitialized {
		m.log.Warn("Cannot record \"InvocationCompleted\" observation as metrics have not yet been initialized...")
		return ErrMetricsNotInitialized
	}

	labels := prometheus.Labels{"role": role, "method": method}
	m.InvocationLatencyHistogramVec.With(labels).Observe(float64(latency.Milliseconds()))

	if failed {
		m.FailedInvocationsCounterVec.With(labels).Inc()
	}

	return nil
}

// UpdateUnitOccupancy publishes the allocator's current idle and committed unit counts.
func (m *DriverPrometheusManager) UpdateUnitOccupancy(idleUnits int, committedUnits int) error {
	if !m.metricsInitialized {
		return ErrMetricsNotInitialized
	}

	m.IdleAcceleratorUnitsGauge.Set(float64(idleUnits))
	m.CommittedAcceleratorUnitsGauge.Set(float64(committedUnits))

	return nil
}

// SetActiveWorkers publishes the number of live workers for a role.
func (m *DriverPrometheusManager) SetActiveWorkers(role string, numWorkers int) error {
	if !m.metricsInitialized {
		return ErrMetricsNotInitialized
	}

	m.ActiveWorkersGaugeVec.With(prometheus.Labels{"role": role}).Set(float64(numWorkers))

	return nil
}

// WeightSyncCompleted records the latency of a weight synchronization and the resulting
// rollout policy staleness.
func (m *DriverPrometheusManager) WeightSyncCompleted(latency time.Duration, staleness int) error {
	if !m.metricsInitialized {
		m.log.Warn("Cannot record \"WeightSyncCompleted\" observation as metrics have not yet been initialized...")
		return ErrMetricsNotInitialized
	}

	m.WeightSyncLatencyHistogram.Observe(float64(latency.Milliseconds()))
	m.PolicyStalenessGauge.Set(float64(staleness))

	return nil
}

// SetPolicyStaleness publishes the rollout policy's current staleness in steps.
func (m *DriverPrometheusManager) SetPolicyStaleness(staleness int) error {
	if !m.metricsInitialized {
		return ErrMetricsNotInitialized
	}

	m.PolicyStalenessGauge.Set(float64(staleness))

	return nil
}
