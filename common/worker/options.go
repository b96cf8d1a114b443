package worker

import (
	"time"

	"github.com/OpenBMB/RLPR/common/data"
)

const (
	// DefaultStartupTimeout bounds how long a single worker may take to initialize during
	// group construction.
	DefaultStartupTimeout = 30 * time.Second

	// DefaultInvokeTimeout bounds a single group invocation end to end.
	DefaultInvokeTimeout = 10 * time.Minute
)

// GroupOptions configure worker group construction.
type GroupOptions struct {
	// StartupTimeout bounds each worker's initialization.
	StartupTimeout time.Duration
}

// GroupOption mutates GroupOptions.
type GroupOption func(*GroupOptions)

// WithStartupTimeout overrides the per-worker startup timeout.
func WithStartupTimeout(timeout time.Duration) GroupOption {
	return func(o *GroupOptions) {
		o.StartupTimeout = timeout
	}
}

func defaultGroupOptions() *GroupOptions {
	return &GroupOptions{StartupTimeout: DefaultStartupTimeout}
}

// InvokeOptions configure a single group invocation.
type InvokeOptions struct {
	// Replicas is the worker-selection mask: the data-parallel ranks the invocation
	// targets. Empty means all replicas.
	Replicas []int

	// SplitPolicy selects how the batch's samples are assigned to the targeted replicas.
	SplitPolicy data.SplitPolicy

	// Step tags the invocation with the training step that issued it, so that an
	// asynchronous controller can track outstanding work per step.
	Step uint64

	// Timeout bounds the invocation end to end.
	Timeout time.Duration

	// Args are shared, method-specific arguments forwarded verbatim to every targeted
	// engine (e.g., OptMicroBatchSize, OptTemperature).
	Args map[string]interface{}
}

// InvokeOption mutates InvokeOptions.
type InvokeOption func(*InvokeOptions)

// WithReplicas restricts the invocation to the given data-parallel ranks. Used for one-off
// maintenance calls that target a subset of the group.
func WithReplicas(ranks ...int) InvokeOption {
	return func(o *InvokeOptions) {
		o.Replicas = ranks
	}
}

// WithInterleavedSplit assigns sample i to targeted replica i % D instead of contiguous runs.
func WithInterleavedSplit() InvokeOption {
	return func(o *InvokeOptions) {
		o.SplitPolicy = data.InterleavedSplit
	}
}

// WithStep tags the invocation with the issuing training step.
func WithStep(step uint64) InvokeOption {
	return func(o *InvokeOptions) {
		o.Step = step
	}
}

// WithTimeout overrides the invocation timeout.
func WithTimeout(timeout time.Duration) InvokeOption {
	return func(o *InvokeOptions) {
		o.Timeout = timeout
	}
}

// WithArg forwards one shared argument to every targeted engine.
func WithArg(key string, value interface{}) InvokeOption {
	return func(o *InvokeOptions) {
		if o.Args == nil {
			o.Args = make(map[string]interface{})
		}
		o.Args[key] = value
	}
}

func buildInvokeOptions(opts []InvokeOption) *InvokeOptions {
	options := &InvokeOptions{
		SplitPolicy: data.ContiguousSplit,
		Timeout:     DefaultInvokeTimeout,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}
