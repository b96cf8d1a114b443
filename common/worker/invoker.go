package worker

import (
	"context"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Invoker spawns worker processes on accelerator units. It is the boundary to the cluster's
// process-spawning capability: the group tells the invoker where each worker goes (the
// WorkerInfo carries the unit) and the invoker owns how the process actually comes up.
type Invoker interface {
	// StartWorker starts and initializes one worker. The context carries the bounded
	// startup timeout; implementations must return promptly once it expires. A non-nil
	// error means the worker is not running and holds no resources.
	StartWorker(ctx context.Context, info WorkerInfo) (*Worker, error)
}

// EngineFactory produces the engine a new worker will host, given the worker's startup info.
type EngineFactory func(info WorkerInfo) Engine

// LocalInvoker runs workers as goroutines in the driver's own process, each serving an
// explicit request/response channel. This is the in-tree invoker used for single-process
// deployments and tests; cluster deployments substitute an Invoker that spawns real
// processes through the external scheduler.
type LocalInvoker struct {
	log logger.Logger

	engineFactory EngineFactory

	// queueDepth sizes each worker's request channel. Zero means unbuffered: a submit
	// blocks until the worker picks the invocation up.
	queueDepth int
}

// NewLocalInvoker constructs a LocalInvoker that hosts engines built by the given factory.
func NewLocalInvoker(engineFactory EngineFactory, queueDepth int) *LocalInvoker {
	invoker := &LocalInvoker{
		engineFactory: engineFactory,
		queueDepth:    queueDepth,
	}
	config.InitLogger(&invoker.log, invoker)
	return invoker
}

// StartWorker builds the worker's engine, initializes it under the caller's startup timeout,
// and starts the worker's serving goroutine.
func (inv *LocalInvoker) StartWorker(ctx context.Context, info WorkerInfo) (*Worker, error) {
	if info.WorkerID == "" {
		info.WorkerID = uuid.NewString()
	}

	engine := inv.engineFactory(info)

	initDone := make(chan error, 1)
	go func() {
		initDone <- engine.Initialize(ctx, info)
	}()

	select {
	case err := <-initDone:
		if err != nil {
			_ = engine.Close()
			return nil, errors.Wrapf(err, "failed to initialize engine for %s", info)
		}
	case <-ctx.Done():
		// The initialize goroutine is left to observe ctx and unwind on its own; the
		// engine is told to drop whatever it had started.
		_ = engine.Close()
		return nil, errors.Wrapf(ctx.Err(), "worker %s did not initialize before the startup timeout", info)
	}

	worker := newWorker(info, engine, inv.queueDepth)
	go worker.run()

	inv.log.Debug("Started %s.", info)

	return worker, nil
}
