package worker

import (
	"context"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/OpenBMB/RLPR/common/data"
)

const (
	kindInvoke invocationKind = iota
	kindExportWeights
	kindImportWeights
)

type invocationKind int

// invocation is one unit of work delivered to a worker over its request channel. The
// request/response protocol is explicit (rather than remote-object transparency) so that
// failure and ordering semantics stay auditable.
//
// Delivery is two-phase: the worker acknowledges receipt on delivered, then blocks until
// release is closed before computing. The dispatch layer closes release only once every peer
// worker of the invocation has acknowledged, which implements the synchronous barrier that
// model-/pipeline-parallel peers require (no peer produces output before all peers hold
// their sub-batch).
type invocation struct {
	ctx  context.Context
	kind invocationKind

	step    uint64
	method  string
	batch   *data.Batch
	opts    map[string]interface{}
	weights *data.WeightSet

	delivered chan<- *Worker
	release   <-chan struct{}
	results   chan<- *invocationResult
}

type invocationResult struct {
	worker  *Worker
	batch   *data.Batch
	weights *data.WeightSet
	err     error
}

// Worker is one worker process: it exclusively owns one model-state shard (via its Engine)
// and serves invocations sequentially off its request channel. Nothing outside the worker
// ever touches the shard; the dispatch layer only requests that the worker mutate it.
type Worker struct {
	id     string
	info   WorkerInfo
	engine Engine

	requests chan *invocation
	closed   chan struct{}

	closeOnce sync.Once
	log       logger.Logger
}

func newWorker(info WorkerInfo, engine Engine, queueDepth int) *Worker {
	worker := &Worker{
		id:       info.WorkerID,
		info:     info,
		engine:   engine,
		requests: make(chan *invocation, queueDepth),
		closed:   make(chan struct{}),
	}
	config.InitLogger(&worker.log, worker)
	return worker
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() string {
	return w.id
}

// Info returns the worker's startup info.
func (w *Worker) Info() WorkerInfo {
	return w.info
}

// Coordinates returns the worker's position in its group's layout.
func (w *Worker) Coordinates() Coordinates {
	return w.info.Coordinates
}

// run serves invocations until the worker is closed. It is started by the invoker in its own
// goroutine, one per worker.
func (w *Worker) run() {
	defer func() {
		if err := w.engine.Close(); err != nil {
			w.log.Warn("Engine for %s reported an error on close: %v", w.info, err)
		}
	}()

	for {
		select {
		case inv := <-w.requests:
			w.handle(inv)
		case <-w.closed:
			return
		}
	}
}

// handle executes one invocation: acknowledge receipt, wait for the barrier release, run the
// engine, report the result. A cancelled context before release still produces a result, so
// the dispatcher never blocks on a worker whose step was aborted.
func (w *Worker) handle(inv *invocation) {
	if inv.delivered != nil {
		select {
		case inv.delivered <- w:
		case <-inv.ctx.Done():
			inv.results <- &invocationResult{worker: w, err: inv.ctx.Err()}
			return
		}
	}

	if inv.release != nil {
		select {
		case <-inv.release:
		case <-inv.ctx.Done():
			inv.results <- &invocationResult{worker: w, err: inv.ctx.Err()}
			return
		case <-w.closed:
			inv.results <- &invocationResult{worker: w, err: ErrWorkerClosed}
			return
		}
	}

	result := &invocationResult{worker: w}

	switch inv.kind {
	case kindExportWeights:
		result.weights, result.err = w.engine.ExportWeights(inv.ctx)
	case kindImportWeights:
		result.err = w.engine.ImportWeights(inv.ctx, inv.weights)
	default:
		result.batch, result.err = w.engine.Invoke(inv.ctx, inv.method, inv.batch, inv.opts)
	}

	inv.results <- result
}

// submit routes an invocation onto the worker's request channel, failing fast if the worker
// has been closed or the invocation's context has been cancelled.
func (w *Worker) submit(inv *invocation) error {
	select {
	case w.requests <- inv:
		return nil
	case <-w.closed:
		return ErrWorkerClosed
	case <-inv.ctx.Done():
		return inv.ctx.Err()
	}
}

// Close stops the worker's serving loop. In-flight work is allowed to finish; queued work
// that has not begun is dropped. Safe to call multiple times.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		close(w.closed)
	})
}
