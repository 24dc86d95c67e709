package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/stackvm/pkg/bytecode"
	"github.com/chazu/stackvm/pkg/stackvm"
)

// ErrWorkerStopped is returned by Do after Stop.
var ErrWorkerStopped = errors.New("runner: worker stopped")

// workRequest is a unit of work to be executed on the worker goroutine.
type workRequest struct {
	fn   func(*stackvm.StackVM) (any, error)
	done chan workResult
}

// workResult holds the return value from a machine operation.
type workResult struct {
	value any
	err   error
}

// Worker serializes all access to one machine through a single goroutine.
// A StackVM is not safe for concurrent use; goroutines that share one must
// go through a Worker.
type Worker struct {
	vm       *stackvm.StackVM
	requests chan workRequest
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a Worker and starts the processing goroutine.
func NewWorker(vm *stackvm.StackVM) *Worker {
	w := &Worker{
		vm:       vm,
		requests: make(chan workRequest, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *Worker) loop() {
	defer close(w.stopped)
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs a function on the machine, recovering from panics.
func (w *Worker) execute(fn func(*stackvm.StackVM) (any, error)) (result workResult) {
	defer func() {
		if r := recover(); r != nil {
			result = workResult{err: fmt.Errorf("runner: panic in worker: %v", r)}
		}
	}()
	v, err := fn(w.vm)
	return workResult{value: v, err: err}
}

// Do submits fn for execution on the worker goroutine and blocks until it
// completes. A panic inside fn is returned as an error.
func (w *Worker) Do(fn func(*stackvm.StackVM) (any, error)) (any, error) {
	req := workRequest{
		fn:   fn,
		done: make(chan workResult, 1),
	}
	select {
	case w.requests <- req:
	case <-w.stopped:
		return nil, ErrWorkerStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.stopped:
		return nil, ErrWorkerStopped
	}
}

// Run executes the machine on the worker goroutine under ctx and opts.
func (w *Worker) Run(ctx context.Context, opts Options) (Result, error) {
	var res Result
	_, err := w.Do(func(vm *stackvm.StackVM) (any, error) {
		var err error
		res, err = Run[bytecode.Instr](ctx, vm, opts)
		return nil, err
	})
	return res, err
}

// Stop shuts down the worker goroutine and waits for it to exit.
// Calling Stop more than once is a no-op.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.stopped
}
