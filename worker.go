package memstore

import (
	"bytes"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Worker states. The cell is written with atomic operations only; the
// acquire/release ordering of those operations is what publishes the
// non-atomic rpc field between the dispatch goroutine and the worker.
const (
	// statePolling: the worker has no work and is spinning on the state
	// cell waiting for a handoff.
	statePolling uint32 = iota

	// stateWorking: a request is assigned and the handler is (or is about
	// to start) running.
	stateWorking

	// stateSleeping: the worker polled for a full poll window without
	// work and is blocked on the waker.
	stateSleeping

	// statePostprocessing: the handler declared its reply complete via
	// SendReply but is still running post-reply work.
	statePostprocessing
)

// exitRPC is the sentinel handed to a worker to make its goroutine return.
type exitRPC struct{}

func (exitRPC) RequestPayload() []byte      { return nil }
func (exitRPC) ReplyPayload() *bytes.Buffer { return nil }
func (exitRPC) SendReply()                  {}
func (exitRPC) EpochSet() bool              { return true }

var workerExit ServerRPC = exitRPC{}

// Worker is one goroutine that runs a single RPC at a time. The dispatch
// goroutine owns the Worker; the worker goroutine only borrows the engine
// through it. The only state shared between the two is the state cell and
// the rpc field, ordered by the cell's atomic transitions.
type Worker struct {
	eng   *Engine
	state atomic.Uint32

	// rpc is written by the dispatcher before the exchange to
	// stateWorking and read by the worker after observing stateWorking;
	// the dispatcher reads and clears it only after observing a state
	// other than stateWorking.
	rpc ServerRPC

	// svc is the service this worker is currently assigned to. Dispatch
	// goroutine only.
	svc *serviceInfo

	// busyIndex is this worker's slot in the engine's busy list, or -1
	// while it sits in the idle pool. Dispatch goroutine only.
	busyIndex int

	exited bool

	wake chan struct{}
	done chan struct{}

	// wakeFailures counts consecutive Wake errors, reset on success.
	wakeFailures int
}

func newWorker(eng *Engine) *Worker {
	return &Worker{
		eng:       eng,
		busyIndex: -1,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// main is the top-level loop of a worker goroutine: wait for a handoff, run
// the handler, report completion through the state cell, repeat.
func (w *Worker) main() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			// Handlers are expected never to panic; surface it and let
			// it take the process down.
			w.eng.log.Error("memstore: worker handler panicked", zap.Any("panic", r))
			panic(r)
		}
	}()

	for {
		deadline := time.Now().Add(w.eng.pollWindow)

		// Wait for the dispatcher to supply work.
		for w.state.Load() != stateWorking {
			if time.Now().After(deadline) {
				// The dispatcher could hand us work just before we stop
				// polling, so only move to sleeping if the cell still
				// reads polling.
				if w.state.CompareAndSwap(statePolling, stateSleeping) {
					if err := w.eng.waker.Sleep(&w.state, stateSleeping, w.wake); err != nil {
						w.eng.log.Error("memstore: sleep primitive failed", zap.Error(err))
					}
				}
			}
			runtime.Gosched()
		}

		if w.rpc == workerExit {
			return
		}

		w.svc.service.Handle(w, w.rpc.RequestPayload(), w.rpc.ReplyPayload())

		// Hand the request back to the dispatcher for completion.
		w.state.Store(statePolling)
	}
}

// handoff assigns a request to this worker and wakes it if necessary.
// Dispatch goroutine only; the worker must be idle (rpc nil).
func (w *Worker) handoff(rpc ServerRPC) {
	if w.rpc != nil {
		panic("memstore: handoff to a worker that still holds a request")
	}
	w.rpc = rpc
	prev := w.state.Swap(stateWorking)
	if prev == stateSleeping {
		// The worker gave up polling and blocked; release it.
		if err := w.eng.waker.Wake(w.wake); err != nil {
			w.wakeFailures++
			w.eng.metrics.wakeFailures.Inc()
			w.eng.log.Error("memstore: wake primitive failed",
				zap.Error(err), zap.Int("consecutive", w.wakeFailures))
			// A later handoff retries the wake; nothing else to unwind
			// here.
		} else {
			w.wakeFailures = 0
		}
	}
}

// SendReply tells the dispatcher that this worker's reply payload is
// complete, so the reply can go out while the handler keeps running
// post-processing. Worker goroutine only, from inside Handle.
func (w *Worker) SendReply() {
	w.state.Store(statePostprocessing)
}

// exit makes the worker goroutine return and waits until it has. Dispatch
// goroutine only; idempotent once the worker has exited.
func (w *Worker) exit() {
	if w.exited {
		return
	}

	// Let the worker finish any request already queued for it.
	for w.busyIndex >= 0 {
		w.eng.Poll()
		runtime.Gosched()
	}

	w.handoff(workerExit)
	<-w.done
	w.rpc = nil
	w.exited = true
}
