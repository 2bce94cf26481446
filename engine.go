// Package memstore implements the RPC dispatch core of an in-memory
// storage server: a single dispatch goroutine routes incoming requests to
// registered services, enforces per-service concurrency limits, and runs
// handlers on a pool of worker goroutines that signal completion back
// through lock-free state cells.
package memstore

import (
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// Engine routes requests from transports to service handlers. All engine
// state is owned by a single dispatch goroutine: HandleRequest, Poll, Idle,
// AddService, WaitForRequest and Shutdown must all be called from it.
// Server wraps an Engine in such a goroutine; tests drive one directly.
type Engine struct {
	log        *zap.Logger
	waker      Waker
	pollWindow time.Duration
	metrics    *engineMetrics

	// services is a fixed-size registry indexed by service tag. Slots are
	// write-once, filled before traffic begins.
	services     [MaxService + 1]*serviceInfo
	serviceCount int

	// busy holds workers with a request assigned or post-processing one.
	// Order is immaterial; removal is swap-remove, so Poll iterates it
	// tail to head.
	busy []*Worker

	// idle is a stack: reusing the most recently parked worker keeps its
	// stack and cache warm.
	idle []*Worker

	// testRPCs holds requests accepted while zero services are
	// registered, for synchronous pickup via WaitForRequest.
	testRPCs []ServerRPC
}

// NewEngine creates an Engine with the given configuration.
func NewEngine(cfg EngineConfig) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		log:        cfg.Logger,
		waker:      cfg.Waker,
		pollWindow: cfg.PollWindow,
		metrics:    newEngineMetrics(cfg.Registerer),
	}
}

// AddService installs a service under the given tag. Incoming requests
// whose first byte matches the tag are dispatched to it, with at most
// maxConcurrent running at once. Registration is write-once per slot and
// must complete before traffic begins.
func (e *Engine) AddService(svc Service, tag ServiceType, maxConcurrent int) error {
	if int(tag) > MaxService {
		return fmt.Errorf("memstore: service tag %d out of range (max %d)", tag, MaxService)
	}
	if e.services[tag] != nil {
		return fmt.Errorf("memstore: service tag %d already registered", tag)
	}
	if maxConcurrent <= 0 {
		return fmt.Errorf("memstore: service tag %d: maxConcurrent must be positive", tag)
	}
	e.services[tag] = &serviceInfo{service: svc, maxConcurrent: maxConcurrent}
	e.serviceCount++
	return nil
}

// HandleRequest is the entry point transports invoke when an incoming
// request is fully assembled. The engine takes ownership of the request and
// eventually invokes its SendReply exactly once, except for requests held in
// the test sink, which are handed back by WaitForRequest unanswered.
func (e *Engine) HandleRequest(rpc ServerRPC) {
	if !rpc.EpochSet() {
		panic("memstore: request delivered without its epoch set")
	}

	hdr, ok := decodeHeader(rpc.RequestPayload())
	if !ok {
		e.log.Warn("memstore: request contains no header",
			zap.Int("length", len(rpc.RequestPayload())))
		prepareErrorResponse(rpc.ReplyPayload(), StatusMessageTooShort)
		e.metrics.errorReplies.Inc()
		rpc.SendReply()
		return
	}

	if int(hdr.service) > MaxService || e.services[hdr.service] == nil {
		if e.serviceCount == 0 {
			// No services at all: hold the request for synchronous
			// pickup so transports can be exercised in isolation.
			e.testRPCs = append(e.testRPCs, rpc)
			return
		}
		e.log.Warn("memstore: request for unavailable service",
			zap.Uint8("service", uint8(hdr.service)))
		prepareErrorResponse(rpc.ReplyPayload(), StatusServiceNotAvailable)
		e.metrics.errorReplies.Inc()
		rpc.SendReply()
		return
	}
	info := e.services[hdr.service]

	// At the concurrency cap: hold the request until a worker assigned to
	// this service frees up.
	if info.inFlight >= info.maxConcurrent {
		info.waiting.push(rpc)
		e.metrics.requestsQueued.Inc()
		return
	}

	info.inFlight++
	var w *Worker
	if len(e.idle) == 0 {
		w = newWorker(e)
		go w.main()
		e.metrics.workerSpawns.Inc()
		e.log.Debug("memstore: spawned worker")
	} else {
		w = e.idle[len(e.idle)-1]
		e.idle = e.idle[:len(e.idle)-1]
	}
	w.svc = info
	w.handoff(rpc)
	w.busyIndex = len(e.busy)
	e.busy = append(e.busy, w)

	e.metrics.requestsDispatched.Inc()
	e.updateWorkerGauges()
}

// Idle reports whether no request is currently assigned to any worker.
// When it returns true, every memory write made by previously-busy workers
// is visible to the caller.
func (e *Engine) Idle() bool {
	return len(e.busy) == 0
}

// Poll checks every busy worker for a state transition: replies that are
// ready to send, post-processing still in flight, and workers that have
// finished entirely (which either pick up queued work for their service or
// return to the idle pool).
func (e *Engine) Poll() {
	// Iterate tail to head: removal fills the current slot with the tail
	// element, which this direction has already visited.
	for i := len(e.busy) - 1; i >= 0; i-- {
		w := e.busy[i]
		if w.busyIndex != i {
			panic("memstore: busy list index out of sync")
		}
		state := w.state.Load()
		if state == stateWorking {
			continue
		}

		// The worker is post-processing or done; either way, if its
		// reply hasn't gone out yet, send it now.
		if w.rpc != nil {
			w.rpc.SendReply()
			w.rpc = nil
		}

		if state == statePostprocessing {
			// Handler still running post-reply work; leave it busy.
			continue
		}

		info := w.svc
		if !info.waiting.empty() {
			// Start the next request this service has waiting.
			w.handoff(info.waiting.pop())
			e.metrics.requestsDispatched.Inc()
		} else {
			// Swap-remove from the busy list and park the worker.
			last := len(e.busy) - 1
			if i != last {
				e.busy[i] = e.busy[last]
				e.busy[i].busyIndex = i
			}
			e.busy = e.busy[:last]
			w.busyIndex = -1
			e.idle = append(e.idle, w)
			info.inFlight--
			e.updateWorkerGauges()
		}
	}
}

// WaitForRequest spins the poll loop until a request arrives or the timeout
// elapses, returning nil on timeout. It only sees requests accepted while
// zero services are registered.
func (e *Engine) WaitForRequest(timeout time.Duration) ServerRPC {
	deadline := time.Now().Add(timeout)
	for {
		if len(e.testRPCs) > 0 {
			rpc := e.testRPCs[0]
			e.testRPCs = e.testRPCs[1:]
			return rpc
		}
		if time.Now().After(deadline) {
			return nil
		}
		e.Poll()
		runtime.Gosched()
	}
}

// Shutdown waits for every busy worker to finish its current request, then
// makes all workers exit and waits for their goroutines.
func (e *Engine) Shutdown() {
	for len(e.busy) > 0 {
		e.Poll()
		runtime.Gosched()
	}
	for _, w := range e.idle {
		w.exit()
	}
	e.updateWorkerGauges()
}

func (e *Engine) updateWorkerGauges() {
	e.metrics.busyWorkers.Set(float64(len(e.busy)))
	e.metrics.idleWorkers.Set(float64(len(e.idle)))
}
