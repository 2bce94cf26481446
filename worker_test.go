package memstore

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// countingWaker wraps the default waker, counting transitions and
// optionally failing wakes after still performing them.
type countingWaker struct {
	inner   Waker
	sleeps  atomic.Int32
	wakes   atomic.Int32
	wakeErr error
}

func (cw *countingWaker) Sleep(cell *atomic.Uint32, sleepVal uint32, wake chan struct{}) error {
	cw.sleeps.Add(1)
	return cw.inner.Sleep(cell, sleepVal, wake)
}

func (cw *countingWaker) Wake(wake chan struct{}) error {
	cw.wakes.Add(1)
	if err := cw.inner.Wake(wake); err != nil {
		return err
	}
	return cw.wakeErr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSleepThenWake(t *testing.T) {
	cw := &countingWaker{inner: chanWaker{}}
	e := NewEngine(EngineConfig{PollWindow: time.Millisecond, Waker: cw})
	if err := e.AddService(echoService{}, ServiceMaster, 1); err != nil {
		t.Fatal(err)
	}

	callSync(t, e, MakeRequest(ServiceMaster, OpPing, []byte("first")))

	// Left idle past the poll window, the worker blocks exactly once.
	waitFor(t, func() bool { return cw.sleeps.Load() >= 1 })
	time.Sleep(5 * time.Millisecond)
	if got := cw.sleeps.Load(); got != 1 {
		t.Errorf("sleeps = %d, want 1", got)
	}

	rpc := callSync(t, e, MakeRequest(ServiceMaster, OpPing, []byte("second")))
	if got := rpc.status(t); got != StatusOK {
		t.Errorf("status = %v, want %v", got, StatusOK)
	}
	if cw.wakes.Load() < 1 {
		t.Error("handoff to a sleeping worker should have fired the waker")
	}
	e.Shutdown()
}

// twoPhaseService declares its reply complete, then keeps running until
// released.
type twoPhaseService struct {
	release chan struct{}
}

func (s *twoPhaseService) Handle(w *Worker, request []byte, reply *bytes.Buffer) {
	writeStatus(reply, StatusOK)
	w.SendReply()
	<-s.release
}

func TestTwoPhaseReply(t *testing.T) {
	e := NewEngine(EngineConfig{})
	svc := &twoPhaseService{release: make(chan struct{})}
	if err := e.AddService(svc, ServiceMaster, 1); err != nil {
		t.Fatal(err)
	}

	rpc := &testRPC{req: MakeRequest(ServiceMaster, OpPing, nil)}
	e.HandleRequest(rpc)

	// The reply goes out while the handler is still running.
	pollUntil(t, e, func() bool { return rpc.replies == 1 })
	if e.Idle() {
		t.Error("worker should stay busy through post-processing")
	}
	if len(e.busy) != 1 {
		t.Errorf("busy workers = %d, want 1", len(e.busy))
	}

	close(svc.release)
	pollUntil(t, e, func() bool { return e.Idle() })
	if rpc.replies != 1 {
		t.Errorf("replies = %d, want exactly 1", rpc.replies)
	}
	e.Shutdown()
}

func TestWakeFailureIsSurvived(t *testing.T) {
	cw := &countingWaker{inner: chanWaker{}, wakeErr: errors.New("injected wake failure")}
	e := NewEngine(EngineConfig{PollWindow: time.Millisecond, Waker: cw})
	if err := e.AddService(echoService{}, ServiceMaster, 1); err != nil {
		t.Fatal(err)
	}

	callSync(t, e, MakeRequest(ServiceMaster, OpPing, nil))
	waitFor(t, func() bool { return cw.sleeps.Load() >= 1 })

	// The wake reports failure but the engine carries on and the request
	// still completes.
	rpc := callSync(t, e, MakeRequest(ServiceMaster, OpPing, nil))
	if got := rpc.status(t); got != StatusOK {
		t.Errorf("status = %v, want %v", got, StatusOK)
	}
	if got := testutil.ToFloat64(e.metrics.wakeFailures); got != 1 {
		t.Errorf("wake failure metric = %v, want 1", got)
	}
	if e.idle[0].wakeFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1", e.idle[0].wakeFailures)
	}

	// A later successful wake resets the consecutive counter.
	cw.wakeErr = nil
	waitFor(t, func() bool { return cw.sleeps.Load() >= 2 })
	callSync(t, e, MakeRequest(ServiceMaster, OpPing, nil))
	if e.idle[0].wakeFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0 after success", e.idle[0].wakeFailures)
	}
	e.Shutdown()
}

func TestExitIdempotent(t *testing.T) {
	e := NewEngine(EngineConfig{})
	if err := e.AddService(echoService{}, ServiceMaster, 1); err != nil {
		t.Fatal(err)
	}
	callSync(t, e, MakeRequest(ServiceMaster, OpPing, nil))

	w := e.idle[0]
	e.Shutdown()
	if !w.exited {
		t.Fatal("worker should have exited during shutdown")
	}
	w.exit()
	e.Shutdown()
}

func TestSleepingBusyWorkerStillFreed(t *testing.T) {
	// A worker that finishes while the dispatcher isn't polling drifts
	// POLLING -> SLEEPING inside the busy list; the next poll must still
	// send its reply and free it.
	cw := &countingWaker{inner: chanWaker{}}
	e := NewEngine(EngineConfig{PollWindow: time.Millisecond, Waker: cw})
	if err := e.AddService(echoService{}, ServiceMaster, 1); err != nil {
		t.Fatal(err)
	}

	rpc := &testRPC{req: MakeRequest(ServiceMaster, OpPing, nil)}
	e.HandleRequest(rpc)
	waitFor(t, func() bool { return cw.sleeps.Load() >= 1 })

	e.Poll()
	if rpc.replies != 1 {
		t.Errorf("replies = %d, want 1", rpc.replies)
	}
	if !e.Idle() {
		t.Error("worker should have been freed")
	}
	e.Shutdown()
}
