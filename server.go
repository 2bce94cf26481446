package memstore

import (
	"runtime"
	"sync"
)

// intakeDepth bounds how many assembled requests can sit between the
// transports and the dispatch goroutine before Deliver blocks.
const intakeDepth = 256

// Server owns an Engine and the goroutine that acts as its dispatch
// thread. Transports hand assembled requests to Deliver; the loop routes
// them and spins the engine's poll while any worker is busy.
type Server struct {
	eng    *Engine
	intake chan ServerRPC

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer wraps the engine and starts its dispatch goroutine. The caller
// must not touch the engine directly afterwards.
func NewServer(eng *Engine) *Server {
	s := &Server{
		eng:    eng,
		intake: make(chan ServerRPC, intakeDepth),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Deliver transfers ownership of an assembled request to the dispatch
// goroutine. Safe to call from any goroutine.
func (s *Server) Deliver(rpc ServerRPC) {
	s.intake <- rpc
}

// Close shuts the dispatch loop down: in-flight handlers run to
// completion, workers are joined, and requests still sitting in the intake
// are dropped unanswered. Blocks until the loop has exited.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *Server) run() {
	defer close(s.done)
	for {
		if s.eng.Idle() {
			select {
			case rpc := <-s.intake:
				s.eng.HandleRequest(rpc)
			case <-s.quit:
				s.eng.Shutdown()
				return
			}
			continue
		}

		select {
		case rpc := <-s.intake:
			s.eng.HandleRequest(rpc)
		case <-s.quit:
			s.eng.Shutdown()
			return
		default:
		}
		s.eng.Poll()
		runtime.Gosched()
	}
}
