package memstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultPollWindow is how long a worker busy-waits for its next request
// before blocking on the waker. It should comfortably exceed a typical RPC
// round trip, so a worker in an ongoing conversation never sleeps, and also
// dwarf the wake-up latency (tens of microseconds), so sleeping pays off
// under real idleness.
const DefaultPollWindow = 10 * time.Millisecond

// EngineConfig configures an Engine. The zero value is usable: a nop
// logger, the channel-based waker, the default poll window, and a private
// metrics registry.
type EngineConfig struct {
	// PollWindow overrides DefaultPollWindow.
	PollWindow time.Duration

	// Waker is the blocking primitive workers park on. Overridden in
	// tests to observe or fail sleep/wake transitions.
	Waker Waker

	// Logger receives engine events. Defaults to a nop logger.
	Logger *zap.Logger

	// Registerer receives the engine's metrics. Defaults to a fresh
	// private registry.
	Registerer prometheus.Registerer
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.PollWindow <= 0 {
		c.PollWindow = DefaultPollWindow
	}
	if c.Waker == nil {
		c.Waker = chanWaker{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	return c
}
