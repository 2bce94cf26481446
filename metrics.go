package memstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics tracks dispatch activity. All counters are incremented on
// the dispatch goroutine only.
type engineMetrics struct {
	requestsDispatched prometheus.Counter
	requestsQueued     prometheus.Counter
	errorReplies       prometheus.Counter
	workerSpawns       prometheus.Counter
	wakeFailures       prometheus.Counter
	busyWorkers        prometheus.Gauge
	idleWorkers        prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	f := promauto.With(reg)
	return &engineMetrics{
		requestsDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: "memstore",
			Subsystem: "dispatch",
			Name:      "requests_dispatched_total",
			Help:      "Requests handed off to a worker.",
		}),
		requestsQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: "memstore",
			Subsystem: "dispatch",
			Name:      "requests_queued_total",
			Help:      "Requests deferred because their service was at its concurrency cap.",
		}),
		errorReplies: f.NewCounter(prometheus.CounterOpts{
			Namespace: "memstore",
			Subsystem: "dispatch",
			Name:      "error_replies_total",
			Help:      "Synthetic error replies for malformed or misrouted requests.",
		}),
		workerSpawns: f.NewCounter(prometheus.CounterOpts{
			Namespace: "memstore",
			Subsystem: "dispatch",
			Name:      "worker_spawns_total",
			Help:      "Worker goroutines created on demand.",
		}),
		wakeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "memstore",
			Subsystem: "dispatch",
			Name:      "wake_failures_total",
			Help:      "Failed attempts to wake a sleeping worker.",
		}),
		busyWorkers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "memstore",
			Subsystem: "dispatch",
			Name:      "busy_workers",
			Help:      "Workers currently assigned a request or post-processing one.",
		}),
		idleWorkers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "memstore",
			Subsystem: "dispatch",
			Name:      "idle_workers",
			Help:      "Workers parked in the idle pool.",
		}),
	}
}
