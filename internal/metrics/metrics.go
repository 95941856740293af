// Package metrics exposes Prometheus instrumentation for workers.
//
// Metrics are package-level and registered with the default registry. Use
// Collector for pre-labelled helpers and Server to expose /metrics when the
// hosting process does not already do so.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TicksTotal counts handled coordinator requests by kind.
var TicksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "envproc_worker_ticks_total",
		Help: "Total coordinator requests handled, by request kind",
	},
	[]string{"proc_id", "kind"},
)

// FramesTotal counts frames moved through shared memory.
var FramesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "envproc_worker_frames_total",
		Help: "Total frames consumed or published",
	},
	[]string{"proc_id", "direction"},
)

// FrameBytesTotal counts payload bytes moved through shared memory.
var FrameBytesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "envproc_worker_frame_bytes_total",
		Help: "Total payload bytes consumed or published",
	},
	[]string{"proc_id", "direction"},
)

// FatalErrorsTotal counts worker terminations by phase.
var FatalErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "envproc_worker_fatal_errors_total",
		Help: "Total fatal worker errors, by phase",
	},
	[]string{"proc_id", "phase"},
)

// WorkerState is 1 for the worker's current state and 0 for the others.
var WorkerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "envproc_worker_state",
		Help: "Worker state (1 for current state, 0 otherwise)",
	},
	[]string{"proc_id", "state"},
)

// StepDuration tracks environment step latency including encode and publish.
var StepDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "envproc_worker_step_duration_seconds",
		Help:    "Time from decoded request to published response",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	},
	[]string{"proc_id", "kind"},
)
