package metrics

import "time"

// States lists every value SetState accepts, in lifecycle order.
var States = []string{"uninitialized", "seeded", "built", "ready", "stepping", "shutdown"}

// Collector wraps the metrics with the worker's proc_id label.
// A nil *Collector is valid and records nothing.
type Collector struct {
	procID string
}

// NewCollector creates a Collector for one worker.
func NewCollector(procID string) *Collector {
	return &Collector{procID: procID}
}

// IncTick counts one handled request of the given kind.
func (c *Collector) IncTick(kind string) {
	if c == nil {
		return
	}
	TicksTotal.WithLabelValues(c.procID, kind).Inc()
}

// AddFrame records one frame of size bytes in direction "in" or "out".
func (c *Collector) AddFrame(direction string, size int) {
	if c == nil {
		return
	}
	FramesTotal.WithLabelValues(c.procID, direction).Inc()
	FrameBytesTotal.WithLabelValues(c.procID, direction).Add(float64(size))
}

// IncFatal counts a fatal error in phase.
func (c *Collector) IncFatal(phase string) {
	if c == nil {
		return
	}
	FatalErrorsTotal.WithLabelValues(c.procID, phase).Inc()
}

// SetState sets the state gauge to 1 for state and 0 for every other state.
func (c *Collector) SetState(state string) {
	if c == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		WorkerState.WithLabelValues(c.procID, s).Set(v)
	}
}

// ObserveStep records how long one request took.
func (c *Collector) ObserveStep(kind string, d time.Duration) {
	if c == nil {
		return
	}
	StepDuration.WithLabelValues(c.procID, kind).Observe(d.Seconds())
}
