package verify

import "sync/atomic"

// Metrics holds per-runner counters, safe for concurrent reads while the
// runner is live.
type Metrics struct {
	Processed atomic.Int64 // RunOnce calls that found work and committed
	Terminal  atomic.Int64 // connections that reached a terminal state
	Delayed   atomic.Int64 // stage attempts that rescheduled
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Processed int64 `json:"processed"`
	Terminal  int64 `json:"terminal"`
	Delayed   int64 `json:"delayed"`
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Processed: m.Processed.Load(),
		Terminal:  m.Terminal.Load(),
		Delayed:   m.Delayed.Load(),
	}
}
