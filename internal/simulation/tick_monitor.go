package simulation

import (
	"sync"
	"time"
)

// TickMetricsSnapshot summarises observed step durations.
type TickMetricsSnapshot struct {
	Samples  int
	Average  time.Duration
	Max      time.Duration
	Last     time.Duration
	Overruns int
}

// AverageFPS derives the frames-per-second equivalent of the sampled step duration.
func (s TickMetricsSnapshot) AverageFPS() float64 {
	if s.Average <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.Average)
}

// TickMonitor accumulates timing statistics for the host loop.
type TickMonitor struct {
	mu       sync.Mutex
	budget   time.Duration
	samples  int
	total    time.Duration
	max      time.Duration
	last     time.Duration
	overruns int
}

// NewTickMonitor constructs an empty monitor. A positive budget counts steps that exceed it.
func NewTickMonitor() *TickMonitor {
	return &TickMonitor{}
}

// SetBudget configures the per-step duration above which a step counts as an overrun.
func (m *TickMonitor) SetBudget(budget time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.budget = budget
	m.mu.Unlock()
}

// Observe records the duration of a completed step.
func (m *TickMonitor) Observe(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.mu.Lock()
	//1.- Accumulate the sample count and aggregate duration for average calculations.
	m.samples++
	m.total += duration
	//2.- Track the worst case and budget overruns so stalls in the visibility pass stand out.
	if duration > m.max {
		m.max = duration
	}
	if m.budget > 0 && duration > m.budget {
		m.overruns++
	}
	m.last = duration
	m.mu.Unlock()
}

// Snapshot returns a copy of the aggregated statistics.
func (m *TickMonitor) Snapshot() TickMetricsSnapshot {
	if m == nil {
		return TickMetricsSnapshot{}
	}
	m.mu.Lock()
	snapshot := TickMetricsSnapshot{Samples: m.samples, Max: m.max, Last: m.last, Overruns: m.overruns}
	total := m.total
	m.mu.Unlock()

	if snapshot.Samples > 0 {
		snapshot.Average = total / time.Duration(snapshot.Samples)
	}
	return snapshot
}

// Reset clears the accumulated statistics.
func (m *TickMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.samples = 0
	m.total = 0
	m.max = 0
	m.last = 0
	m.overruns = 0
	m.mu.Unlock()
}
