package simulation

import (
	"testing"
	"time"
)

func TestTickMonitorAggregates(t *testing.T) {
	monitor := NewTickMonitor()
	monitor.SetBudget(15 * time.Millisecond)
	monitor.Observe(10 * time.Millisecond)
	monitor.Observe(20 * time.Millisecond)
	monitor.Observe(0)

	snapshot := monitor.Snapshot()
	if snapshot.Samples != 2 {
		t.Fatalf("expected 2 samples, got %d", snapshot.Samples)
	}
	if snapshot.Average != 15*time.Millisecond {
		t.Fatalf("unexpected average %v", snapshot.Average)
	}
	if snapshot.Max != 20*time.Millisecond || snapshot.Last != 20*time.Millisecond {
		t.Fatalf("unexpected max/last %v/%v", snapshot.Max, snapshot.Last)
	}
	if snapshot.Overruns != 1 {
		t.Fatalf("expected one overrun, got %d", snapshot.Overruns)
	}

	monitor.Reset()
	if monitor.Snapshot() != (TickMetricsSnapshot{}) {
		t.Fatalf("expected reset snapshot to be empty")
	}
}

func TestTickMonitorNilSafe(t *testing.T) {
	var monitor *TickMonitor
	monitor.Observe(time.Second)
	if monitor.Snapshot().Samples != 0 {
		t.Fatalf("nil monitor should report no samples")
	}
}
