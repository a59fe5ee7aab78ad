package feed

import "sync"

// Drop reasons recorded by Metrics.
const (
	DropQueueFull = "queue_full"
	DropThrottled = "throttled"
)

// Metrics tracks payload sizes and dropped frames for the feed.
type Metrics struct {
	mu        sync.RWMutex
	bytes     map[string]int64
	drops     map[string]int64
	published int64
}

// NewMetrics constructs an empty tracker.
func NewMetrics() *Metrics {
	return &Metrics{bytes: make(map[string]int64), drops: make(map[string]int64)}
}

// ObserveSent records the size of the last payload queued for clientID.
func (m *Metrics) ObserveSent(clientID string, size int) {
	if m == nil || clientID == "" {
		return
	}
	m.mu.Lock()
	m.bytes[clientID] = int64(max(size, 0))
	m.mu.Unlock()
}

// ObserveDrop counts one frame skipped for reason.
func (m *Metrics) ObserveDrop(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.mu.Lock()
	m.drops[reason]++
	m.mu.Unlock()
}

// ObservePublish counts one published frame.
func (m *Metrics) ObservePublish() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.published++
	m.mu.Unlock()
}

// Forget removes the gauges of a disconnected client.
func (m *Metrics) Forget(clientID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.bytes, clientID)
	m.mu.Unlock()
}

// BytesPerClient copies the last payload size per client.
func (m *Metrics) BytesPerClient() map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.bytes) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m.bytes))
	for id, size := range m.bytes {
		out[id] = size
	}
	return out
}

// DropCounts copies the cumulative drops per reason.
func (m *Metrics) DropCounts() map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drops) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m.drops))
	for reason, count := range m.drops {
		out[reason] = count
	}
	return out
}

// Published returns the number of frames handed to Publish.
func (m *Metrics) Published() int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.published
}
