package feed

import (
	"math"
	"sync"
	"time"
)

// Usage captures the throttling state of one subscriber.
type Usage struct {
	ClientID       string    `json:"client_id"`
	AvailableBytes float64   `json:"available_bytes"`
	BytesPerSecond float64   `json:"bytes_per_second"`
	Observed       float64   `json:"observed_seconds"`
	Throttled      int64     `json:"throttled"`
	LastRefill     time.Time `json:"last_refill"`
}

type bucket struct {
	tokens  float64
	last    time.Time
	started time.Time
	sent    int64
	denied  int64
}

// Throttle enforces a token bucket of bytes per subscriber. A zero rate admits everything.
type Throttle struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	now     func() time.Time
}

// NewThrottle constructs a throttle refilling at bytesPerSecond with one second of burst.
func NewThrottle(bytesPerSecond float64, clock func() time.Time) *Throttle {
	if bytesPerSecond < 0 || math.IsNaN(bytesPerSecond) {
		bytesPerSecond = 0
	}
	if clock == nil {
		clock = time.Now
	}
	return &Throttle{buckets: make(map[string]*bucket), rate: bytesPerSecond, now: clock}
}

func (t *Throttle) refill(b *bucket, now time.Time) {
	//1.- Ignore clock skew; a negative interval never removes tokens.
	if !now.After(b.last) {
		return
	}
	b.tokens = math.Min(t.rate, b.tokens+now.Sub(b.last).Seconds()*t.rate)
	b.last = now
}

// Allow charges size bytes against clientID and reports whether the frame may be sent.
func (t *Throttle) Allow(clientID string, size int) bool {
	if t == nil || t.rate == 0 || clientID == "" || size <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b := t.buckets[clientID]
	if b == nil {
		b = &bucket{tokens: t.rate, last: now, started: now}
		t.buckets[clientID] = b
	}
	t.refill(b, now)
	if float64(size) > b.tokens {
		b.denied++
		return false
	}
	b.tokens -= float64(size)
	b.sent += int64(size)
	return true
}

// Forget drops the bucket of a disconnected subscriber.
func (t *Throttle) Forget(clientID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.buckets, clientID)
	t.mu.Unlock()
}

// Usage reports current throughput per subscriber.
func (t *Throttle) Usage() map[string]Usage {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buckets) == 0 {
		return nil
	}
	now := t.now()
	out := make(map[string]Usage, len(t.buckets))
	for id, b := range t.buckets {
		t.refill(b, now)
		observed := math.Max(now.Sub(b.started).Seconds(), 0)
		rate := 0.0
		if observed > 0 {
			rate = float64(b.sent) / observed
		}
		out[id] = Usage{
			ClientID:       id,
			AvailableBytes: math.Max(b.tokens, 0),
			BytesPerSecond: rate,
			Observed:       observed,
			Throttled:      b.denied,
			LastRefill:     b.last,
		}
	}
	return out
}
