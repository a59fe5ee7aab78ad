package simulation

import (
	"context"
	"sync"
	"time"
)

// StepFunc advances the host by one fixed timestep. Tick counts from one.
type StepFunc func(tick uint64, step time.Duration)

// Loop drives a fixed timestep at the configured frequency and records how long each step took.
type Loop struct {
	mu       sync.Mutex
	step     time.Duration
	stepFunc StepFunc
	monitor  *TickMonitor
	tick     uint64
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewLoop configures a loop that targets the provided frames per second.
func NewLoop(targetHz float64, step StepFunc, monitor *TickMonitor) *Loop {
	if targetHz <= 0 {
		targetHz = 30
	}
	if step == nil {
		step = func(uint64, time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 30
	}
	return &Loop{
		step:     interval,
		stepFunc: step,
		monitor:  monitor,
	}
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.stepFunc == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	if l.done != nil {
		l.mu.Unlock()
		return
	}
	derived, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	ticker := time.NewTicker(l.step)
	go func() {
		defer close(done)
		defer ticker.Stop()
		last := time.Now()
		accumulator := time.Duration(0)
		for {
			select {
			case <-derived.Done():
				return
			case now := <-ticker.C:
				//1.- Accumulate elapsed time and run fixed steps while catching up.
				accumulator += now.Sub(last)
				last = now
				for accumulator >= l.step {
					l.runStep()
					accumulator -= l.step
				}
			}
		}
	}()
}

// RunOnce executes a single step synchronously; used by tools and tests that own their cadence.
func (l *Loop) RunOnce() {
	if l == nil || l.stepFunc == nil {
		return
	}
	l.runStep()
}

func (l *Loop) runStep() {
	l.tick++
	started := time.Now()
	l.stepFunc(l.tick, l.step)
	//1.- Feed the monitor so operators can spot steps that overrun the budget.
	l.monitor.Observe(time.Since(started))
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	l.cancel = nil
	l.done = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Running reports whether the loop goroutine is active.
func (l *Loop) Running() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done != nil
}

// StepDuration exposes the configured timestep for testing.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}
