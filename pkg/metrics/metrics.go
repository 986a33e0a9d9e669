package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector captures engine-level counters and durations.
type Collector interface {
	IncCounter(name string, delta uint64)
	ObserveDuration(name string, d time.Duration)
}

// Nop discards all observations.
type Nop struct{}

func (Nop) IncCounter(string, uint64)             {}
func (Nop) ObserveDuration(string, time.Duration) {}

// Atomic is an in-process Collector backed by atomic counters.
type Atomic struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Uint64
	// durations accumulate as total nanoseconds under "<name>_ns" plus a
	// "<name>_count" counter, enough for mean latency without histograms.
}

func NewAtomic() *Atomic {
	return &Atomic{counters: make(map[string]*atomic.Uint64)}
}

func (a *Atomic) counter(name string) *atomic.Uint64 {
	a.mu.RLock()
	c, ok := a.counters[name]
	a.mu.RUnlock()
	if ok {
		return c
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok = a.counters[name]; ok {
		return c
	}
	c = new(atomic.Uint64)
	a.counters[name] = c
	return c
}

func (a *Atomic) IncCounter(name string, delta uint64) {
	a.counter(name).Add(delta)
}

func (a *Atomic) ObserveDuration(name string, d time.Duration) {
	a.counter(name + "_ns").Add(uint64(d.Nanoseconds()))
	a.counter(name + "_count").Add(1)
}

// Counter reads a counter's current value.
func (a *Atomic) Counter(name string) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if c, ok := a.counters[name]; ok {
		return c.Load()
	}
	return 0
}
