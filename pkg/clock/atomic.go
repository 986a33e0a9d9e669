package clock

import "sync/atomic"

// AtomicClock hands out monotonically increasing sequence numbers.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Store(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

// Observe raises the clock to at least seq. Used during WAL replay, where
// entries may arrive with sequence numbers ahead of the persisted watermark.
func (ac *AtomicClock) Observe(seq uint64) {
	for {
		cur := ac.Load()
		if seq <= cur || ac.CompareAndSwap(cur, seq) {
			return
		}
	}
}
