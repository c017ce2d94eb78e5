package circbuf

import "sync/atomic"

// SPSC is a lock-free single-producer/single-consumer ring, used for the
// IRQ-context pending-wake ring spec.md §4.G and §5 describe: "IRQ
// handlers therefore run with interrupts off and must do bounded work,
// posting wake-ups to lock-free rings drained by the scheduler." Push is
// meant to be called from the (simulated) interrupt path; Drain from the
// scheduler with interrupts briefly disabled.
type SPSC struct {
	buf  []uint64
	head uint64 // consumer-owned
	tail uint64 // producer-owned
}

func NewSPSC(cap int) *SPSC {
	return &SPSC{buf: make([]uint64, cap)}
}

// Push posts a value (e.g. a pid as uint64). Returns false if full; IRQ
// producers must not block, so a full ring simply drops the duplicate
// wake (the scheduler re-evaluates every timer tick regardless).
func (s *SPSC) Push(v uint64) bool {
	tail := atomic.LoadUint64(&s.tail)
	head := atomic.LoadUint64(&s.head)
	if tail-head >= uint64(len(s.buf)) {
		return false
	}
	s.buf[tail%uint64(len(s.buf))] = v
	atomic.StoreUint64(&s.tail, tail+1)
	return true
}

// Drain removes and returns every pending value, oldest first.
func (s *SPSC) Drain() []uint64 {
	tail := atomic.LoadUint64(&s.tail)
	head := atomic.LoadUint64(&s.head)
	if head == tail {
		return nil
	}
	out := make([]uint64, 0, tail-head)
	for ; head != tail; head++ {
		out = append(out, s.buf[head%uint64(len(s.buf))])
	}
	atomic.StoreUint64(&s.head, head)
	return out
}
