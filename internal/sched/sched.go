// Package sched implements component G: the tickless round-robin
// scheduler (spec.md §4.G). The teacher (mit-pdos-biscuit) has no
// scheduler package of its own — each Proc_t's threads ARE goroutines,
// and "scheduling" is simply the Go runtime's job, with cooperative
// doomed/killed checks standing in for preemption. Since this hosted
// simulation represents blocking syscalls the same way (each caller
// parks on its own Process's condition variable, internal/proc), the
// queue bookkeeping here is grounded instead on the original Rust
// implementation's multitasking/scheduler.rs and multitasking/queues.rs
// (Queues.running VecDeque + Queues.sleeping sorted-by-wakeup structure,
// Queues.tick draining due sleepers into running) — translated from a
// VecDeque/manual-insert priority queue into the kernel's own
// internal/rbtree and internal/circbuf building blocks.
package sched

import (
	"sync"

	"github.com/d7kernel/d7kernel/internal/clock"
	"github.com/d7kernel/d7kernel/internal/circbuf"
	"github.com/d7kernel/d7kernel/internal/defs"
	"github.com/d7kernel/d7kernel/internal/proc"
	"github.com/d7kernel/d7kernel/internal/rbtree"
)

// sleeper is one entry in the wake-time-ordered tree (spec.md §4.G:
// "sleepers kept in a min-structure ordered by wake time").
type sleeper struct {
	wakeAtNS uint64
	pid      defs.Pid_t
}

func sleeperLess(a, b sleeper) bool {
	if a.wakeAtNS != b.wakeAtNS {
		return a.wakeAtNS < b.wakeAtNS
	}
	return a.pid < b.pid
}

// Scheduler owns the runnable FIFO, the sleepers tree, the IPC-wait
// index, and the IRQ-driven wake ring (spec.md §4.G / §3 ScheduleQueue).
type Scheduler struct {
	mu sync.Mutex

	procs *proc.Table
	clk   *clock.Clock

	runq     []defs.Pid_t
	sleepers *rbtree.Tree[sleeper]
	ipcWait  map[defs.SubId_t][]defs.Pid_t

	// irqWake carries pids woken from interrupt context (spec.md §4.D:
	// "IRQ handlers only enqueue a wake request; the scheduler applies it
	// on its next pass") so Tick can apply them without taking a lock
	// from inside an interrupt handler.
	irqWake *circbuf.SPSC
}

func New(procs *proc.Table, clk *clock.Clock) *Scheduler {
	return &Scheduler{
		procs:    procs,
		clk:      clk,
		sleepers: rbtree.New[sleeper](sleeperLess),
		ipcWait:  make(map[defs.SubId_t][]defs.Pid_t),
		irqWake:  circbuf.NewSPSC(1024),
	}
}

// AddRunnable appends pid to the back of the run queue (spec.md §4.F:
// exec "inserts the process into the Runnable queue").
func (s *Scheduler) AddRunnable(pid defs.Pid_t) {
	s.mu.Lock()
	s.runq = append(s.runq, pid)
	s.mu.Unlock()
}

// Select pops the next runnable pid, round robin (spec.md §4.G /
// §8 fairness scenario: "every Runnable process is scheduled at least
// once every N quanta").
func (s *Scheduler) Select() (defs.Pid_t, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runq) == 0 {
		return 0, false
	}
	pid := s.runq[0]
	s.runq = s.runq[1:]
	return pid, true
}

// Yield re-enqueues the calling process at the back of the run queue,
// giving up its turn for one round (spec.md §4.G yield operation).
func (s *Scheduler) Yield(pid defs.Pid_t) {
	s.AddRunnable(pid)
}

// SleepNS blocks the caller until at least durationNS has elapsed on the
// kernel clock (spec.md §4.G sleep_ns). The caller's own goroutine parks;
// Tick must be driven (by cmd/kernel's idle loop, in the booted kernel)
// for it to ever wake.
func (s *Scheduler) SleepNS(pid defs.Pid_t, durationNS uint64) error {
	p, ok := s.procs.Get(pid)
	if !ok {
		return defs.ENotFound
	}
	wake := s.clk.NowNS() + durationNS
	s.mu.Lock()
	s.sleepers.Insert(sleeper{wakeAtNS: wake, pid: pid})
	s.mu.Unlock()

	p.SetBlocked(proc.State{Kind: proc.Sleeping, WakeAtNS: wake})
	p.Park(proc.Sleeping)
	return nil
}

// Tick drains every sleeper whose wake time has passed and every pid
// queued by NotifyIRQ, moving them back to Runnable (spec.md §4.G: the
// tickless model rearms the LAPIC one-shot for the earliest of these two
// sources, so Tick's caller is expected to inspect NextDeadline after
// calling Tick to decide the next arm time).
func (s *Scheduler) Tick(nowNS uint64) {
	s.mu.Lock()
	var due []sleeper
	s.sleepers.InOrder(func(sl sleeper) bool {
		if sl.wakeAtNS > nowNS {
			return false
		}
		due = append(due, sl)
		return true
	})
	for _, sl := range due {
		s.sleepers.Remove(sl)
	}
	var irqPids []defs.Pid_t
	for _, v := range s.irqWake.Drain() {
		irqPids = append(irqPids, defs.Pid_t(v))
	}
	s.mu.Unlock()

	for _, sl := range due {
		s.wakeAndRun(sl.pid)
	}
	for _, pid := range irqPids {
		s.wakeAndRun(pid)
	}

	// One pass of proc.Table.ReapTerminated per Tick: spec.md §4.F defers
	// freeing a terminated process's frames "until after the scheduler
	// has switched away", which this tickless model treats as its next
	// pass through Tick.
	s.procs.ReapTerminated()
}

func (s *Scheduler) wakeAndRun(pid defs.Pid_t) {
	if p, ok := s.procs.Get(pid); ok {
		p.Wake()
	}
	s.AddRunnable(pid)
}

// NextDeadline reports the earliest pending sleeper's wake time, for
// arming the one-shot LAPIC timer (spec.md §4.G / §4.E "tickless":
// "no periodic tick; the timer is armed only when a deadline exists").
func (s *Scheduler) NextDeadline() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found sleeper
	ok := false
	s.sleepers.InOrder(func(sl sleeper) bool {
		found = sl
		ok = true
		return false
	})
	return found.wakeAtNS, ok
}

// NotifyIRQ queues pid to be made runnable on the next Tick, safe to call
// from interrupt context (no locking, lock-free SPSC ring).
func (s *Scheduler) NotifyIRQ(pid defs.Pid_t) bool {
	return s.irqWake.Push(uint64(pid))
}

// BlockOnIPC parks pid until WakeIPC is called with one of subs (spec.md
// §4.G block_on_ipc, §4.I IPC delivery to a blocked receiver).
func (s *Scheduler) BlockOnIPC(pid defs.Pid_t, subs []defs.SubId_t) error {
	p, ok := s.procs.Get(pid)
	if !ok {
		return defs.ENotFound
	}
	s.mu.Lock()
	for _, sub := range subs {
		s.ipcWait[sub] = append(s.ipcWait[sub], pid)
	}
	s.mu.Unlock()

	p.SetBlocked(proc.State{Kind: proc.WaitingOnIPC, Subs: subs})
	p.Park(proc.WaitingOnIPC)
	return nil
}

// WakeIPC wakes every process parked on sub, removing them from the
// index and any other subscription they were jointly waiting on.
func (s *Scheduler) WakeIPC(sub defs.SubId_t) []defs.Pid_t {
	s.mu.Lock()
	pids := s.ipcWait[sub]
	delete(s.ipcWait, sub)
	for key, waiters := range s.ipcWait {
		s.ipcWait[key] = removeAll(waiters, pids)
	}
	s.mu.Unlock()

	for _, pid := range pids {
		if p, ok := s.procs.Get(pid); ok {
			p.Wake()
		}
	}
	return pids
}

func removeAll(from, remove []defs.Pid_t) []defs.Pid_t {
	if len(remove) == 0 {
		return from
	}
	rm := make(map[defs.Pid_t]bool, len(remove))
	for _, p := range remove {
		rm[p] = true
	}
	out := from[:0]
	for _, p := range from {
		if !rm[p] {
			out = append(out, p)
		}
	}
	return out
}

// BlockOnWait parks waiter until target exits, returning its status
// (spec.md §4.F wait, §4.G block_on_wait). Returns immediately if target
// has already terminated.
func (s *Scheduler) BlockOnWait(waiter, target defs.Pid_t) (int, error) {
	status, already, err := s.procs.RegisterWaiter(target, waiter)
	if err != nil {
		return 0, err
	}
	if already {
		return status, nil
	}
	p, ok := s.procs.Get(waiter)
	if !ok {
		return 0, defs.ENotFound
	}
	p.SetBlocked(proc.State{Kind: proc.WaitingOnExit, Pids: []defs.Pid_t{target}})
	p.Park(proc.WaitingOnExit)
	return p.State().Status, nil
}

// RunQueueLen reports the number of currently-runnable pids, used by
// fairness tests.
func (s *Scheduler) RunQueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runq)
}
