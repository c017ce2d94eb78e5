package sched

import (
	"testing"
	"time"

	"github.com/d7kernel/d7kernel/internal/clock"
	"github.com/d7kernel/d7kernel/internal/defs"
	"github.com/d7kernel/d7kernel/internal/mem"
	"github.com/d7kernel/d7kernel/internal/proc"
	"github.com/d7kernel/d7kernel/internal/vm"
)

func freshAS(t *testing.T) *vm.AddressSpace {
	t.Helper()
	a, err := mem.NewAllocator([]mem.Region{{Base: 0, Len: 64 << 20}}, nil)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	as, err := vm.NewManager(a).NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	return as
}

// freshClock ticks at 1 cycle per nanosecond, so CyclesFor/NowNS
// arithmetic in tests is exact.
func freshClock(t *testing.T) *clock.Clock {
	t.Helper()
	return clock.NewWithHz(1_000_000_000)
}

// TestFairnessBound is spec.md §8's scheduler fairness property: every
// Runnable process is scheduled at least once every N quanta, where N is
// the number of runnable processes.
func TestFairnessBound(t *testing.T) {
	procs := proc.NewTable()
	as := freshAS(t)
	s := New(procs, freshClock(t))

	const n = 5
	pids := make([]defs.Pid_t, n)
	seen := make(map[defs.Pid_t]bool, n)
	for i := 0; i < n; i++ {
		p := procs.Create("p", as)
		pids[i] = p.Pid
		s.AddRunnable(p.Pid)
	}
	for round := 0; round < n; round++ {
		pid, ok := s.Select()
		if !ok {
			t.Fatalf("round %d: no runnable pid, expected one of %v", round, pids)
		}
		if seen[pid] {
			t.Fatalf("round %d: pid %d scheduled twice before all others ran once", round, pid)
		}
		seen[pid] = true
		s.Yield(pid) // round robin: back of the queue
	}
	if len(seen) != n {
		t.Fatalf("only %d of %d processes were scheduled within one full round", len(seen), n)
	}
}

func TestSleepWakesAtDeadline(t *testing.T) {
	procs := proc.NewTable()
	as := freshAS(t)
	clk := freshClock(t)
	s := New(procs, clk)
	p := procs.Create("sleeper", as)

	woke := make(chan struct{})
	go func() {
		s.SleepNS(p.Pid, 1) // wake at NowNS()+1, effectively "any tick"
		close(woke)
	}()

	time.Sleep(5 * time.Millisecond) // let the goroutine reach Park
	deadline, ok := s.NextDeadline()
	if !ok {
		t.Fatalf("expected a pending sleeper")
	}
	s.Tick(deadline) // exactly at the deadline: must fire

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatalf("sleeper never woke at its deadline")
	}
	if got := p.State().Kind; got != proc.Runnable {
		t.Fatalf("state after wake = %v, want Runnable", got)
	}
}

func TestBlockOnIPCWakesOnMatchingSub(t *testing.T) {
	procs := proc.NewTable()
	as := freshAS(t)
	s := New(procs, freshClock(t))
	p := procs.Create("waiter", as)

	woke := make(chan struct{})
	go func() {
		s.BlockOnIPC(p.Pid, []defs.SubId_t{7, 9})
		close(woke)
	}()
	time.Sleep(5 * time.Millisecond)

	s.WakeIPC(7)
	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatalf("process never woke on matching subscription")
	}
}

func TestBlockOnWaitAlreadyExited(t *testing.T) {
	procs := proc.NewTable()
	as := freshAS(t)
	s := New(procs, freshClock(t))
	target := procs.Create("target", as)
	waiter := procs.Create("waiter", as)

	if err := procs.Exit(target.Pid, 9); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	status, err := s.BlockOnWait(waiter.Pid, target.Pid)
	if err != nil {
		t.Fatalf("BlockOnWait: %v", err)
	}
	if status != 9 {
		t.Fatalf("status = %d, want 9", status)
	}
}

func TestNotifyIRQAppliedOnTick(t *testing.T) {
	procs := proc.NewTable()
	as := freshAS(t)
	s := New(procs, freshClock(t))
	p := procs.Create("irqwoken", as)
	p.SetBlocked(proc.State{Kind: proc.WaitingOnIPC})

	if !s.NotifyIRQ(p.Pid) {
		t.Fatalf("NotifyIRQ rejected")
	}
	s.Tick(0)
	if s.RunQueueLen() != 1 {
		t.Fatalf("RunQueueLen = %d, want 1 after NotifyIRQ+Tick", s.RunQueueLen())
	}
}
