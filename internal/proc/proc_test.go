package proc

import (
	"testing"
	"time"

	"github.com/d7kernel/d7kernel/internal/defs"
	"github.com/d7kernel/d7kernel/internal/mem"
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

func TestCreateAssignsMonotonicPids(t *testing.T) {
	tbl := NewTable()
	as := freshAS(t)
	p1 := tbl.Create("a", as)
	p2 := tbl.Create("b", as)
	if p2.Pid <= p1.Pid {
		t.Fatalf("expected monotonically increasing pids, got %d then %d", p1.Pid, p2.Pid)
	}
	if got, ok := tbl.Get(p1.Pid); !ok || got != p1 {
		t.Fatalf("Get(%d) did not return the created process", p1.Pid)
	}
}

// TestBothWaitersWakeWithSameStatus is spec.md §8 scenario 5: A and B both
// wait on C; C exits(42); both wake with status 42.
func TestBothWaitersWakeWithSameStatus(t *testing.T) {
	tbl := NewTable()
	as := freshAS(t)
	a := tbl.Create("A", as)
	b := tbl.Create("B", as)
	c := tbl.Create("C", as)

	if _, already, err := tbl.RegisterWaiter(c.Pid, a.Pid); err != nil || already {
		t.Fatalf("RegisterWaiter(a on c) = already=%v err=%v", already, err)
	}
	if _, already, err := tbl.RegisterWaiter(c.Pid, b.Pid); err != nil || already {
		t.Fatalf("RegisterWaiter(b on c) = already=%v err=%v", already, err)
	}
	a.SetBlocked(State{Kind: WaitingOnExit, Pids: []defs.Pid_t{c.Pid}})
	b.SetBlocked(State{Kind: WaitingOnExit, Pids: []defs.Pid_t{c.Pid}})

	done := make(chan int64, 2)
	go func() { a.Park(WaitingOnExit); s := a.State(); done <- int64(s.Status) }()
	go func() { b.Park(WaitingOnExit); s := b.State(); done <- int64(s.Status) }()

	time.Sleep(10 * time.Millisecond) // let both goroutines reach Park

	if err := tbl.Exit(c.Pid, 42); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case status := <-done:
			if status != 42 {
				t.Fatalf("waiter woke with status %d, want 42", status)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never woke", i)
		}
	}
}

func TestRegisterWaiterOnAlreadyExitedReturnsImmediately(t *testing.T) {
	tbl := NewTable()
	as := freshAS(t)
	c := tbl.Create("C", as)
	w := tbl.Create("W", as)
	if err := tbl.Exit(c.Pid, 7); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	status, already, err := tbl.RegisterWaiter(c.Pid, w.Pid)
	if err != nil {
		t.Fatalf("RegisterWaiter: %v", err)
	}
	if !already {
		t.Fatalf("expected already=true for a process that already exited")
	}
	if status != 7 {
		t.Fatalf("status = %d, want 7", status)
	}
}

func TestWaitOnUnknownPidFails(t *testing.T) {
	tbl := NewTable()
	if _, _, err := tbl.RegisterWaiter(999, 1); err == nil {
		t.Fatalf("expected error waiting on an unknown pid")
	}
}

// TestReapTerminatedUnmapsAndRemoves is the regression test for the dead
// Table.Remove/leaked-frames gap (spec.md §3: a terminated process is
// "destroyed when terminated and no one is waiting on it"; spec.md §4.F:
// its frames are freed "after the scheduler has switched away"). d is
// given its own AddressSpace, not freshAS's shared one, since UnmapAll
// would otherwise tear down regions siblings still own.
func TestReapTerminatedUnmapsAndRemoves(t *testing.T) {
	tbl := NewTable()
	a, err := mem.NewAllocator([]mem.Region{{Base: 0, Len: 64 << 20}}, nil)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	mgr := vm.NewManager(a)
	as, err := mgr.NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	before := a.Free()

	d := tbl.Create("d", as)
	if _, err := as.Map(0x4000_0000, defs.PageSize2M, vm.Flags{Read: true, Write: true, User: true}, vm.BackingAnon); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := a.Free(); got != before-1 {
		t.Fatalf("Free after Map = %d, want %d", got, before-1)
	}

	if err := tbl.Exit(d.Pid, 0); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	tbl.ReapTerminated()

	if got := a.Free(); got != before {
		t.Fatalf("Free after ReapTerminated = %d, want %d (frame not reclaimed)", got, before)
	}
	if _, ok := tbl.Get(d.Pid); ok {
		t.Fatalf("Get(%d) still found the table entry after ReapTerminated", d.Pid)
	}
}
