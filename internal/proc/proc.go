// Package proc implements component F: the process model (spec.md §3,
// §4.F). Adapted from the teacher's proc/proc.go Proc_t and its
// hashtable-backed ptable_t (here internal/hashtable, generified) in
// place of a bare Go map so process lookups go through the same
// bucket-locked table idiom the rest of the kernel uses.
package proc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/d7kernel/d7kernel/internal/defs"
	"github.com/d7kernel/d7kernel/internal/hashtable"
	"github.com/d7kernel/d7kernel/internal/vm"
)

// Kind enumerates spec.md §3's Process run states.
type Kind int

const (
	Runnable Kind = iota
	Sleeping
	WaitingOnIPC
	WaitingOnExit
	Terminated
)

// State is the tagged run-state variant (spec.md §3: "current run state
// (∈ {Runnable, Sleeping(until_ns), WaitingOnIPC(sub_set),
// WaitingOnExit(pid_set), Terminated(status)})"). Only the fields
// relevant to Kind are meaningful.
type State struct {
	Kind     Kind
	WakeAtNS uint64
	Subs     []defs.SubId_t
	Pids     []defs.Pid_t
	Status   int
}

// Process is one running (or blocked, or terminated-but-unreaped) unit.
type Process struct {
	Pid  defs.Pid_t
	Name string
	AS   *vm.AddressSpace

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	// pids of processes that called Wait on us and are parked until we
	// terminate (spec.md §4.F: "concurrent waiters all wake").
	exitWaiters []defs.Pid_t
}

func newProcess(pid defs.Pid_t, name string, as *vm.AddressSpace) *Process {
	p := &Process{Pid: pid, Name: name, AS: as, state: State{Kind: Runnable}}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// State returns a copy of the process's current run state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// setState transitions the process's state and wakes anyone parked on
// its condition variable (the scheduler or the process's own blocked
// syscall, depending on who's waiting).
func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.cond.Broadcast()
	p.mu.Unlock()
}

// parkUntil blocks the calling goroutine (standing in for "this process's
// thread of control", spec.md §9's coroutine-shaped control flow note)
// until the process's Kind is no longer any of the given blocking kinds.
func (p *Process) parkUntil(notKinds ...Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for blocking(p.state.Kind, notKinds) {
		p.cond.Wait()
	}
}

func blocking(k Kind, of []Kind) bool {
	for _, o := range of {
		if k == o {
			return true
		}
	}
	return false
}

// Table is the process-wide process table (spec.md §3 "ptable"),
// adapted from the teacher's ptable_t.
type Table struct {
	ht      *hashtable.Table[defs.Pid_t, *Process]
	nextPid uint64
}

func NewTable() *Table {
	return &Table{
		ht: hashtable.New[defs.Pid_t, *Process](256, func(p defs.Pid_t) uint64 { return uint64(p) }),
	}
}

// allocPid returns a fresh, never-reused pid (spec.md §3: "pid (monotonic
// u64, never reused)").
func (t *Table) allocPid() defs.Pid_t {
	return defs.Pid_t(atomic.AddUint64(&t.nextPid, 1))
}

// Create registers a new process backed by as, in the Runnable state
// (spec.md §4.F: exec "inserts the process into the Runnable queue").
// Inserting into the scheduler's actual runnable queue is the caller's
// (internal/sched's) job; Create only allocates the pid and the table
// entry.
func (t *Table) Create(name string, as *vm.AddressSpace) *Process {
	pid := t.allocPid()
	p := newProcess(pid, name, as)
	t.ht.Set(pid, p)
	return p
}

// Get looks up a process by pid.
func (t *Table) Get(pid defs.Pid_t) (*Process, bool) {
	return t.ht.Get(pid)
}

// Exit transitions p to Terminated(status), wakes any processes parked
// in Wait on it, and notifies p's own cond so any syscall it had blocked
// in observes the termination too. Subscriptions and capabilities are
// torn down by the caller before Exit (internal/syscall's killProcess,
// internal/trap's killFaulted); frames are reclaimed later by
// ReapTerminated, which internal/sched's Tick calls (spec.md §4.F).
func (t *Table) Exit(pid defs.Pid_t, status int) error {
	p, ok := t.Get(pid)
	if !ok {
		return defs.ENotFound
	}
	p.mu.Lock()
	if p.state.Kind == Terminated {
		// Already dead (e.g. proc_kill racing a concurrent voluntary
		// exit, or a second kill): keep the first status rather than
		// overwriting it.
		p.mu.Unlock()
		return nil
	}
	waiters := p.exitWaiters
	p.exitWaiters = nil
	p.state = State{Kind: Terminated, Status: status}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, wpid := range waiters {
		if w, ok := t.Get(wpid); ok {
			w.setState(State{Kind: Runnable, Status: status})
		}
	}
	return nil
}

// RegisterWaiter parks waiter on target's exit: if target is already
// Terminated, returns its status immediately; otherwise records waiter
// in target's waiter list and leaves waiter's state unchanged (setting
// WaitingOnExit and parking are done by internal/sched's BlockOnWait).
func (t *Table) RegisterWaiter(target, waiter defs.Pid_t) (status int, already bool, err error) {
	tp, ok := t.Get(target)
	if !ok {
		return 0, false, defs.ENotFound
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.state.Kind == Terminated {
		return tp.state.Status, true, nil
	}
	tp.exitWaiters = append(tp.exitWaiters, waiter)
	return 0, false, nil
}

// Park blocks the calling goroutine until p leaves the given blocking
// state (used by internal/sched once it has set p's state to Sleeping,
// WaitingOnIPC or WaitingOnExit).
func (p *Process) Park(kind Kind) {
	p.parkUntil(kind)
}

// Wake transitions p back to Runnable and releases anything parked on it.
func (p *Process) Wake() {
	p.setState(State{Kind: Runnable})
}

// SetBlocked records p's new blocking state without waking anything
// (used right before the caller parks on it).
func (p *Process) SetBlocked(s State) {
	p.setState(s)
}

func (p *Process) String() string {
	return fmt.Sprintf("proc(pid=%d,name=%q)", p.Pid, p.Name)
}

// Iter visits every live table entry.
func (t *Table) Iter(f func(*Process) bool) {
	t.ht.Iter(func(_ defs.Pid_t, p *Process) bool { return f(p) })
}

// Remove deletes pid's table entry outright (called once the scheduler
// has reclaimed its address space and no one is waiting on it).
func (t *Table) Remove(pid defs.Pid_t) {
	t.ht.Del(pid)
}

// ReapTerminated reclaims every currently Terminated process's address
// space and drops its table entry (spec.md §3: "destroyed when terminated
// and no one is waiting on it"; spec.md §4.F: a terminated process's
// frames are freed "after the scheduler has switched away"). Called from
// internal/sched's Tick, one scheduler pass after Exit — any waiter
// registered before exit has already been woken with its status by Exit
// itself, synchronously, so by the time this runs there is nothing left
// for a lookup on pid to observe.
func (t *Table) ReapTerminated() {
	var dead []*Process
	t.Iter(func(p *Process) bool {
		if p.State().Kind == Terminated {
			dead = append(dead, p)
		}
		return true
	})
	for _, p := range dead {
		p.AS.UnmapAll()
		t.Remove(p.Pid)
	}
}
