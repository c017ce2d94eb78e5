// Package trap implements component D: the interrupt/trap dispatcher
// (spec.md §4.D). Grounded on the teacher's two-layer split between
// kernel/main.go's trapstub (the nosplit, no-allocation IRQ demux that
// only wakes a parked goroutine) and common/proc.go's Proc_t.trap_proc
// (the richer per-process dispatch for CPU faults and the syscall
// vector) — this package plays both roles, since the hosted model has no
// separate interrupt stack to keep trapstub's allocation-free discipline
// honest about.
package trap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/d7kernel/d7kernel/internal/capability"
	"github.com/d7kernel/d7kernel/internal/defs"
	"github.com/d7kernel/d7kernel/internal/ipc"
	"github.com/d7kernel/d7kernel/internal/klog"
	"github.com/d7kernel/d7kernel/internal/proc"
	"github.com/d7kernel/d7kernel/internal/sched"
)

// Frame mirrors the teacher's `tf *[TFSIZE]uintptr` trapframe layout
// (defs.TF_* slot constants) rather than a named-field struct, so vector
// number and argument registers are read the same way the teacher's
// trap_proc does.
type Frame [defs.TFSize]uint64

func (f *Frame) Vector() uint64    { return f[defs.TF_Trap] }
func (f *Frame) Arg(slot int) uint64 { return f[slot] }
func (f *Frame) SetReturn(v uint64)  { f[defs.TF_RAX] = v }

// SyscallHandler dispatches a syscall trap (spec.md §4.H); wired by
// internal/syscall via Dispatcher.SetSyscallHandler to avoid an import
// cycle (syscall depends on trap's Frame type, not the reverse).
type SyscallHandler func(pid defs.Pid_t, f *Frame)

// IRQPublisher publishes an IPC notification; satisfied by
// (*ipc.Bus).Publish, injected the same way as SyscallHandler.
type IRQPublisher func(topic string, payload []byte)

// Dispatcher routes every trap vector to its handler (spec.md §4.D).
type Dispatcher struct {
	mu       sync.Mutex
	irqOwner map[uint64]defs.Pid_t // vector -> registered handler owner (irq_set_handler)

	procs   *proc.Table
	sched   *sched.Scheduler
	onSys   SyscallHandler
	publish IRQPublisher

	// bus and caps perform the same fault teardown internal/syscall's
	// sysExit does (NotifySubscriberDeath, Drop) for processes that never
	// get a chance to call exit themselves. Wired post-construction (via
	// SetIPCBus/SetCapabilities) rather than threaded through New, to
	// match SetSyscallHandler/SetIRQPublisher's existing late-binding
	// style and avoid forcing trap_test.go's callers to stand up a full
	// bus and registry.
	bus  *ipc.Bus
	caps *capability.Registry

	panicBroadcasts uint64
}

func New(procs *proc.Table, s *sched.Scheduler) *Dispatcher {
	return &Dispatcher{
		irqOwner: make(map[uint64]defs.Pid_t),
		procs:    procs,
		sched:    s,
	}
}

func (d *Dispatcher) SetSyscallHandler(h SyscallHandler) { d.onSys = h }
func (d *Dispatcher) SetIRQPublisher(p IRQPublisher)     { d.publish = p }

// SetIPCBus and SetCapabilities wire the subsystems killFaulted needs to
// tear down a faulting process the same way sysExit tears down a
// voluntary one. A Dispatcher with neither set (trap_test.go's bare
// New(procs, s)) still terminates the process; it just has nothing to
// notify or drop.
func (d *Dispatcher) SetIPCBus(bus *ipc.Bus)                    { d.bus = bus }
func (d *Dispatcher) SetCapabilities(caps *capability.Registry) { d.caps = caps }

// SetIRQHandler implements SYS_IRQ_SET_HANDLER (spec.md §4.H, supplemented
// from the original's registration hook): once vector is bound to owner,
// each time it fires an IPC message is published on "irq/<n>", where n is
// vector minus defs.VecIRQBase, and owner gets a scheduler wake. A vector
// with no bound owner is ignored.
func (d *Dispatcher) SetIRQHandler(vector uint64, owner defs.Pid_t) error {
	if vector < defs.VecIRQBase || vector > defs.VecIRQEnd {
		return defs.EBadArgument
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.irqOwner[vector] = owner
	return nil
}

// Dispatch routes one trapframe, as spec.md §4.D's data flow: "an
// interrupt or syscall instruction enters the trap dispatcher, which...
// routes to the system-call surface or to a hardware IRQ handler."
func (d *Dispatcher) Dispatch(pid defs.Pid_t, f *Frame) {
	switch v := f.Vector(); {
	case v == defs.VecSyscall:
		if d.onSys == nil {
			klog.Panic("trap: syscall vector fired with no handler installed")
		}
		d.onSys(pid, f)

	case v == defs.VecDivZero, v == defs.VecGPFault, v == defs.VecUD:
		// spec.md §4.D: "CPU faults... terminate the faulting process."
		klog.Printf("trap: pid %d faulted (vector %#x), terminating\n", pid, v)
		d.killFaulted(pid, -int(v)-1)

	case v == defs.VecPageFault:
		// A real page fault handler would consult internal/vm for
		// demand paging; this core has no swap or lazy-anon faulting
		// path (spec.md Non-goals: "swapping"), so an unresolved fault
		// is fatal to the faulting process, same as a CPU fault.
		klog.Printf("trap: pid %d page fault, terminating\n", pid)
		d.killFaulted(pid, -int(defs.VecPageFault)-1)

	case v == defs.VecTimer, v == defs.VecLAPICTimer:
		// Nothing to do here: cmd/kernel's idle loop reads "now" from
		// internal/clock, calls internal/sched.Tick and rearms the
		// one-shot timer via internal/arch.ArmTimer, so the clock is not
		// threaded through Dispatcher.

	case v >= defs.VecIRQBase && v <= defs.VecIRQEnd:
		d.handleIRQ(v)

	case v == defs.VecPanicIPI:
		d.BroadcastPanic()

	default:
		klog.Printf("trap: unexpected vector %#x, pid %d\n", v, pid)
	}
}

// killFaulted terminates a process that died from a CPU fault instead of
// calling exit itself, performing the same teardown internal/syscall's
// sysExit does (CancelSender, NotifySubscriberDeath, then Drop) before
// marking it Terminated — otherwise a faulting subscriber's in-flight
// reliable deliveries never see PeerGone (spec.md §4.I), a faulting
// sender's own in-flight reliable deliver is never rolled back (spec.md
// §4.I cancellation), and its capabilities are never released.
func (d *Dispatcher) killFaulted(pid defs.Pid_t, status int) {
	if d.bus != nil {
		d.bus.CancelSender(pid)
		d.bus.NotifySubscriberDeath(pid)
	}
	if d.caps != nil {
		d.caps.Drop(pid)
	}
	d.procs.Exit(pid, status)
}

func (d *Dispatcher) handleIRQ(vector uint64) {
	d.mu.Lock()
	owner, bound := d.irqOwner[vector]
	d.mu.Unlock()
	if !bound {
		return
	}
	if d.publish != nil {
		d.publish(fmt.Sprintf("irq/%d", vector-defs.VecIRQBase), nil)
	}
	// also apply the low-level scheduler wake (spec.md §4.D: "IRQ
	// handlers only enqueue a wake request; the scheduler applies it on
	// its next pass") in case owner is parked directly rather than
	// through IPC.
	d.sched.NotifyIRQ(owner)
}

// BroadcastPanic is the single-core stand-in for the original's AP
// trampoline panic fan-out (spec.md §9 Open Question (c)): with one
// execution core there is nothing else to notify, so this only counts
// the call. A multi-core port would iterate registered APs here and
// send each a real panic IPI.
func (d *Dispatcher) BroadcastPanic() {
	atomic.AddUint64(&d.panicBroadcasts, 1)
}

func (d *Dispatcher) PanicBroadcastCount() uint64 {
	return atomic.LoadUint64(&d.panicBroadcasts)
}
