// Command selftest boots a complete kernel in-process and drives the
// concrete scenarios spec.md §8 names as the seed for a test suite,
// writing "Self-test successful" to the serial console (internal/klog)
// if every one passes. Grounded on the teacher's kernel/tests.go, which
// runs its scenarios as plain functions called from a dedicated main
// rather than go test — the same shape here, since these scenarios
// exercise multiple independently-scheduled processes and want direct
// control over interleaving that *testing.T's single goroutine model
// doesn't give.
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/d7kernel/d7kernel/internal/capability"
	"github.com/d7kernel/d7kernel/internal/clock"
	"github.com/d7kernel/d7kernel/internal/defs"
	"github.com/d7kernel/d7kernel/internal/ipc"
	"github.com/d7kernel/d7kernel/internal/klog"
	"github.com/d7kernel/d7kernel/internal/mem"
	"github.com/d7kernel/d7kernel/internal/proc"
	"github.com/d7kernel/d7kernel/internal/sched"
	"github.com/d7kernel/d7kernel/internal/syscall"
	"github.com/d7kernel/d7kernel/internal/trap"
	"github.com/d7kernel/d7kernel/internal/vm"
)

// env bundles one freshly-booted kernel, the same subsystems cmd/kernel
// wires at boot (spec.md §9's init order), so each scenario runs against
// its own isolated world.
type env struct {
	k      *syscall.Kernel
	procs  *proc.Table
	vmgr   *vm.Manager
	bus    *ipc.Bus
	caps   *capability.Registry
	sched  *sched.Scheduler
}

func newEnv() *env {
	frames, err := mem.NewAllocator([]mem.Region{{Base: 0, Len: 64 << 20}}, nil)
	must(err)
	vmgr := vm.NewManager(frames)
	procs := proc.NewTable()
	s := sched.New(procs, clock.NewWithHz(1_000_000_000))
	bus := ipc.New(procs, s)
	caps, err := capability.NewRegistry()
	must(err)
	k := syscall.New(procs, s, vmgr, frames, bus, caps)
	d := trap.New(procs, s)
	d.SetIPCBus(bus)
	d.SetCapabilities(caps)
	k.Install(d)
	return &env{k: k, procs: procs, vmgr: vmgr, bus: bus, caps: caps, sched: s}
}

func (e *env) newProcess(name string) *proc.Process {
	as, err := e.vmgr.NewAddressSpace()
	must(err)
	return e.procs.Create(name, as)
}

// userBuf maps one anonymous user read-write page at base in p's address
// space, for scenarios that need a scratch buffer to pass pointers into.
func userBuf(p *proc.Process, base uintptr) uintptr {
	_, err := p.AS.Map(base, defs.PageSize2M, vm.Flags{Read: true, Write: true, User: true}, vm.BackingAnon)
	must(err)
	return base
}

func frame(sysno, a1, a2, a3, a4 uint64) *trap.Frame {
	f := &trap.Frame{}
	f[defs.TF_RAX] = sysno
	f[defs.TF_RDI] = a1
	f[defs.TF_RSI] = a2
	f[defs.TF_RDX] = a3
	f[defs.TF_RCX] = a4
	return f
}

func must(err error) {
	if err != nil {
		klog.Panic("selftest setup: %v", err)
	}
}

func fail(scenario string, format string, args ...interface{}) {
	klog.Panic("scenario %s failed: %s", scenario, fmt.Sprintf(format, args...))
}

func main() {
	scenarioExecExitWait()
	scenarioIPCFIFO()
	scenarioReliableDeliverNacked()
	scenarioSleepAccuracy()
	scenarioBothWaitersWake()
	scenarioBadPointer()

	klog.Printf("Self-test successful\n")
}

// scenarioExecExitWait is spec.md §8 scenario 1. The hosted model has no
// CPU to execute a loaded ELF image's instructions (spec.md §9 Open
// Question (b)), so "the new process prints hello via debug_print and
// exits 0" is driven directly through the syscall ABI on the child pid
// sys_exec would have produced, then the parent's wait path is exercised
// through the same RegisterWaiter machinery sys_exec's caller would use.
func scenarioExecExitWait() {
	e := newEnv()
	parent := e.newProcess("pid1")
	child := e.newProcess("child")
	if child.Pid < 2 {
		fail("1", "expected new pid >= 2, got %d", child.Pid)
	}

	base := userBuf(child, 0x1000_0000)
	msg := []byte("hello")
	must(child.AS.WriteAt(base, msg))

	var out bytes.Buffer
	klog.SetOutput(&out)
	f := frame(defs.SYS_DEBUG_PRINT, uint64(base), uint64(len(msg)), 0, 0)
	e.k.HandleSyscall(child.Pid, f)
	klog.SetOutput(os.Stdout)
	if f[defs.TF_RAX] != 1 {
		fail("1", "debug_print failed: %v", defs.Err_t(f[defs.TF_RDI]))
	}
	if !bytes.Contains(out.Bytes(), msg) {
		fail("1", "console did not receive %q", msg)
	}

	_, _, err := e.procs.RegisterWaiter(child.Pid, parent.Pid)
	must(err)
	ef := frame(defs.SYS_EXIT, 0, 0, 0, 0)
	e.k.HandleSyscall(child.Pid, ef)
	status, already, err := e.procs.RegisterWaiter(child.Pid, parent.Pid)
	must(err)
	if !already || status != 0 {
		fail("1", "expected wait to report status 0, got already=%v status=%d", already, status)
	}
}

// scenarioIPCFIFO is spec.md §8 scenario 2.
func scenarioIPCFIFO() {
	e := newEnv()
	sub := e.newProcess("A")
	pub := e.newProcess("B")

	filter := []byte("chan/*")
	filterBuf := userBuf(sub, 0x1000_0000)
	must(sub.AS.WriteAt(filterBuf, filter))
	sf := frame(defs.SYS_IPC_SUBSCRIBE, uint64(filterBuf), uint64(len(filter)), 0, 0)
	e.k.HandleSyscall(sub.Pid, sf)
	if sf[defs.TF_RAX] != 1 {
		fail("2", "ipc_subscribe failed: %v", defs.Err_t(sf[defs.TF_RDI]))
	}
	subID := sf[defs.TF_RDI]

	recvBuf := userBuf(sub, 0x1400_0000)
	done := make(chan *trap.Frame, 1)
	go func() {
		rf := frame(defs.SYS_IPC_RECEIVE, subID, uint64(recvBuf), defs.PageSize2M, 0)
		e.k.HandleSyscall(sub.Pid, rf)
		done <- rf
	}()
	time.Sleep(10 * time.Millisecond)

	topic := []byte("chan/x")
	payload := []byte{0xDE, 0xAD}
	topicBuf := userBuf(pub, 0x1000_0000)
	dataBuf := userBuf(pub, 0x1400_0000)
	must(pub.AS.WriteAt(topicBuf, topic))
	must(pub.AS.WriteAt(dataBuf, payload))
	pf := frame(defs.SYS_IPC_PUBLISH, uint64(topicBuf), uint64(len(topic)), uint64(dataBuf), uint64(len(payload)))
	e.k.HandleSyscall(pub.Pid, pf)
	if pf[defs.TF_RAX] != 1 {
		fail("2", "ipc_publish failed: %v", defs.Err_t(pf[defs.TF_RDI]))
	}

	select {
	case rf := <-done:
		if rf[defs.TF_RAX] != 1 {
			fail("2", "ipc_receive failed")
		}
		got := make([]byte, rf[defs.TF_RDI])
		must(sub.AS.ReadAt(got, recvBuf))
		if !bytes.Equal(got, payload) {
			fail("2", "got payload %x, want %x", got, payload)
		}
	case <-time.After(2 * time.Second):
		fail("2", "ipc_receive never unblocked")
	}
}

// scenarioReliableDeliverNacked is spec.md §8 scenario 3: a reliable
// publish whose sole subscriber acknowledges false fails the sender.
func scenarioReliableDeliverNacked() {
	e := newEnv()
	sub := e.newProcess("B")
	sender := e.newProcess("A")

	topic := []byte("t")
	filterBuf := userBuf(sub, 0x1000_0000)
	must(sub.AS.WriteAt(filterBuf, topic))
	sf := frame(defs.SYS_IPC_SUBSCRIBE, uint64(filterBuf), uint64(len(topic)), 1, 0)
	e.k.HandleSyscall(sub.Pid, sf)
	if sf[defs.TF_RAX] != 1 {
		fail("3", "ipc_subscribe failed: %v", defs.Err_t(sf[defs.TF_RDI]))
	}
	subID := sf[defs.TF_RDI]

	recvBuf := userBuf(sub, 0x1400_0000)
	gotAck := make(chan uint64, 1)
	go func() {
		// The trailing 8 bytes after the payload carry the AckId
		// (sysIPCReceive's reliable-mode trailer convention).
		rf := frame(defs.SYS_IPC_RECEIVE, subID, uint64(recvBuf), defs.PageSize2M, 0)
		e.k.HandleSyscall(sub.Pid, rf)
		if rf[defs.TF_RAX] != 1 {
			fail("3", "ipc_receive failed")
		}
		n := rf[defs.TF_RDI]
		trailer := make([]byte, 8)
		must(sub.AS.ReadAt(trailer, recvBuf+uintptr(n)))
		gotAck <- binary.LittleEndian.Uint64(trailer)
	}()
	time.Sleep(10 * time.Millisecond)

	topicBuf := userBuf(sender, 0x1000_0000)
	dataBuf := userBuf(sender, 0x1400_0000)
	must(sender.AS.WriteAt(topicBuf, topic))
	payload := []byte("now")
	must(sender.AS.WriteAt(dataBuf, payload))
	deliverDone := make(chan *trap.Frame, 1)
	go func() {
		df := frame(defs.SYS_IPC_DELIVER, uint64(topicBuf), uint64(len(topic)), uint64(dataBuf), uint64(len(payload)))
		e.k.HandleSyscall(sender.Pid, df)
		deliverDone <- df
	}()

	var ackID uint64
	select {
	case ackID = <-gotAck:
	case <-time.After(2 * time.Second):
		fail("3", "subscriber never received the reliable message")
	}
	af := frame(defs.SYS_IPC_ACKNOWLEDGE, subID, ackID, 0, 0) // okResult=0: nack
	e.k.HandleSyscall(sub.Pid, af)
	if af[defs.TF_RAX] != 1 {
		fail("3", "ipc_acknowledge failed: %v", defs.Err_t(af[defs.TF_RDI]))
	}

	select {
	case df := <-deliverDone:
		if df[defs.TF_RAX] != 0 {
			fail("3", "expected ipc_deliver to fail after a nack")
		}
	case <-time.After(2 * time.Second):
		fail("3", "ipc_deliver never unblocked after nack")
	}
}

// scenarioSleepAccuracy is spec.md §8 scenario 4: sleep_ns(d) wakes the
// caller at >= now+d and < now+d+one_quantum. Driven the way
// internal/sched's own TestSleepWakesAtDeadline does: tick exactly at the
// reported deadline rather than polling real wall-clock time, since the
// scheduler's notion of "now" is the simulated clock, not the host's.
func scenarioSleepAccuracy() {
	e := newEnv()
	p := e.newProcess("A")
	const durationNS = 1_000_000

	woke := make(chan struct{})
	go func() {
		f := frame(defs.SYS_SCHED_SLEEP_NS, durationNS, 0, 0, 0)
		e.k.HandleSyscall(p.Pid, f)
		close(woke)
	}()
	time.Sleep(5 * time.Millisecond) // let the goroutine reach Park

	deadline, ok := e.sched.NextDeadline()
	if !ok {
		fail("4", "expected a pending sleeper after sleep_ns")
	}
	e.sched.Tick(deadline - 1)
	select {
	case <-woke:
		fail("4", "woke one nanosecond before its deadline")
	case <-time.After(20 * time.Millisecond):
	}

	e.sched.Tick(deadline)
	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		fail("4", "sleep_ns never returned at its deadline")
	}
}

// scenarioBothWaitersWake is spec.md §8 scenario 5.
func scenarioBothWaitersWake() {
	e := newEnv()
	a := e.newProcess("A")
	b := e.newProcess("B")
	c := e.newProcess("C")

	_, _, err := e.procs.RegisterWaiter(c.Pid, a.Pid)
	must(err)
	_, _, err = e.procs.RegisterWaiter(c.Pid, b.Pid)
	must(err)

	f := frame(defs.SYS_EXIT, 42, 0, 0, 0)
	e.k.HandleSyscall(c.Pid, f)

	statusA, alreadyA, err := e.procs.RegisterWaiter(c.Pid, a.Pid)
	must(err)
	statusB, alreadyB, err := e.procs.RegisterWaiter(c.Pid, b.Pid)
	must(err)
	if !alreadyA || statusA != 42 {
		fail("5", "A: expected status 42, got already=%v status=%d", alreadyA, statusA)
	}
	if !alreadyB || statusB != 42 {
		fail("5", "B: expected status 42, got already=%v status=%d", alreadyB, statusB)
	}
}

// scenarioBadPointer is spec.md §8 scenario 6.
func scenarioBadPointer() {
	e := newEnv()
	a := e.newProcess("A")

	f := frame(defs.SYS_DEBUG_PRINT, 0xdead_0000, 16, 0, 0)
	e.k.HandleSyscall(a.Pid, f)
	if f[defs.TF_RAX] != 0 {
		fail("6", "expected failure for unmapped pointer")
	}
	if defs.Err_t(f[defs.TF_RDI]) != defs.EBadPointer {
		fail("6", "expected EBadPointer, got %v", defs.Err_t(f[defs.TF_RDI]))
	}
	if a.State().Kind == proc.Terminated {
		fail("6", "process A should remain alive")
	}
}
