// Package syscall implements component H: the numbered system-call
// surface (spec.md §4.H). Grounded on the teacher's kernel/syscall.go
// (*syscall_t).Syscall — a single big-switch dispatcher that pulls
// arguments out of fixed trapframe register slots and calls one
// per-number helper — translated here from biscuit's five-register
// (`a1..a5`) convention down to spec.md's four (`rdi,rsi,rdx,rcx`), and
// from biscuit's `_sysbounds` resource-limit table to a flat validate-
// then-dispatch path, since this spec's error taxonomy (§7) has no
// resource-exhaustion code beyond OutOfMemory.
package syscall

import (
	"crypto/rand"
	"encoding/binary"
	"runtime"
	"sync"

	"github.com/d7kernel/d7kernel/internal/capability"
	"github.com/d7kernel/d7kernel/internal/defs"
	"github.com/d7kernel/d7kernel/internal/elfload"
	"github.com/d7kernel/d7kernel/internal/ipc"
	"github.com/d7kernel/d7kernel/internal/kheap"
	"github.com/d7kernel/d7kernel/internal/klog"
	"github.com/d7kernel/d7kernel/internal/mem"
	"github.com/d7kernel/d7kernel/internal/proc"
	"github.com/d7kernel/d7kernel/internal/sched"
	"github.com/d7kernel/d7kernel/internal/trap"
	"github.com/d7kernel/d7kernel/internal/vm"
)

const tokenSize = 8 + 8 + 64 // issuer_pid, cap_id, ed25519 signature (spec.md §4.L)

// Kernel holds every subsystem the syscall surface dispatches into
// (spec.md §2's dependency table: "H depends on G and I", plus the rest
// it reaches transitively through them).
type Kernel struct {
	procs  *proc.Table
	sched  *sched.Scheduler
	vmgr   *vm.Manager
	frames *mem.Allocator
	bus    *ipc.Bus
	caps   *capability.Registry

	heapsMu sync.Mutex
	heaps   map[defs.Pid_t]*kheap.Heap

	mmapMu   sync.Mutex
	mmapNext map[defs.Pid_t]uintptr

	trapD *trap.Dispatcher // set by Install; used by irq_set_handler
}

func New(procs *proc.Table, s *sched.Scheduler, vmgr *vm.Manager, frames *mem.Allocator, bus *ipc.Bus, caps *capability.Registry) *Kernel {
	return &Kernel{
		procs:    procs,
		sched:    s,
		vmgr:     vmgr,
		frames:   frames,
		bus:      bus,
		caps:     caps,
		heaps:    make(map[defs.Pid_t]*kheap.Heap),
		mmapNext: make(map[defs.Pid_t]uintptr),
	}
}

// Install wires Kernel as d's syscall handler and as the publisher IRQ
// handlers forward onto the IPC bus (spec.md §9 init order item
// "scheduler → IPC → services").
func (k *Kernel) Install(d *trap.Dispatcher) {
	k.trapD = d
	d.SetSyscallHandler(k.HandleSyscall)
	d.SetIRQPublisher(k.bus.Publish)
}

// result is the pair written back into rax/rdi on return (spec.md §4.H:
// "Return convention: rax=success boolean, rdi=value or error code").
type result struct {
	rax uint64
	rdi uint64
}

func ok(val uint64) result             { return result{rax: 1, rdi: val} }
func fail(e defs.Err_t) result         { return result{rax: 0, rdi: uint64(e)} }
func raw(rax, rdi uint64) result       { return result{rax: rax, rdi: rdi} }
func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// errc maps an error return from a subsystem method into defs.Err_t.
// Every subsystem in this repo returns either nil or a defs.Err_t value
// through the error interface (spec.md §7's taxonomy); anything else
// (e.g. a wrapped vm/mem error) is reported as BadArgument since it
// always originates from a malformed caller-supplied value here.
func errc(err error) defs.Err_t {
	if err == nil {
		return defs.OK
	}
	if e, ok := err.(defs.Err_t); ok {
		return e
	}
	return defs.EBadArgument
}

func roundUp(v, b uintptr) uintptr { return (v + b - 1) / b * b }

// readUser validates and copies length bytes at ptr out of the caller's
// address space (spec.md §4.H: "the kernel validates that the range lies
// entirely in user-owned... regions... before copying"). A zero-length
// range is accepted only when allowEmpty is set (e.g. an empty IPC
// payload), matching §7's "zero-length slice where not allowed" edge case.
func (k *Kernel) readUser(p *proc.Process, ptr, length uint64, allowEmpty bool) ([]byte, defs.Err_t) {
	if length == 0 {
		if allowEmpty {
			return nil, defs.OK
		}
		return nil, defs.EBadArgument
	}
	if err := p.AS.ValidateRange(uintptr(ptr), uintptr(length), false); err != nil {
		return nil, defs.EBadPointer
	}
	buf := make([]byte, length)
	if err := p.AS.ReadAt(buf, uintptr(ptr)); err != nil {
		return nil, defs.EBadPointer
	}
	return buf, defs.OK
}

// writeUser validates and copies data into the caller's address space at
// ptr. An empty slice is always a no-op.
func (k *Kernel) writeUser(p *proc.Process, ptr uint64, data []byte) defs.Err_t {
	if len(data) == 0 {
		return defs.OK
	}
	if err := p.AS.ValidateRange(uintptr(ptr), uintptr(len(data)), true); err != nil {
		return defs.EBadPointer
	}
	if err := p.AS.WriteAt(uintptr(ptr), data); err != nil {
		return defs.EBadPointer
	}
	return defs.OK
}

// HandleSyscall satisfies trap.SyscallHandler: it is installed via
// Install and invoked by internal/trap's dispatcher on vector 0xd7.
func (k *Kernel) HandleSyscall(pid defs.Pid_t, f *trap.Frame) {
	p, ok2 := k.procs.Get(pid)
	if !ok2 {
		return
	}
	sysno := f.Arg(defs.TF_RAX)
	a1 := f.Arg(defs.TF_RDI)
	a2 := f.Arg(defs.TF_RSI)
	a3 := f.Arg(defs.TF_RDX)
	a4 := f.Arg(defs.TF_RCX)

	if sysno == defs.SYS_EXIT {
		k.sysExit(pid, a1)
		return
	}

	r := k.dispatch(pid, p, sysno, a1, a2, a3, a4)
	f[defs.TF_RAX] = r.rax
	f[defs.TF_RDI] = r.rdi
}

func (k *Kernel) dispatch(pid defs.Pid_t, p *proc.Process, sysno, a1, a2, a3, a4 uint64) result {
	switch sysno {
	case defs.SYS_GET_PID:
		return ok(uint64(pid))
	case defs.SYS_DEBUG_PRINT:
		return k.sysDebugPrint(p, a1, a2)
	case defs.SYS_EXEC:
		return k.sysExec(pid, p, a1, a2, a3, a4)
	case defs.SYS_RANDOM:
		return k.sysRandom(p, a1, a2)
	case defs.SYS_SCHED_YIELD:
		runtime.Gosched()
		return ok(0)
	case defs.SYS_SCHED_SLEEP_NS:
		return fromErr(k.sched.SleepNS(pid, a1))
	case defs.SYS_CAP_VERIFY:
		return k.sysCapVerify(p, a1, a2)
	case defs.SYS_CAP_SIGN, defs.SYS_CAP_EXPORT:
		return k.sysCapSign(pid, p, a1, a2, a3)
	case defs.SYS_CAP_IMPORT:
		return k.sysCapImport(pid, p, a1, a2)
	case defs.SYS_CAP_REDUCE:
		k.caps.Reduce(pid, capability.CapId(a1))
		return ok(0)
	case defs.SYS_CAP_EXEC_REDUCE:
		k.caps.ExecReduce(pid, capability.CapId(a1))
		return ok(0)
	case defs.SYS_CAP_EXEC_CLONE:
		k.caps.ExecClone(pid)
		return ok(0)
	case defs.SYS_IPC_SUBSCRIBE:
		return k.sysIPCSubscribe(pid, p, a1, a2, a3)
	case defs.SYS_IPC_UNSUBSCRIBE:
		return k.sysIPCUnsubscribe(pid, a1)
	case defs.SYS_IPC_PUBLISH:
		return k.sysIPCPublish(p, a1, a2, a3, a4)
	case defs.SYS_IPC_DELIVER:
		return k.sysIPCDeliver(pid, p, a1, a2, a3, a4)
	case defs.SYS_IPC_DELIVER_REPLY:
		return k.sysIPCDeliverReply(pid, p, a1, a2, a3, a4)
	case defs.SYS_IPC_ACKNOWLEDGE:
		return k.sysIPCAcknowledge(pid, p, a1, a2, a3, a4)
	case defs.SYS_IPC_RECEIVE:
		return k.sysIPCReceive(pid, p, a1, a2, a3)
	case defs.SYS_IPC_SELECT:
		return k.sysIPCSelect(pid, p, a1, a2, a3)
	case defs.SYS_KERNEL_LOG_READ:
		return k.sysKernelLogRead(p, a1, a2)
	case defs.SYS_IRQ_SET_HANDLER:
		return k.sysIRQSetHandler(pid, p, a1, a2, a3)
	case defs.SYS_MMAP_PHYSICAL:
		return k.sysMMapPhysical(pid, p, a1, a2, a3)
	case defs.SYS_DMA_ALLOCATE:
		return k.sysDMAAllocate(pid, p, a1, a2, a3)
	case defs.SYS_DMA_FREE:
		return k.sysDMAFree(p, a1)
	case defs.SYS_MEM_ALLOC:
		return k.sysMemAlloc(pid, p, a1)
	case defs.SYS_MEM_DEALLOC:
		return k.sysMemDealloc(pid, p, a1)
	case defs.SYS_MEM_SHARE:
		return k.sysMemShare(p, a1, a2, a3)
	case defs.SYS_PROC_KILL:
		return k.sysProcKill(pid, a1)
	default:
		return fail(defs.EUnsupported)
	}
}

func fromErr(err error) result {
	if err != nil {
		return fail(errc(err))
	}
	return ok(0)
}

// sysExit is spec.md §4.F termination: marks Terminated, wakes any
// waiters, fails pending reliable sends addressed to pid's own
// subscriptions with PeerGone, and drops its capabilities. There is
// nothing left to return a result to.
func (k *Kernel) sysExit(pid defs.Pid_t, status uint64) {
	k.killProcess(pid, int(int32(status)))
}

// killProcess is the teardown shared by voluntary exit (sysExit) and
// proc_kill; internal/trap's killFaulted runs the same sequence itself for
// a process that dies from a fault. It cancels any reliable deliver pid is itself blocked
// sending (spec.md §4.I cancellation: "a blocked reliable sender can be
// aborted by receiving a signal (process termination)"), fails any
// reliable deliver blocked on one of pid's own subscriptions with
// PeerGone, drops pid's capabilities, then marks it Terminated.
func (k *Kernel) killProcess(pid defs.Pid_t, status int) {
	k.bus.CancelSender(pid)
	k.bus.NotifySubscriberDeath(pid)
	k.caps.Drop(pid)
	k.procs.Exit(pid, status)
}

// sysProcKill implements proc_kill (spec.md §5: "there is no user-visible
// abort syscall; aborting is done by proc_kill from an authorised peer").
// spec.md §4.H's table names no explicit number for it — the mmap/dma/mem
// range (0x90-0x96) spans seven numbers for six named operations, and
// 0x96 is the slot it leaves unnamed, so this repo assigns proc_kill
// there (see DESIGN.md). "Authorised" is read as holding the same root
// capability cmd/kernel seeds into init (capability.CapId(0)), the one
// init redistributes to the services it starts — the same authorization
// gate every other capability transfer in this module already checks.
func (k *Kernel) sysProcKill(callerPid defs.Pid_t, targetPid uint64) result {
	if !k.caps.Has(callerPid, capability.CapId(0)) {
		return fail(defs.ENotPermitted)
	}
	target := defs.Pid_t(targetPid)
	if _, ok := k.procs.Get(target); !ok {
		return fail(defs.ENotFound)
	}
	k.killProcess(target, defs.StatusKilled)
	return ok(0)
}

func (k *Kernel) sysDebugPrint(p *proc.Process, ptr, length uint64) result {
	buf, e := k.readUser(p, ptr, length, false)
	if e != defs.OK {
		return fail(e)
	}
	klog.Printf("%s", string(buf))
	return ok(0)
}

// sysExec is spec.md §4.F exec: builds a fresh address space, loads the
// ELF image (§4.J), maps the stack, and inserts the new process Runnable.
// Argument bytes are validated (per §4.H's pointer-validation contract)
// but, since this hosted model has no real iretq/stack-push path (§9 open
// question (b), left unresolved by the source), are not yet threaded
// through to the child as argv; a fuller port would push them below the
// mapped stack top.
func (k *Kernel) sysExec(callerPid defs.Pid_t, p *proc.Process, imgPtr, imgLen, argsPtr, argsLen uint64) result {
	image, e := k.readUser(p, imgPtr, imgLen, false)
	if e != defs.OK {
		return fail(e)
	}
	if _, e := k.readUser(p, argsPtr, argsLen, true); e != defs.OK {
		return fail(e)
	}

	as, err := k.vmgr.NewAddressSpace()
	if err != nil {
		return fail(defs.EOutOfMemory)
	}
	if _, err := elfload.Load(as, image); err != nil {
		return fail(defs.EBadArgument)
	}
	if _, err := as.Map(defs.StackBase, defs.StackTop-defs.StackBase, vm.Flags{Read: true, Write: true, User: true}, vm.BackingAnon); err != nil {
		return fail(defs.EOutOfMemory)
	}

	child := k.procs.Create("exec", as)
	k.caps.SeedChild(callerPid, child.Pid)
	k.sched.AddRunnable(child.Pid)
	return ok(uint64(child.Pid))
}

// sysRandom is spec.md §4.H 0x40: 8 fresh random bytes, XOR-mixed against
// caller-supplied seed bytes of any length.
func (k *Kernel) sysRandom(p *proc.Process, seedPtr, seedLen uint64) result {
	var out [8]byte
	if _, err := rand.Read(out[:]); err != nil {
		return fail(defs.EUnsupported)
	}
	if seedLen > 0 {
		seed, e := k.readUser(p, seedPtr, seedLen, true)
		if e != defs.OK {
			return fail(e)
		}
		for i := range out {
			out[i] ^= seed[i%len(seed)]
		}
	}
	return ok(binary.LittleEndian.Uint64(out[:]))
}

func encodeToken(tk capability.Token) []byte {
	buf := make([]byte, tokenSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(tk.IssuerPid))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(tk.CapId))
	copy(buf[16:tokenSize], tk.Sig[:])
	return buf
}

func decodeToken(buf []byte) (capability.Token, bool) {
	if len(buf) != tokenSize {
		return capability.Token{}, false
	}
	var tk capability.Token
	tk.IssuerPid = defs.Pid_t(binary.LittleEndian.Uint64(buf[0:8]))
	tk.CapId = capability.CapId(binary.LittleEndian.Uint64(buf[8:16]))
	copy(tk.Sig[:], buf[16:tokenSize])
	return tk, true
}

// sysCapVerify is spec.md §4.L verify: rax itself carries the
// verification result (not a generic call-succeeded flag), per spec.md
// §8 "a token verifies iff signed by the kernel key".
func (k *Kernel) sysCapVerify(p *proc.Process, tokenPtr, tokenLen uint64) result {
	buf, e := k.readUser(p, tokenPtr, tokenLen, false)
	if e != defs.OK {
		return fail(e)
	}
	tk, decoded := decodeToken(buf)
	if !decoded {
		return fail(defs.EBadArgument)
	}
	return raw(boolToU64(k.caps.Verify(tk)), 0)
}

// sysCapSign backs both cap_sign (0x61) and cap_export (0x62): the
// original table lists them as distinct numbers but spec.md §4.L only
// describes one minting operation ("sign mints a token for a capability
// the caller holds"); export shares that implementation here (see
// DESIGN.md).
func (k *Kernel) sysCapSign(pid defs.Pid_t, p *proc.Process, capID, outPtr, outLen uint64) result {
	if outLen < tokenSize {
		return fail(defs.EBadArgument)
	}
	tk, err := k.caps.Sign(pid, capability.CapId(capID))
	if err != nil {
		return fail(errc(err))
	}
	if e := k.writeUser(p, outPtr, encodeToken(tk)); e != defs.OK {
		return fail(e)
	}
	return ok(tokenSize)
}

func (k *Kernel) sysCapImport(pid defs.Pid_t, p *proc.Process, tokenPtr, tokenLen uint64) result {
	buf, e := k.readUser(p, tokenPtr, tokenLen, false)
	if e != defs.OK {
		return fail(e)
	}
	tk, decoded := decodeToken(buf)
	if !decoded {
		return fail(defs.EBadArgument)
	}
	if err := k.caps.Import(pid, tk); err != nil {
		return fail(errc(err))
	}
	return ok(0)
}

func (k *Kernel) sysIPCSubscribe(pid defs.Pid_t, p *proc.Process, filterPtr, filterLen, flags uint64) result {
	filter, e := k.readUser(p, filterPtr, filterLen, false)
	if e != defs.OK {
		return fail(e)
	}
	mode := ipc.Unreliable
	if flags&1 != 0 {
		mode = ipc.Reliable
	}
	id, err := k.bus.Subscribe(pid, string(filter), mode)
	if err != nil {
		return fail(errc(err))
	}
	return ok(uint64(id))
}

func (k *Kernel) sysIPCUnsubscribe(pid defs.Pid_t, subID uint64) result {
	id := defs.SubId_t(subID)
	owner, found := k.bus.Owner(id)
	if !found {
		return fail(defs.ENotFound)
	}
	if owner != pid {
		return fail(defs.ENotPermitted)
	}
	if err := k.bus.Unsubscribe(id); err != nil {
		return fail(errc(err))
	}
	return ok(0)
}

func (k *Kernel) sysIPCPublish(p *proc.Process, topicPtr, topicLen, dataPtr, dataLen uint64) result {
	topic, e := k.readUser(p, topicPtr, topicLen, false)
	if e != defs.OK {
		return fail(e)
	}
	data, e := k.readUser(p, dataPtr, dataLen, true)
	if e != defs.OK {
		return fail(e)
	}
	k.bus.Publish(string(topic), data)
	return ok(0)
}

func (k *Kernel) sysIPCDeliver(pid defs.Pid_t, p *proc.Process, topicPtr, topicLen, dataPtr, dataLen uint64) result {
	topic, e := k.readUser(p, topicPtr, topicLen, false)
	if e != defs.OK {
		return fail(e)
	}
	data, e := k.readUser(p, dataPtr, dataLen, true)
	if e != defs.OK {
		return fail(e)
	}
	succeeded, _, _, err := k.bus.Deliver(pid, string(topic), data)
	if err != nil {
		return fail(errc(err))
	}
	return raw(boolToU64(succeeded), 0)
}

// sysIPCDeliverReply is ipc_deliver_reply (0x74): identical arguments to
// ipc_deliver, but the acknowledger's reply payload (spec.md §4.I: "the
// sender reads them through a paired one-shot channel") is copied back
// in place over the same data buffer, since the ABI has no spare register
// for a separate output pointer; rdi on return carries the reply length.
func (k *Kernel) sysIPCDeliverReply(pid defs.Pid_t, p *proc.Process, topicPtr, topicLen, dataPtr, dataLen uint64) result {
	topic, e := k.readUser(p, topicPtr, topicLen, false)
	if e != defs.OK {
		return fail(e)
	}
	data, e := k.readUser(p, dataPtr, dataLen, true)
	if e != defs.OK {
		return fail(e)
	}
	succeeded, _, reply, err := k.bus.Deliver(pid, string(topic), data)
	if err != nil {
		return fail(errc(err))
	}
	n := uint64(len(reply))
	if n > dataLen {
		n = dataLen
	}
	if n > 0 {
		if e := k.writeUser(p, dataPtr, reply[:n]); e != defs.OK {
			return fail(e)
		}
	}
	return raw(boolToU64(succeeded), n)
}

// sysIPCAcknowledge is ipc_acknowledge (0x75). A non-zero replyDescPtr
// names an in-memory {ptr u64, len u64} pair describing the reply payload
// to attach (spec.md §4.I's ipc_deliver_reply support); zero means no
// reply.
func (k *Kernel) sysIPCAcknowledge(pid defs.Pid_t, p *proc.Process, subID, ackID, okResult, replyDescPtr uint64) result {
	id := defs.SubId_t(subID)
	owner, found := k.bus.Owner(id)
	if !found {
		return fail(defs.ENotFound)
	}
	if owner != pid {
		return fail(defs.ENotPermitted)
	}
	var reply []byte
	if replyDescPtr != 0 {
		desc, e := k.readUser(p, replyDescPtr, 16, false)
		if e != defs.OK {
			return fail(e)
		}
		rptr := binary.LittleEndian.Uint64(desc[0:8])
		rlen := binary.LittleEndian.Uint64(desc[8:16])
		if rlen > 0 {
			reply, e = k.readUser(p, rptr, rlen, false)
			if e != defs.OK {
				return fail(e)
			}
		}
	}
	if err := k.bus.Acknowledge(id, defs.AckId_t(ackID), okResult != 0, reply); err != nil {
		return fail(errc(err))
	}
	return ok(0)
}

// sysIPCReceive is ipc_receive (0x76), a suspension point (spec.md §5):
// it blocks until a message is queued on sub. If the delivered message is
// Reliable, its AckId is appended as 8 little-endian trailer bytes after
// the payload when the caller's buffer has room, so the receiver can
// later call ipc_acknowledge; rdi on return reports only the payload
// length.
func (k *Kernel) sysIPCReceive(pid defs.Pid_t, p *proc.Process, subID, bufPtr, bufLen uint64) result {
	id := defs.SubId_t(subID)
	owner, found := k.bus.Owner(id)
	if !found {
		return fail(defs.ENotFound)
	}
	if owner != pid {
		return fail(defs.ENotPermitted)
	}
	for {
		msg, got, err := k.bus.Recv(id)
		if err != nil {
			return fail(errc(err))
		}
		if got {
			n := uint64(len(msg.Payload))
			if n > bufLen {
				n = bufLen
			}
			if n > 0 {
				if e := k.writeUser(p, bufPtr, msg.Payload[:n]); e != defs.OK {
					return fail(e)
				}
			}
			if msg.Mode == ipc.Reliable && n+8 <= bufLen {
				var trailer [8]byte
				binary.LittleEndian.PutUint64(trailer[:], uint64(msg.Ack))
				if e := k.writeUser(p, bufPtr+n, trailer[:]); e != defs.OK {
					return fail(e)
				}
			}
			return ok(n)
		}
		if err := k.sched.BlockOnIPC(pid, []defs.SubId_t{id}); err != nil {
			return fail(errc(err))
		}
	}
}

// sysIPCSelect is ipc_select (0x77). noblock!=0 fails with NotFound
// instead of parking when no listed subscription is ready (spec.md §7
// names no dedicated "nothing ready" code; NotFound is reused since a
// ready subscription index effectively "doesn't exist yet").
func (k *Kernel) sysIPCSelect(pid defs.Pid_t, p *proc.Process, idsPtr, count, noblock uint64) result {
	raw, e := k.readUser(p, idsPtr, count*8, false)
	if e != defs.OK {
		return fail(e)
	}
	ids := make([]defs.SubId_t, count)
	for i := range ids {
		ids[i] = defs.SubId_t(binary.LittleEndian.Uint64(raw[i*8 : i*8+8]))
		if owner, found := k.bus.Owner(ids[i]); !found || owner != pid {
			return fail(defs.ENotPermitted)
		}
	}
	for {
		for i, id := range ids {
			if k.bus.Ready(id) {
				return ok(uint64(i))
			}
		}
		if noblock != 0 {
			return fail(defs.ENotFound)
		}
		if err := k.sched.BlockOnIPC(pid, ids); err != nil {
			return fail(errc(err))
		}
	}
}

func (k *Kernel) sysKernelLogRead(p *proc.Process, bufPtr, bufLen uint64) result {
	tmp := make([]byte, bufLen)
	n := klog.ReadRecent(tmp)
	if n > 0 {
		if e := k.writeUser(p, bufPtr, tmp[:n]); e != defs.OK {
			return fail(e)
		}
	}
	return ok(uint64(n))
}

// sysIRQSetHandler is irq_set_handler (0x84, supplemented from
// original_source — see SPEC_FULL.md). codePtr/codeLen are validated like
// any pointer argument but not executed: this hosted core has no
// dynamic-codegen path for installing a real handler stub, so binding is
// by pid alone (internal/trap publishes "irq/<n>" to the owner instead).
func (k *Kernel) sysIRQSetHandler(pid defs.Pid_t, p *proc.Process, irqNumber, codePtr, codeLen uint64) result {
	if codeLen > 0 {
		if _, e := k.readUser(p, codePtr, codeLen, false); e != defs.OK {
			return fail(e)
		}
	}
	if k.trapD == nil {
		return fail(defs.EUnsupported)
	}
	if err := k.trapD.SetIRQHandler(defs.VecIRQBase+irqNumber, pid); err != nil {
		return fail(errc(err))
	}
	return ok(0)
}

func (k *Kernel) sysMMapPhysical(pid defs.Pid_t, p *proc.Process, physAddr, length, flags uint64) result {
	start := uintptr(physAddr) - uintptr(physAddr)%defs.PageSize2M
	length2 := roundUp(uintptr(length), defs.PageSize2M)
	if length2 == 0 {
		return fail(defs.EBadArgument)
	}
	npages := int(length2 / defs.PageSize2M)
	frames := make([]mem.PhysFrame, npages)
	for i := range frames {
		frames[i] = mem.PhysFrame(uint64(start) + uint64(i)*defs.PageSize2M)
	}
	va := k.bumpMMap(pid, length2)
	f := vm.Flags{User: true, Read: true, Write: flags&1 != 0, Exec: flags&2 != 0}
	// BackingExternal: these PhysFrame values are fabricated from the
	// caller's physical address, not drawn from k.frames, so Unmap must
	// never FreeFrame them (see internal/vm.Backing doc and DESIGN.md).
	if _, err := p.AS.MapFrames(va, f, vm.BackingExternal, frames); err != nil {
		return fail(errc(err))
	}
	return ok(uint64(va))
}

func (k *Kernel) sysDMAAllocate(pid defs.Pid_t, p *proc.Process, length, vaOutPtr, paOutPtr uint64) result {
	npages := int(roundUp(uintptr(length), defs.PageSize2M) / defs.PageSize2M)
	if npages == 0 {
		return fail(defs.EBadArgument)
	}
	frames, err := k.frames.AllocContiguous(npages)
	if err != nil {
		return fail(defs.EOutOfMemory)
	}
	va := k.bumpMMap(pid, uintptr(npages)*defs.PageSize2M)
	if _, err := p.AS.MapFrames(va, vm.Flags{User: true, Read: true, Write: true}, vm.BackingShared, frames); err != nil {
		return fail(errc(err))
	}
	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], uint64(va))
	if e := k.writeUser(p, vaOutPtr, out[:]); e != defs.OK {
		return fail(e)
	}
	binary.LittleEndian.PutUint64(out[:], uint64(frames[0]))
	if e := k.writeUser(p, paOutPtr, out[:]); e != defs.OK {
		return fail(e)
	}
	return ok(0)
}

func (k *Kernel) sysDMAFree(p *proc.Process, va uint64) result {
	if err := p.AS.Unmap(uintptr(va)); err != nil {
		return fail(errc(err))
	}
	return ok(0)
}

func (k *Kernel) heapFor(pid defs.Pid_t, as *vm.AddressSpace) *kheap.Heap {
	k.heapsMu.Lock()
	defer k.heapsMu.Unlock()
	h, found := k.heaps[pid]
	if !found {
		h = kheap.New(as)
		k.heaps[pid] = h
	}
	return h
}

func (k *Kernel) sysMemAlloc(pid defs.Pid_t, p *proc.Process, length uint64) result {
	off, err := k.heapFor(pid, p.AS).Alloc(uintptr(length))
	if err != nil {
		return fail(defs.EOutOfMemory)
	}
	return ok(uint64(defs.HeapBase) + uint64(off))
}

func (k *Kernel) sysMemDealloc(pid defs.Pid_t, p *proc.Process, va uint64) result {
	if va < defs.HeapBase {
		return fail(defs.EBadArgument)
	}
	if err := k.heapFor(pid, p.AS).Free(uintptr(va) - defs.HeapBase); err != nil {
		return fail(defs.EBadArgument)
	}
	return ok(0)
}

// sysMemShare is mem_share (0x95): maps the frames already backing
// [va, va+length) in the caller's space into targetPid's space at the
// same virtual address (a simplification — a fuller port would let the
// target choose its own address).
func (k *Kernel) sysMemShare(p *proc.Process, va, length, targetPid uint64) result {
	frames, flags, err := p.AS.FramesAt(uintptr(va), uintptr(length))
	if err != nil {
		return fail(defs.EBadPointer)
	}
	target, found := k.procFor(defs.Pid_t(targetPid))
	if !found {
		return fail(defs.ENotFound)
	}
	if _, err := target.AS.MapFrames(uintptr(va), flags, vm.BackingShared, frames); err != nil {
		return fail(errc(err))
	}
	return ok(0)
}

func (k *Kernel) procFor(pid defs.Pid_t) (*proc.Process, bool) {
	return k.procs.Get(pid)
}

// bumpMMap hands out non-overlapping, 2MiB-aligned virtual addresses from
// each process's private window for mmap_physical and dma_allocate
// (spec.md §4.H 0x90/0x91 name no address for this window; MMapBase is
// this repo's choice, internal/defs). Freed ranges are not reclaimed —
// documented simplification, see DESIGN.md.
func (k *Kernel) bumpMMap(pid defs.Pid_t, length uintptr) uintptr {
	length = roundUp(length, defs.PageSize2M)
	k.mmapMu.Lock()
	defer k.mmapMu.Unlock()
	next, found := k.mmapNext[pid]
	if !found {
		next = defs.MMapBase
	}
	k.mmapNext[pid] = next + length
	return next
}
