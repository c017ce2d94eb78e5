// Command kernel boots the simulated machine: it wires every subsystem in
// the order spec.md §9 mandates ("frame allocator → paging → heap → timer
// → scheduler → IPC → services loaded from initrd"), loads an init binary
// out of an InitRD image, and runs the tickless idle loop until init
// exits. Grounded on the teacher's kernel/main.go boot sequence — the
// banner print, the attach-devices-then-exec-init shape, the final
// sleep-forever tail — translated from biscuit's disk/AHCI/network boot
// path to spec.md's hosted one (no devices to attach, no filesystem to
// mount; InitRD stands in for both).
package main

import (
	"os"
	"runtime"
	"time"

	"github.com/d7kernel/d7kernel/internal/arch"
	"github.com/d7kernel/d7kernel/internal/capability"
	"github.com/d7kernel/d7kernel/internal/clock"
	"github.com/d7kernel/d7kernel/internal/defs"
	"github.com/d7kernel/d7kernel/internal/elfload"
	"github.com/d7kernel/d7kernel/internal/initrd"
	"github.com/d7kernel/d7kernel/internal/ipc"
	"github.com/d7kernel/d7kernel/internal/kheap"
	"github.com/d7kernel/d7kernel/internal/klog"
	"github.com/d7kernel/d7kernel/internal/mem"
	"github.com/d7kernel/d7kernel/internal/proc"
	"github.com/d7kernel/d7kernel/internal/sched"
	"github.com/d7kernel/d7kernel/internal/syscall"
	"github.com/d7kernel/d7kernel/internal/trap"
	"github.com/d7kernel/d7kernel/internal/vm"
)

// usableRAM stands in for the e820 map a real bootloader would hand off
// (spec.md §1 excludes the boot loader itself): 512MiB of physical memory
// starting at address 0; internal/mem carves the fixed reserved spans out
// of it.
func usableRAM() []mem.Region {
	return []mem.Region{
		{Base: 0, Len: 512 << 20},
	}
}

func main() {
	klog.Printf("              d7kernel\n")
	klog.Printf("          go version: %s\n", runtime.Version())

	initrdPath := "initrd.img"
	if len(os.Args) > 1 {
		initrdPath = os.Args[1]
	}

	// frame allocator
	frames, err := mem.NewAllocator(usableRAM(), nil)
	if err != nil {
		klog.Panic("mem.NewAllocator: %v", err)
	}
	klog.Printf("  %d frames of physical memory\n", frames.NFrames())

	// paging
	vmgr := vm.NewManager(frames)
	wireSharedRegions(vmgr)
	kas, err := vmgr.NewAddressSpace()
	if err != nil {
		klog.Panic("vmgr.NewAddressSpace (kernel): %v", err)
	}
	vmgr.SwitchTo(kas)

	// heap: the kernel's own address space gets a heap the same way a
	// user process's does (internal/kheap), representing the boot-time
	// "heap" stage; per-process heaps are created lazily by syscall.Kernel.
	khp := kheap.New(kas)
	warmKernelHeap(khp)

	// timer: a simulated 1GHz cycle counter, calibrated the way a real
	// boot would calibrate rdtsc against the PIT (spec.md §4.E) — here
	// just a fixed frequency since there is no PIT to measure against.
	clk := clock.NewWithHz(1_000_000_000)
	arch.ArmTimer(defs.DefaultSliceNS)

	// scheduler
	procs := proc.NewTable()
	s := sched.New(procs, clk)

	// IPC
	bus := ipc.New(procs, s)
	caps, err := capability.NewRegistry()
	if err != nil {
		klog.Panic("capability.NewRegistry: %v", err)
	}

	d := trap.New(procs, s)
	d.SetIPCBus(bus)
	d.SetCapabilities(caps)
	k := syscall.New(procs, s, vmgr, frames, bus, caps)
	k.Install(d)

	// services loaded from initrd
	image, err := os.ReadFile(initrdPath)
	if err != nil {
		klog.Panic("reading initrd %s: %v", initrdPath, err)
	}
	fs, err := initrd.Parse(image)
	if err != nil {
		klog.Panic("initrd.Parse: %v", err)
	}
	bootServices(fs, vmgr, procs, s, caps)

	klog.Printf("entering idle loop\n")
	idle(s, clk)
}

// warmKernelHeap touches the kernel heap once at boot, the hosted
// equivalent of the teacher's structchk()/cpuchk() sanity calls: prove
// the allocator can grow and shrink before anything depends on it.
func warmKernelHeap(h *kheap.Heap) {
	off, err := h.Alloc(64)
	if err != nil {
		klog.Panic("kernel heap self-check: %v", err)
	}
	if err := h.Free(off); err != nil {
		klog.Panic("kernel heap self-check: %v", err)
	}
}

// wireSharedRegions pre-populates the fixed low regions and upper half
// every address space inherits identically (spec.md §3): only the
// trampoline page is registered; the page-table pool window is not
// mapped into any address space. The kernel image and IDT/GDT/per-CPU
// table occupy the rest of the low 2MiB reservation but need no explicit
// mapping here since internal/vm's frame arena is lazily backed.
func wireSharedRegions(vmgr *vm.Manager) {
	vmgr.WireShared(vm.Region{
		Start: defs.TrampolineVA,
		Len:   defs.PageSize2M,
		Flags: vm.Flags{Read: true, Exec: true},
		Back:  vm.BackingTrampoline,
	})
}

// bootServices opens the InitRD file named "init" and starts it in its own
// address space as a runnable process; no other InitRD entry is started.
// It mirrors the teacher's
// main.go exec closure (cmd, args, proc.Proc_new, sys_execv1, Sched_add)
// collapsed to this spec's single init binary (spec.md §6: InitRD is
// read-only and carries only the init program plus its data).
func bootServices(fs *initrd.FS, vmgr *vm.Manager, procs *proc.Table, s *sched.Scheduler, caps *capability.Registry) {
	image, err := fs.Open("init")
	if err != nil {
		klog.Panic("initrd: no init binary: %v", err)
	}

	as, err := vmgr.NewAddressSpace()
	if err != nil {
		klog.Panic("vmgr.NewAddressSpace (init): %v", err)
	}
	if _, err := elfload.Load(as, image); err != nil {
		klog.Panic("elfload.Load(init): %v", err)
	}
	if _, err := as.Map(defs.StackBase, defs.StackTop-defs.StackBase, vm.Flags{Read: true, Write: true, User: true}, vm.BackingAnon); err != nil {
		klog.Panic("mapping init stack: %v", err)
	}

	p := procs.Create("init", as)
	caps.Grant(p.Pid, capability.CapId(0)) // init starts with the root capability; spec.md §4.L names no bootstrap grant, so this is the minimal one that lets init redistribute capabilities to children
	s.AddRunnable(p.Pid)
	klog.Printf("started init, pid=%d\n", p.Pid)
}

// idle runs the tickless scheduler's housekeeping loop: advance the
// simulated clock, let Tick() wake due sleepers, rearm the timer for the
// next deadline (or the default quantum if the run queue is nonempty but
// nothing is sleeping), and otherwise park briefly. There is no real
// hardware interrupt to wait on in this hosted model, so the loop polls
// at a coarse grain instead of halting (spec.md §5: "tickless — no fixed
// HZ heartbeat; the timer is armed only for the next actual deadline").
func idle(s *sched.Scheduler, clk *clock.Clock) {
	for {
		now := clk.NowNS()
		s.Tick(now)
		arch.Tick(clk.CyclesFor(1_000_000))

		if deadline, ok := s.NextDeadline(); ok {
			if deadline > now {
				arch.ArmTimer(deadline - now)
			}
		} else if s.RunQueueLen() != 0 {
			arch.ArmTimer(defs.DefaultSliceNS)
		}

		time.Sleep(time.Millisecond)
	}
}
