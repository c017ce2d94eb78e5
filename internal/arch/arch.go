// Package arch is the kernel's one auditable layer of hardware-facing
// code (spec.md §9: "unsafe low-level code... is confined to a small,
// auditable layer"). On real hardware these would be rdtsc, cr3 writes,
// lidt/lgdt, invlpg and port I/O; hosted here as a software model so the
// rest of the kernel — the part with actual logic — builds and tests with
// the ordinary toolchain. Swapping this package for real MMIO/asm stubs is
// the entire porting story.
package arch

import (
	"sync/atomic"
)

var cycleCounter uint64

// ReadCycles stands in for rdtsc: a free-running counter. Advanced
// explicitly by Tick (the test harness and the clock calibration routine
// both call it) rather than by wall-clock time, so results are
// deterministic under `go test`.
func ReadCycles() uint64 {
	return atomic.LoadUint64(&cycleCounter)
}

// Tick advances the cycle counter, simulating elapsed CPU cycles.
func Tick(cycles uint64) {
	atomic.AddUint64(&cycleCounter, cycles)
}

// CPUHint stands in for the teacher's runtime.CPUHint(): the logical id of
// the CPU running the call. Always 0 — spec.md §1 assumes a single
// execution core; this hook is where AP-core identification would attach.
func CPUHint() int {
	return 0
}

// CR3 models the root-page-table register: the physical frame of the
// address space currently active on this (the only) core.
var cr3 uint64

func WriteCR3(phys uint64) { atomic.StoreUint64(&cr3, phys) }
func ReadCR3() uint64      { return atomic.LoadUint64(&cr3) }

// InvalidatePage models invlpg. A no-op in the simulated model since
// Translate always reads live state, but kept as a named call site so the
// paging manager's TLB-flush discipline (spec.md §4.B) is visible and
// testable (callers can assert it was invoked).
var InvalidatePageCount uint64

func InvalidatePage(v uintptr) {
	_ = v
	atomic.AddUint64(&InvalidatePageCount, 1)
}

// TimerArmed records the delay (in ns from the time of the call) of the
// most recent one-shot LAPIC timer program, modeling arch.ArmTimer. The
// callers are cmd/kernel's boot sequence and idle loop, which pass either
// the time left until the next sleeper's deadline or the default quantum.
var TimerArmed uint64

func ArmTimer(deadlineNS uint64) {
	atomic.StoreUint64(&TimerArmed, deadlineNS)
}
