// Package mem implements component A of the core: the physical frame
// allocator. Adapted from the teacher's mem/mem.go Physmem_t, simplified
// from its refcounted multi-CPU free-list design down to the first-fit
// bitmap spec.md §4.A calls for (the teacher's per-CPU free lists exist to
// avoid lock contention across many cores; spec.md §1 assumes one core,
// so that complexity is dropped rather than carried unused).
package mem

import (
	"fmt"
	"sync"

	"github.com/d7kernel/d7kernel/internal/defs"
)

// PhysFrame is a 2 MiB physical frame, identified by its starting
// physical address. Always a multiple of defs.PageSize2M.
type PhysFrame uint64

// ErrOutOfMemory is returned when no frame satisfies an allocation.
var ErrOutOfMemory = fmt.Errorf("out of memory")

// Region describes a span of physical memory the BIOS e820 map reported,
// or a span the kernel reserves for its own fixed structures.
type Region struct {
	Base uint64
	Len  uint64
}

func (r Region) end() uint64 { return r.Base + r.Len }

// Allocator is the process-wide bitmap over usable RAM. Entered only
// while the caller holds the global kernel lock (spec.md §5) — it has no
// internal lock of its own beyond a defensive mutex for use from tests
// that poke it directly from multiple goroutines.
type Allocator struct {
	mu       sync.Mutex
	base     uint64 // physical address of frame 0 of the bitmap
	nframes  int
	bitmap   []bool // true == allocated
	firstFit int     // scan cursor, avoids rescanning from zero every time
	arena    map[PhysFrame][]byte // lazily-backed byte view of each frame
}

// reserved spans carved out unconditionally, spec.md §4.A: low 2MiB
// (IDT/GDT/bootloader residue), the DMA region, and the fixed page-table
// pool. The kernel image span is supplied by the caller at boot (its size
// depends on the built binary) via NewAllocator's reserved argument.
func builtinReserved() []Region {
	return []Region{
		{Base: 0, Len: defs.LowReserved},
		{Base: defs.DMABase, Len: defs.DMALen},
		{Base: defs.PagePoolVA, Len: defs.PagePoolLen},
	}
}

// NewAllocator builds a bitmap allocator over `usable` (the regions the
// e820 map reported as free), marking `reserved` (plus the built-in fixed
// spans above) as permanently allocated.
func NewAllocator(usable []Region, reserved []Region) (*Allocator, error) {
	if len(usable) == 0 {
		return nil, fmt.Errorf("mem: no usable regions reported")
	}
	lo, hi := usable[0].Base, usable[0].end()
	for _, r := range usable[1:] {
		if r.Base < lo {
			lo = r.Base
		}
		if r.end() > hi {
			hi = r.end()
		}
	}
	lo -= lo % defs.PageSize2M
	hi = roundup(hi, defs.PageSize2M)
	n := int((hi - lo) / defs.PageSize2M)

	a := &Allocator{
		base:    lo,
		nframes: n,
		bitmap:  make([]bool, n),
		arena:   make(map[PhysFrame][]byte),
	}
	// start fully reserved; punch holes for usable spans, then re-reserve
	// the fixed/explicit spans so they win regardless of overlap.
	for i := range a.bitmap {
		a.bitmap[i] = true
	}
	for _, r := range usable {
		a.markRange(r, false)
	}
	for _, r := range builtinReserved() {
		a.markRange(r, true)
	}
	for _, r := range reserved {
		a.markRange(r, true)
	}
	return a, nil
}

func (a *Allocator) markRange(r Region, allocated bool) {
	start := r.Base - r.Base%defs.PageSize2M
	end := roundup(r.end(), defs.PageSize2M)
	for f := start; f < end; f += defs.PageSize2M {
		idx := a.frameIndex(PhysFrame(f))
		if idx < 0 || idx >= len(a.bitmap) {
			continue
		}
		a.bitmap[idx] = allocated
	}
}

func (a *Allocator) frameIndex(f PhysFrame) int {
	return int((uint64(f) - a.base) / defs.PageSize2M)
}

func roundup(v, b uint64) uint64 {
	return (v + b - 1) / b * b
}

// AllocFrame returns one free frame, first-fit.
func (a *Allocator) AllocFrame() (PhysFrame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < a.nframes; i++ {
		idx := (a.firstFit + i) % a.nframes
		if !a.bitmap[idx] {
			a.bitmap[idx] = true
			a.firstFit = idx + 1
			return PhysFrame(a.base + uint64(idx)*defs.PageSize2M), nil
		}
	}
	return 0, ErrOutOfMemory
}

// AllocContiguous scans linearly for n back-to-back free frames, per
// spec.md §4.A ("scan linearly").
func (a *Allocator) AllocContiguous(n int) ([]PhysFrame, error) {
	if n <= 0 {
		return nil, fmt.Errorf("mem: n must be positive")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	run := 0
	for i := 0; i < a.nframes; i++ {
		if !a.bitmap[i] {
			run++
			if run == n {
				start := i - n + 1
				out := make([]PhysFrame, n)
				for j := 0; j < n; j++ {
					a.bitmap[start+j] = true
					out[j] = PhysFrame(a.base + uint64(start+j)*defs.PageSize2M)
				}
				return out, nil
			}
		} else {
			run = 0
		}
	}
	return nil, ErrOutOfMemory
}

// FreeFrame returns a frame to the pool. Double-free is a kernel
// invariant violation (spec.md §3 PhysFrame invariant) and panics rather
// than silently corrupting the bitmap.
func (a *Allocator) FreeFrame(f PhysFrame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.frameIndex(f)
	if idx < 0 || idx >= a.nframes {
		panic(fmt.Sprintf("mem: free of frame %#x outside managed range", f))
	}
	if !a.bitmap[idx] {
		panic(fmt.Sprintf("mem: double free of frame %#x", f))
	}
	a.bitmap[idx] = false
	if idx < a.firstFit {
		a.firstFit = idx
	}
}

// NFrames reports the total number of frames tracked, for accounting and
// tests.
func (a *Allocator) NFrames() int { return a.nframes }

// FrameBytes returns a byte-addressable, zero-initialized view of frame
// f's 2MiB of storage. Real hardware addresses physical memory directly;
// this hosted model gives every frame a lazily-allocated backing slice so
// that ELF segment copies, heap content, and IPC payload staging are
// genuinely observable rather than modeled as no-ops. The slice is stable
// for the lifetime of the process (it is not reclaimed by FreeFrame,
// matching real hardware where freeing a frame doesn't zero it).
func (a *Allocator) FrameBytes(f PhysFrame) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.arena[f]
	if !ok {
		b = make([]byte, defs.PageSize2M)
		a.arena[f] = b
	}
	return b
}

// Free reports the number of currently-unallocated frames.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, b := range a.bitmap {
		if !b {
			n++
		}
	}
	return n
}
