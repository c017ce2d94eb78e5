// Package vm implements component B, the paging manager. Adapted from the
// teacher's vm/vm.go (Vminfo_t/Vmregion_t) and vm/pmap.go: an
// AddressSpace holds a non-overlapping set of Regions (kept ordered in
// the shared internal/rbtree instead of the teacher's Vminfo_t-specific
// vm/rb.go), huge-page-only, with a simulated root page-table frame taken
// from the general frame allocator (spec.md §4.B). No page table is
// placed in the page-table pool window, which internal/mem only reserves.
package vm

import (
	"fmt"
	"sync"

	"github.com/d7kernel/d7kernel/internal/defs"
	"github.com/d7kernel/d7kernel/internal/mem"
	"github.com/d7kernel/d7kernel/internal/rbtree"
)

// Flags describe the permissions and sharing of a mapped region.
type Flags struct {
	Read, Write, Exec, User bool
}

// Backing names what a region's frames hold; informational (the teacher
// distinguishes VANON/VFILE/VSANON the same way in Vminfo_t.Mtype).
type Backing int

const (
	BackingAnon Backing = iota
	BackingELF
	BackingTrampoline
	BackingShared
	// BackingExternal marks frames Unmap must never hand back to the
	// allocator: mmap_physical (spec.md §4.H 0x90) fabricates PhysFrame
	// values straight from caller-supplied physical addresses, which the
	// bitmap in internal/mem never marked allocated. Freeing one would
	// panic ("outside managed range") or, worse, silently free a frame a
	// device or another mapping still owns.
	BackingExternal
)

// Region is one mapped, non-overlapping virtual range.
type Region struct {
	Start  uintptr // must be 2MiB aligned
	Len    uintptr // must be a multiple of 2MiB
	Flags  Flags
	Back   Backing
	frames []mem.PhysFrame // one per huge page in the region, in order
}

func (r Region) end() uintptr { return r.Start + r.Len }

func (r Region) overlaps(o Region) bool {
	return r.Start < o.end() && o.Start < r.end()
}

// AddressSpace is one process's (or the kernel's) page-table state:
// spec.md §3 AddressSpace.
type AddressSpace struct {
	mu       sync.Mutex
	root     mem.PhysFrame // simulated PML4 frame
	regions  *rbtree.Tree[Region]
	frameSrc *mem.Allocator
}

var (
	ErrMisaligned = fmt.Errorf("vm: range not 2MiB aligned")
	ErrOverlap    = fmt.Errorf("vm: region overlaps an existing mapping")
	ErrNotMapped  = fmt.Errorf("vm: address not mapped")
)

func regionLess(a, b Region) bool { return a.Start < b.Start }

// Manager owns the physical frame pool and the shared kernel-space
// entries every AddressSpace inherits (spec.md §3: "the kernel heap and
// identity map live in the upper half... shared via shared top-level
// page-table entries").
type Manager struct {
	frames *mem.Allocator
	shared []Region // fixed low regions + upper half, copied into every AS
	active *AddressSpace
	mu     sync.Mutex
}

func NewManager(frames *mem.Allocator) *Manager {
	return &Manager{frames: frames}
}

// WireShared registers a region present identically in every address
// space — the IDT, GDT, per-CPU table, trampoline, kernel heap and
// identity map (spec.md §3's invariant on fixed low regions + upper
// half). Must be called before NewAddressSpace for the region to be
// inherited by spaces created afterward.
func (m *Manager) WireShared(r Region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shared = append(m.shared, r)
}

// NewAddressSpace allocates a root page-table frame and pre-populates the
// shared regions wired via WireShared.
func (m *Manager) NewAddressSpace() (*AddressSpace, error) {
	root, err := m.frames.AllocFrame()
	if err != nil {
		return nil, err
	}
	as := &AddressSpace{
		root:     root,
		regions:  rbtree.New[Region](regionLess),
		frameSrc: m.frames,
	}
	m.mu.Lock()
	shared := append([]Region(nil), m.shared...)
	m.mu.Unlock()
	for _, r := range shared {
		if err := as.mapLocked(r); err != nil {
			return nil, fmt.Errorf("vm: wiring shared region %#x: %w", r.Start, err)
		}
	}
	return as, nil
}

func aligned(v uintptr) bool { return v%defs.PageSize2M == 0 }

// Map adds a new region backed by freshly-allocated frames, whatever back
// says; MapFrames maps frames the caller already owns. All ranges must be
// 2MiB-aligned huge pages (spec.md §4.B).
func (as *AddressSpace) Map(start, length uintptr, flags Flags, back Backing) (Region, error) {
	if !aligned(start) || !aligned(length) || length == 0 {
		return Region{}, ErrMisaligned
	}
	r := Region{Start: start, Len: length, Flags: flags, Back: back}
	npages := int(length / defs.PageSize2M)
	frames := make([]mem.PhysFrame, npages)
	for i := range frames {
		f, err := as.frameSrc.AllocFrame()
		if err != nil {
			for j := 0; j < i; j++ {
				as.frameSrc.FreeFrame(frames[j])
			}
			return Region{}, err
		}
		frames[i] = f
	}
	r.frames = frames
	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.mapLocked(r); err != nil {
		for _, f := range frames {
			as.frameSrc.FreeFrame(f)
		}
		return Region{}, err
	}
	return r, nil
}

// MapFrames maps a region onto already-owned frames (e.g. mmap_physical's
// device memory, or frames shared through dma_allocate and mem_share).
func (as *AddressSpace) MapFrames(start uintptr, flags Flags, back Backing, frames []mem.PhysFrame) (Region, error) {
	if !aligned(start) || len(frames) == 0 {
		return Region{}, ErrMisaligned
	}
	r := Region{Start: start, Len: uintptr(len(frames)) * defs.PageSize2M, Flags: flags, Back: back, frames: frames}
	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.mapLocked(r); err != nil {
		return Region{}, err
	}
	return r, nil
}

func (as *AddressSpace) mapLocked(r Region) error {
	var conflict error
	as.regions.InOrder(func(o Region) bool {
		if r.overlaps(o) {
			conflict = ErrOverlap
			return false
		}
		return true
	})
	if conflict != nil {
		return conflict
	}
	if !as.regions.Insert(r) {
		return ErrOverlap
	}
	return nil
}

// Unmap removes the region starting at start and frees its frames,
// TLB-flushing per page (spec.md §4.B: "Unmap is TLB-flushed... by
// invlpg"). Regions backed by BackingExternal name frames the allocator
// never owned (mmap_physical) and are only torn out of the region tree,
// never handed back to internal/mem.
func (as *AddressSpace) Unmap(start uintptr) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	r, ok := as.regions.Lookup(Region{Start: start})
	if !ok {
		return ErrNotMapped
	}
	as.regions.Remove(r)
	for i, f := range r.frames {
		invalidate(start + uintptr(i)*defs.PageSize2M)
		if r.Back != BackingExternal {
			as.frameSrc.FreeFrame(f)
		}
	}
	return nil
}

// UnmapAll releases every region still mapped in as, freeing their
// reclaimable frames (spec.md §4.F: a terminated process's frames are
// freed "after the scheduler has switched away"). Called by
// proc.Table.ReapTerminated once a process has been observed Terminated.
func (as *AddressSpace) UnmapAll() {
	as.mu.Lock()
	var starts []uintptr
	as.regions.InOrder(func(r Region) bool {
		starts = append(starts, r.Start)
		return true
	})
	as.mu.Unlock()
	for _, start := range starts {
		as.Unmap(start)
	}
}

// Translate returns the physical address backing vaddr, or ErrNotMapped.
func (as *AddressSpace) Translate(vaddr uintptr) (uint64, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	var found *Region
	as.regions.InOrder(func(r Region) bool {
		if vaddr >= r.Start && vaddr < r.end() {
			rr := r
			found = &rr
			return false
		}
		return true
	})
	if found == nil {
		return 0, ErrNotMapped
	}
	pageIdx := (vaddr - found.Start) / defs.PageSize2M
	base := uint64(found.frames[pageIdx])
	off := uint64(vaddr) % defs.PageSize2M
	return base + off, nil
}

// regionContaining locates the region spanning [vaddr, vaddr+n), failing
// if the whole range isn't covered by one region (a real TLB walk is
// page-at-a-time, but every region here is a run of contiguously-indexed
// frames, so the walk stays within that region once found).
func (as *AddressSpace) regionContaining(vaddr uintptr, n int) (Region, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	var found Region
	ok := false
	as.regions.InOrder(func(r Region) bool {
		if vaddr >= r.Start && vaddr < r.end() {
			found = r
			ok = true
			return false
		}
		return true
	})
	if !ok || vaddr+uintptr(n) > found.end() {
		return Region{}, ErrNotMapped
	}
	return found, nil
}

// forEachPage walks the pages covering [vaddr, vaddr+len(buf)) within a
// single region, calling f with the slice of buf and the backing frame
// bytes for each page crossed.
func (as *AddressSpace) forEachPage(r Region, vaddr uintptr, buf []byte, f func(bufPart, framePart []byte)) {
	remaining := buf
	cur := vaddr
	for len(remaining) > 0 {
		pageIdx := (cur - r.Start) / defs.PageSize2M
		pageOff := cur % defs.PageSize2M
		frame := as.frameSrc.FrameBytes(r.frames[pageIdx])
		n := uintptr(len(remaining))
		if room := defs.PageSize2M - pageOff; n > room {
			n = room
		}
		f(remaining[:n], frame[pageOff:pageOff+n])
		remaining = remaining[n:]
		cur += n
	}
}

// ReadAt copies len(dst) bytes starting at vaddr into dst. The whole
// range must lie within one mapped region.
func (as *AddressSpace) ReadAt(dst []byte, vaddr uintptr) error {
	r, err := as.regionContaining(vaddr, len(dst))
	if err != nil {
		return err
	}
	as.forEachPage(r, vaddr, dst, func(bufPart, framePart []byte) {
		copy(bufPart, framePart)
	})
	return nil
}

// WriteAt copies src into the frames backing [vaddr, vaddr+len(src)).
func (as *AddressSpace) WriteAt(vaddr uintptr, src []byte) error {
	r, err := as.regionContaining(vaddr, len(src))
	if err != nil {
		return err
	}
	as.forEachPage(r, vaddr, src, func(bufPart, framePart []byte) {
		copy(framePart, bufPart)
	})
	return nil
}

// RegionAt looks up the region containing vaddr, used by pointer validation
// (spec.md §4.D, §4.H BadPointer checks).
func (as *AddressSpace) RegionAt(vaddr uintptr) (Region, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	var found Region
	ok := false
	as.regions.InOrder(func(r Region) bool {
		if vaddr >= r.Start && vaddr < r.end() {
			found = r
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// ValidateRange checks that [ptr, ptr+length) lies entirely within one
// user region with the permissions `write` (or read, if !write) requires,
// returning defs.EBadPointer otherwise (spec.md §4.H).
func (as *AddressSpace) ValidateRange(ptr, length uintptr, write bool) error {
	if length == 0 {
		return defs.EBadPointer
	}
	r, ok := as.RegionAt(ptr)
	if !ok {
		return defs.EBadPointer
	}
	if ptr+length > r.end() {
		return defs.EBadPointer
	}
	if !r.Flags.User {
		return defs.EBadPointer
	}
	if write && !r.Flags.Write {
		return defs.EBadPointer
	}
	if !write && !r.Flags.Read {
		return defs.EBadPointer
	}
	return nil
}

// FramesAt returns the frames and flags backing [start, start+length), for
// mem_share (spec.md §4.H 0x95): sharing requires handing the same
// physical frames to a second address space rather than copying them.
func (as *AddressSpace) FramesAt(start, length uintptr) ([]mem.PhysFrame, Flags, error) {
	r, err := as.regionContaining(start, int(length))
	if err != nil {
		return nil, Flags{}, err
	}
	return r.frames, r.Flags, nil
}

// Root exposes the simulated PML4 frame, used by SwitchTo.
func (as *AddressSpace) Root() mem.PhysFrame { return as.root }

// SwitchTo activates as as the currently running address space (spec.md
// §4.B: "writes cr3"). Modeled by Manager tracking which AddressSpace is
// active rather than touching a real register, but arch.WriteCR3 is still
// invoked so tests can assert the hardware-facing call happened.
func (m *Manager) SwitchTo(as *AddressSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = as
	writeCR3(uint64(as.root))
}

func (m *Manager) Active() *AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
