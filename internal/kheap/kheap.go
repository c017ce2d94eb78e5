// Package kheap implements component C: the kernel heap allocator, a
// hole-list (free-list) allocator over a fixed linear window (spec.md
// §4.C). It does not touch physical frames directly; when its free list
// can't satisfy a request it grows by mapping one more 2MiB page through
// internal/vm (which in turn pulls a frame from internal/mem), the same
// "grow on demand" relationship spec.md §2's dependency table describes
// for C depending on A and B.
package kheap

import (
	"fmt"
	"sync"

	"github.com/d7kernel/d7kernel/internal/defs"
	"github.com/d7kernel/d7kernel/internal/vm"
)

var ErrOutOfMemory = fmt.Errorf("kheap: out of memory")

type hole struct {
	offset uintptr
	size   uintptr
}

// Heap is a hole-list allocator over [base, base+defs.HeapLen).
type Heap struct {
	mu       sync.Mutex
	as       *vm.AddressSpace
	base     uintptr
	grown    uintptr // bytes currently backed by real pages
	holes    []hole  // sorted by offset, never adjacent (coalesced eagerly)
	used     map[uintptr]uintptr // live allocation offset -> size, for Free
}

func New(as *vm.AddressSpace) *Heap {
	return &Heap{
		as:   as,
		base: defs.HeapBase,
		used: make(map[uintptr]uintptr),
	}
}

const minAlign = 16

func roundUp(v, b uintptr) uintptr { return (v + b - 1) / b * b }

// grow maps one more huge page into the heap window, extending the
// trailing hole (or creating one) to cover it.
func (h *Heap) grow() error {
	if h.grown+defs.PageSize2M > defs.HeapLen {
		return ErrOutOfMemory
	}
	start := h.base + h.grown
	_, err := h.as.Map(start, defs.PageSize2M, vm.Flags{Read: true, Write: true}, vm.BackingAnon)
	if err != nil {
		return err
	}
	h.grown += defs.PageSize2M
	if n := len(h.holes); n > 0 && h.holes[n-1].offset+h.holes[n-1].size == start-h.base {
		h.holes[n-1].size += defs.PageSize2M
	} else {
		h.holes = append(h.holes, hole{offset: start - h.base, size: defs.PageSize2M})
	}
	return nil
}

// Alloc returns the heap-relative offset of a size-byte allocation,
// aligned to minAlign. Grows the backing window as needed.
func (h *Heap) Alloc(size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("kheap: zero-size allocation")
	}
	size = roundUp(size, minAlign)
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		for i, hl := range h.holes {
			if hl.size >= size {
				off := hl.offset
				if hl.size == size {
					h.holes = append(h.holes[:i], h.holes[i+1:]...)
				} else {
					h.holes[i].offset += size
					h.holes[i].size -= size
				}
				h.used[off] = size
				return off, nil
			}
		}
		if err := h.grow(); err != nil {
			return 0, err
		}
	}
}

// Free returns an allocation's space to the hole list, coalescing with
// any adjacent hole.
func (h *Heap) Free(off uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	size, ok := h.used[off]
	if !ok {
		return fmt.Errorf("kheap: free of unknown allocation at %#x", off)
	}
	delete(h.used, off)

	// insertion sort into holes, coalescing neighbors
	idx := 0
	for idx < len(h.holes) && h.holes[idx].offset < off {
		idx++
	}
	h.holes = append(h.holes, hole{})
	copy(h.holes[idx+1:], h.holes[idx:])
	h.holes[idx] = hole{offset: off, size: size}

	// coalesce with next
	if idx+1 < len(h.holes) && h.holes[idx].offset+h.holes[idx].size == h.holes[idx+1].offset {
		h.holes[idx].size += h.holes[idx+1].size
		h.holes = append(h.holes[:idx+1], h.holes[idx+2:]...)
	}
	// coalesce with previous
	if idx > 0 && h.holes[idx-1].offset+h.holes[idx-1].size == h.holes[idx].offset {
		h.holes[idx-1].size += h.holes[idx].size
		h.holes = append(h.holes[:idx], h.holes[idx+1:]...)
	}
	return nil
}

// Realloc grows an existing allocation, copying data as needed; a
// newSize no larger than the current size returns off unchanged and the
// allocation keeps its original size. Callers supply the copy function since the heap doesn't itself
// hold a view of backing bytes in this hosted model.
func (h *Heap) Realloc(off, newSize uintptr, copyFn func(dstOff, srcOff, n uintptr)) (uintptr, error) {
	h.mu.Lock()
	oldSize, ok := h.used[off]
	h.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("kheap: realloc of unknown allocation at %#x", off)
	}
	if newSize <= oldSize {
		return off, nil
	}
	newOff, err := h.Alloc(newSize)
	if err != nil {
		return 0, err
	}
	copyFn(newOff, off, oldSize)
	h.Free(off)
	return newOff, nil
}
