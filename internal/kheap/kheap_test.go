package kheap

import (
	"testing"

	"github.com/d7kernel/d7kernel/internal/defs"
	"github.com/d7kernel/d7kernel/internal/mem"
	"github.com/d7kernel/d7kernel/internal/vm"
)

func freshHeap(t *testing.T) *Heap {
	t.Helper()
	a, err := mem.NewAllocator([]mem.Region{{Base: 0, Len: 256 << 20}}, nil)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	m := vm.NewManager(a)
	as, err := m.NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	return New(as)
}

func TestAllocFreeReuse(t *testing.T) {
	h := freshHeap(t)
	a, err := h.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := h.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	b, err := h.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc after free: %v", err)
	}
	if a != b {
		t.Fatalf("expected reuse of freed space: a=%#x b=%#x", a, b)
	}
}

func TestAllocGrowsAcrossPages(t *testing.T) {
	h := freshHeap(t)
	var offs []uintptr
	for i := 0; i < 10; i++ {
		off, err := h.Alloc(defs.PageSize2M / 2)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		offs = append(offs, off)
	}
	if h.grown < defs.PageSize2M*2 {
		t.Fatalf("expected heap to have grown across multiple pages, grown=%d", h.grown)
	}
}

func TestFreeUnknownFails(t *testing.T) {
	h := freshHeap(t)
	if err := h.Free(12345); err == nil {
		t.Fatalf("expected error freeing unknown offset")
	}
}

func TestCoalesceAdjacentHoles(t *testing.T) {
	h := freshHeap(t)
	a, _ := h.Alloc(64)
	b, _ := h.Alloc(64)
	c, _ := h.Alloc(64)
	h.Free(a)
	h.Free(b)
	h.Free(c)
	big, err := h.Alloc(64 * 3)
	if err != nil {
		t.Fatalf("expected coalesced hole to satisfy larger alloc: %v", err)
	}
	if big != a {
		t.Fatalf("expected coalesced allocation to start at %#x, got %#x", a, big)
	}
}
