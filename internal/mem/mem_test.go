package mem

import (
	"math/rand"
	"testing"

	"github.com/d7kernel/d7kernel/internal/defs"
)

func freshAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := NewAllocator([]Region{{Base: 0, Len: 64 << 20}}, nil)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	return a
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := freshAllocator(t)
	total := a.Free()

	var owned []PhysFrame
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		if len(owned) == 0 || rng.Intn(2) == 0 {
			f, err := a.AllocFrame()
			if err != nil {
				continue
			}
			owned = append(owned, f)
		} else {
			j := rng.Intn(len(owned))
			a.FreeFrame(owned[j])
			owned = append(owned[:j], owned[j+1:]...)
		}
	}
	for _, f := range owned {
		a.FreeFrame(f)
	}
	if got := a.Free(); got != total {
		t.Fatalf("frames leaked: started with %d free, ended with %d", total, got)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a := freshAllocator(t)
	f, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	a.FreeFrame(f)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double free")
		}
	}()
	a.FreeFrame(f)
}

func TestReservedSpansNeverAllocated(t *testing.T) {
	a := freshAllocator(t)
	for i := 0; i < a.nframes; i++ {
		f := PhysFrame(a.base + uint64(i)*defs.PageSize2M)
		if uint64(f) < defs.LowReserved {
			if !a.bitmap[i] {
				t.Fatalf("low reserved frame %#x reported free", f)
			}
		}
	}
}

func TestOutOfMemory(t *testing.T) {
	a := freshAllocator(t)
	n := a.Free()
	for i := 0; i < n; i++ {
		if _, err := a.AllocFrame(); err != nil {
			t.Fatalf("unexpected early exhaustion at %d/%d: %v", i, n, err)
		}
	}
	if _, err := a.AllocFrame(); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}
