package circbuf

import "testing"

func TestRingFIFO(t *testing.T) {
	r := New[int](3)
	for _, v := range []int{1, 2, 3} {
		if !r.Push(v) {
			t.Fatalf("push %d failed unexpectedly", v)
		}
	}
	if r.Push(4) {
		t.Fatalf("push into full ring should fail")
	}
	for _, want := range []int{1, 2, 3} {
		got, ok := r.Pop()
		if !ok || got != want {
			t.Fatalf("pop = %v,%v want %v", got, ok, want)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Fatalf("pop from empty ring should fail")
	}
}

func TestRingDrain(t *testing.T) {
	r := New[int](4)
	r.Push(1)
	r.Push(2)
	r.Drain()
	if r.Len() != 0 {
		t.Fatalf("len = %d after drain, want 0", r.Len())
	}
	if !r.Push(9) {
		t.Fatalf("push after drain should succeed")
	}
}

func TestSPSC(t *testing.T) {
	s := NewSPSC(4)
	s.Push(1)
	s.Push(2)
	s.Push(3)
	got := s.Drain()
	want := []uint64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if d := s.Drain(); d != nil {
		t.Fatalf("second drain should be empty, got %v", d)
	}
}
