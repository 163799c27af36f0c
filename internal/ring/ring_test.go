package ring

import "testing"

func TestRingFIFOOrder(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 3; i++ {
		if !r.Append(i) {
			t.Fatalf("append %d failed on non-full ring", i)
		}
	}
	if r.Append(4) {
		t.Fatalf("append succeeded on full ring")
	}
	if !r.Full() || r.Count() != 3 || r.Size() != 3 {
		t.Fatalf("unexpected state count=%d size=%d full=%v", r.Count(), r.Size(), r.Full())
	}
	for want := 1; want <= 3; want++ {
		var got int
		if !r.Remove(&got) {
			t.Fatalf("remove failed, want %d", want)
		}
		if got != want {
			t.Fatalf("got %d want %d", got, want)
		}
	}
	got := -1
	if r.Remove(&got) {
		t.Fatalf("remove succeeded on empty ring")
	}
	if got != -1 {
		t.Fatalf("remove on empty ring modified out: %d", got)
	}
}

func TestRingWrapAround(t *testing.T) {
	r := New[int](2)
	next := 0
	var v int
	// Interleave so head and tail cross the end of the buffer many times.
	for i := 0; i < 10; i++ {
		if !r.Append(i) {
			t.Fatalf("append %d failed", i)
		}
		if i%2 == 1 {
			for r.Remove(&v) {
				if v != next {
					t.Fatalf("got %d want %d", v, next)
				}
				next++
			}
		}
	}
	if next != 10 {
		t.Fatalf("drained %d elements, want 10", next)
	}
}

func TestRingZeroSize(t *testing.T) {
	r := New[string](0)
	if r.Append("x") {
		t.Fatalf("zero-size ring accepted an element")
	}
	if !r.Full() {
		t.Fatalf("zero-size ring should report full")
	}
}

func TestRingResetAndInit(t *testing.T) {
	r := New[int](4)
	r.Append(1)
	r.Append(2)
	r.Reset()
	if r.Count() != 0 || r.Size() != 4 {
		t.Fatalf("reset: count=%d size=%d", r.Count(), r.Size())
	}
	r.Init(1)
	if r.Size() != 1 {
		t.Fatalf("init: size=%d", r.Size())
	}
	r.Append(7)
	if r.Append(8) {
		t.Fatalf("resized ring should hold one element")
	}
}

func BenchmarkRingAppendRemove(b *testing.B) {
	r := New[[16]byte](32)
	var v [16]byte
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		r.Append(v)
		r.Remove(&v)
	}
}
