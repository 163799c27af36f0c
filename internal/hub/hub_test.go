package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/go-mcp2517fd/internal/can"
	"github.com/kstaniek/go-mcp2517fd/internal/metrics"
)

func TestBroadcastDropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(can.Frame{ID: 0x123, Ext: true})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected client buffer to be full, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
}

func TestBroadcastDropKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := NewClient(1)
	fast := NewClient(16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	before := metrics.Snap().HubDrops
	for i := 0; i < 10; i++ {
		h.Broadcast(can.Frame{ID: 0x2})
	}
	if len(fast.Out) != 10 {
		t.Fatalf("fast client got %d frames, want 10", len(fast.Out))
	}
	if d := metrics.Snap().HubDrops - before; d != 9 {
		t.Fatalf("expected 9 drops on the slow client, got %d", d)
	}
}

func TestKickPolicyClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	cl := NewClient(1)
	h.Add(cl)
	h.Broadcast(can.Frame{ID: 1})
	h.Broadcast(can.Frame{ID: 2})
	select {
	case <-cl.Closed:
	default:
		t.Fatalf("slow client was not kicked")
	}
	h.Remove(cl)
	h.Remove(cl)
	if h.Count() != 0 {
		t.Fatalf("count %d after remove", h.Count())
	}
}

func TestFilterSubscription(t *testing.T) {
	h := New()
	cl := NewClient(8)
	cl.Filters = 1<<0 | 1<<3
	h.Add(cl)
	defer h.Remove(cl)

	for _, idx := range []uint8{0, 1, 3, 31} {
		h.Broadcast(can.Frame{ID: 0x100, Idx: idx})
	}
	if len(cl.Out) != 2 {
		t.Fatalf("expected frames from filters 0 and 3 only, got %d", len(cl.Out))
	}
	if f := <-cl.Out; f.Idx != 0 {
		t.Fatalf("first frame idx %d", f.Idx)
	}
	if f := <-cl.Out; f.Idx != 3 {
		t.Fatalf("second frame idx %d", f.Idx)
	}
}
