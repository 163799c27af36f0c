package hw

import "testing"

func TestRerunWhileLowStopsWhenReleased(t *testing.T) {
	low := 3
	calls := 0
	n := rerunWhileLow(func() { calls++; low-- }, func() bool { return low > 0 })
	if calls != 3 || n != 3 {
		t.Fatalf("expected 3 handler passes, got calls=%d n=%d", calls, n)
	}
}

func TestRerunWhileLowBounded(t *testing.T) {
	calls := 0
	n := rerunWhileLow(func() { calls++ }, func() bool { return true })
	if n != maxLevelPasses || calls != maxLevelPasses {
		t.Fatalf("stuck line not bounded: calls=%d", calls)
	}
}

func TestEdgeOnlyWhenHigh(t *testing.T) {
	calls := 0
	rerunWhileLow(func() { calls++ }, func() bool { return false })
	if calls != 1 {
		t.Fatalf("expected single pass, got %d", calls)
	}
}

func TestNilIntLine(t *testing.T) {
	var d Device
	if d.IntLine() != nil {
		t.Fatalf("unwired INT line must be a nil interface")
	}
}

func TestConsumerDefault(t *testing.T) {
	if got := (Config{}).consumer(); got != "mcp2517fd" {
		t.Fatalf("consumer %q", got)
	}
	if got := (Config{Consumer: "gw"}).consumer(); got != "gw" {
		t.Fatalf("consumer %q", got)
	}
}
