package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-mcp2517fd/internal/can"
	"github.com/kstaniek/go-mcp2517fd/internal/cnl"
	"github.com/kstaniek/go-mcp2517fd/internal/mcp2517fd"
	"github.com/kstaniek/go-mcp2517fd/internal/mcp2517fd/mcptest"
	"github.com/kstaniek/go-mcp2517fd/internal/metrics"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() *appConfig {
	c := defaultConfig()
	c.listenAddr = "127.0.0.1:0"
	c.handshakeTO = time.Second
	return c
}

// useChip routes openController to chip and reports how often the device
// was closed.
func useChip(t *testing.T, chip *mcptest.Chip, withIRQ bool) *atomic.Int32 {
	t.Helper()
	var closed atomic.Int32
	orig := openController
	openController = func(*appConfig) (*controllerIO, error) {
		dev := &controllerIO{conn: chip, cs: chip, close: func() error { closed.Add(1); return nil }}
		if withIRQ {
			dev.irq = chip.Line()
		}
		return dev, nil
	}
	t.Cleanup(func() { openController = orig })
	return &closed
}

// startRun runs the gateway until the test ends and returns the bound address.
func startRun(t *testing.T, cfg *appConfig) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	listening := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, quietLogger(), listening) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Errorf("run did not stop")
		}
	})
	select {
	case addr := <-listening:
		return addr
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("gateway not listening")
	}
	return ""
}

func dialGateway(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := cnl.Handshake(context.Background(), c, time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	waitUntil(t, "client registered", func() bool { return metrics.Snap().HubClients == 1 })
	return c
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func readFrame(t *testing.T, c net.Conn) can.Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := (&cnl.Codec{}).Decode(c)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f
}

func TestRunBridgesClientAndBus(t *testing.T) {
	chip := mcptest.New()
	closed := useChip(t, chip, true)
	var nices []int
	origPrio := raisePriority
	raisePriority = func(n int) func() error {
		nices = append(nices, n)
		return func() error { return nil }
	}
	t.Cleanup(func() { raisePriority = origPrio })

	cfg := testConfig()
	addr := startRun(t, cfg)
	if len(nices) != 1 || nices[0] != cfg.workerNice {
		t.Fatalf("worker priority hook calls %v", nices)
	}
	c := dialGateway(t, addr)

	out := (&cnl.Codec{}).Encode([]can.Frame{{ID: 0x123, Len: 2, Data: [8]byte{0xDE, 0xAD}}})
	if _, err := c.Write(out); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, "frame on the bus", func() bool { return len(chip.Sent()) == 1 })
	if got := chip.Sent()[0]; got.ID != 0x123 || got.Len != 2 || got.Data[1] != 0xAD {
		t.Fatalf("sent %+v", got)
	}

	if !chip.InjectRx(can.Frame{ID: 0x18DAF110, Ext: true, Len: 1, Data: [8]byte{7}}, 0) {
		t.Fatalf("inject failed")
	}
	chip.Fire()
	got := readFrame(t, c)
	if got.ID != 0x18DAF110 || !got.Ext || got.Len != 1 || got.Data[0] != 7 {
		t.Fatalf("client received %+v", got)
	}
	if closed.Load() != 0 {
		t.Fatalf("device closed while running")
	}
}

func TestRunPollsWithoutIntLine(t *testing.T) {
	chip := mcptest.New()
	closed := useChip(t, chip, false)
	cfg := testConfig()
	cfg.intLine = -1
	cfg.strategy = "inline"
	cfg.pollInterval = 2 * time.Millisecond

	t.Run("serve", func(t *testing.T) {
		addr := startRun(t, cfg)
		c := dialGateway(t, addr)
		if !chip.InjectRx(can.Frame{ID: 0x55, Len: 1, Data: [8]byte{1}}, 0) {
			t.Fatalf("inject failed")
		}
		if got := readFrame(t, c); got.ID != 0x55 || got.Data[0] != 1 {
			t.Fatalf("client received %+v", got)
		}
	})
	if closed.Load() != 1 {
		t.Fatalf("device closed %d times", closed.Load())
	}
}

func TestRunTXQRoute(t *testing.T) {
	chip := mcptest.New()
	useChip(t, chip, true)
	cfg := testConfig()
	cfg.strategy = "inline"
	cfg.txqSize = 4
	cfg.txRoute = "txq"
	addr := startRun(t, cfg)
	c := dialGateway(t, addr)

	before := metrics.Snap().Tx
	if _, err := c.Write((&cnl.Codec{}).Encode([]can.Frame{{ID: 0x10}})); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, "frame on the bus", func() bool { return len(chip.Sent()) == 1 })
	if got := chip.Sent()[0]; got.Idx != can.IdxTXQ {
		t.Fatalf("frame not sent through the TXQ: %+v", got)
	}
	if metrics.Snap().Tx != before+1 {
		t.Fatalf("tx counter did not move")
	}
}

func TestRunAdvertisesRunningBitRate(t *testing.T) {
	useChip(t, mcptest.New(), true)
	txts := make(chan []string, 1)
	orig := registerMDNS
	registerMDNS = func(_, _ string, _ int, txt []string) (func(), error) {
		txts <- txt
		return func() {}, nil
	}
	t.Cleanup(func() { registerMDNS = orig })

	cfg := testConfig()
	cfg.strategy = "inline"
	cfg.mdnsEnable = true
	cfg.oscillator = "20mhz"
	cfg.bitRate = 250_000
	startRun(t, cfg)
	select {
	case txt := <-txts:
		if !strings.Contains(strings.Join(txt, ";"), "bitrate=250000") {
			t.Fatalf("txt %v", txt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("service not registered")
	}
}

func TestRunBeginFailureClosesDevice(t *testing.T) {
	chip := mcptest.New(mcptest.HoldPLL())
	closed := useChip(t, chip, true)
	cfg := testConfig()
	cfg.oscillator = "4mhz-pll"

	err := run(context.Background(), cfg, quietLogger(), nil)
	var code mcp2517fd.ErrorCode
	if !errors.As(err, &code) || !code.Has(mcp2517fd.X10PLLNotReadyWithin1MS) {
		t.Fatalf("expected PLL error, got %v", err)
	}
	if closed.Load() != 1 {
		t.Fatalf("device closed %d times", closed.Load())
	}
}

func TestRunOpenFailure(t *testing.T) {
	orig := openController
	openController = func(*appConfig) (*controllerIO, error) { return nil, errors.New("no spi") }
	t.Cleanup(func() { openController = orig })
	if err := run(context.Background(), testConfig(), quietLogger(), nil); err == nil {
		t.Fatalf("expected open error")
	}
}

func TestSplitDiag(t *testing.T) {
	tec, rec := splitDiag(0x00A5_7F80)
	if tec != 0x80 || rec != 0x7F {
		t.Fatalf("tec=0x%X rec=0x%X", tec, rec)
	}
}

func TestListenPort(t *testing.T) {
	if p := listenPort("127.0.0.1:20000"); p != 20000 {
		t.Fatalf("port %d", p)
	}
	if p := listenPort("bogus"); p != 0 {
		t.Fatalf("port %d", p)
	}
}
