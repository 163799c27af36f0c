package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-mcp2517fd/internal/can"
	"github.com/kstaniek/go-mcp2517fd/internal/cnl"
	"github.com/kstaniek/go-mcp2517fd/internal/mcp2517fd"
	"github.com/kstaniek/go-mcp2517fd/internal/mcp2517fd/mcptest"
	"github.com/kstaniek/go-mcp2517fd/internal/metrics"
)

// captureSend records frames handed to the controller.
type captureSend struct {
	mu     sync.Mutex
	frames []can.Frame
	err    error
}

func (c *captureSend) send(fr can.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, fr)
	return nil
}

func (c *captureSend) got() []can.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]can.Frame(nil), c.frames...)
}

func startServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(append([]ServerOption{WithListenAddr("127.0.0.1:0")}, opts...)...)
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	})
	return srv
}

func dialAndHandshake(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(time.Second))
	if _, err := c.Write([]byte("CANNELLONIv1")); err != nil {
		t.Fatalf("write magic: %v", err)
	}
	buf := make([]byte, 12)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read magic: %v", err)
	}
	_ = c.SetDeadline(time.Time{})
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeFrames(t *testing.T, c net.Conn, frames ...can.Frame) {
	t.Helper()
	codec := cnl.Codec{}
	if _, err := c.Write(codec.Encode(frames)); err != nil {
		t.Fatalf("write frames: %v", err)
	}
}

func TestClientFramesReachController(t *testing.T) {
	sink := &captureSend{}
	srv := startServer(t, WithSend(sink.send))
	c := dialAndHandshake(t, srv.Addr())

	pre := metrics.Snap()
	writeFrames(t, c,
		can.Frame{ID: 0x123, Len: 3, Data: [8]byte{1, 2, 3}},
		can.Frame{ID: 0x1ABCDE, Ext: true},
	)
	waitFor(t, "two frames", func() bool { return len(sink.got()) == 2 })
	got := sink.got()
	if got[0].ID != 0x123 || got[0].Ext || got[0].Len != 3 || got[0].Data[2] != 3 {
		t.Fatalf("first frame %+v", got[0])
	}
	if got[1].ID != 0x1ABCDE || !got[1].Ext {
		t.Fatalf("second frame %+v", got[1])
	}
	if d := metrics.Snap().TCPRx - pre.TCPRx; d != 2 {
		t.Fatalf("TCPRx delta %d", d)
	}
}

func TestBroadcastReachesClient(t *testing.T) {
	srv := startServer(t)
	c := dialAndHandshake(t, srv.Addr())
	waitFor(t, "hub registration", func() bool { return srv.Hub.Count() == 1 })

	srv.Hub.Broadcast(can.Frame{ID: 0x456, Len: 2, Data: [8]byte{9, 8}})
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	codec := cnl.Codec{}
	fr, err := codec.Decode(c)
	if err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if fr.ID != 0x456 || fr.Len != 2 || fr.Data[0] != 9 {
		t.Fatalf("broadcast frame %+v", fr)
	}
}

func TestControllerOverflowIsCountedNotFatal(t *testing.T) {
	sink := &captureSend{err: mcp2517fd.ErrTxOverflow}
	srv := startServer(t, WithSend(sink.send))
	c := dialAndHandshake(t, srv.Addr())

	writeFrames(t, c, can.Frame{ID: 1}, can.Frame{ID: 2})
	waitFor(t, "overflow accounting", func() bool { return srv.totalBackendOverflow.Load() == 2 })
	if srv.LastError() != nil {
		t.Fatalf("overflow must not be recorded as a server error: %v", srv.LastError())
	}
	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()
	writeFrames(t, c, can.Frame{ID: 3})
	waitFor(t, "frame after overflow", func() bool { return len(sink.got()) == 1 })
}

func TestControllerErrorIsRecorded(t *testing.T) {
	sink := &captureSend{err: errors.New("spi down")}
	srv := startServer(t, WithSend(sink.send))
	c := dialAndHandshake(t, srv.Addr())

	writeFrames(t, c, can.Frame{ID: 1})
	waitFor(t, "backend error", func() bool { return srv.totalBackendErrors.Load() == 1 })
	if !errors.Is(srv.LastError(), ErrBackendTx) {
		t.Fatalf("last error %v", srv.LastError())
	}
}

func TestMalformedFrameClosesClient(t *testing.T) {
	srv := startServer(t)
	c := dialAndHandshake(t, srv.Addr())
	pre := metrics.Snap()

	if _, err := c.Write([]byte{0, 0, 0, 1, 0x09}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c.Read(make([]byte, 16)); err == nil {
		t.Fatalf("expected connection close after malformed frame")
	}
	if d := metrics.Snap().Malformed - pre.Malformed; d != 1 {
		t.Fatalf("malformed delta %d", d)
	}
	if !errors.Is(srv.LastError(), ErrConnRead) {
		t.Fatalf("last error %v", srv.LastError())
	}
}

func TestFrameFilterCanRoute(t *testing.T) {
	sink := &captureSend{}
	srv := startServer(t, WithSend(sink.send), WithFrameFilter(func(f *can.Frame) bool {
		if f.ID == 0x7FF {
			return false
		}
		if f.Ext {
			f.Idx = can.IdxTXQ
		}
		return true
	}))
	c := dialAndHandshake(t, srv.Addr())

	writeFrames(t, c, can.Frame{ID: 0x7FF}, can.Frame{ID: 0x10, Ext: true}, can.Frame{ID: 0x11})
	waitFor(t, "filtered frames", func() bool { return len(sink.got()) == 2 })
	got := sink.got()
	if got[0].Idx != can.IdxTXQ || got[1].Idx != can.IdxTxFIFO {
		t.Fatalf("routing %d %d", got[0].Idx, got[1].Idx)
	}
}

func TestMaxClientsRejects(t *testing.T) {
	srv := startServer(t, WithMaxClients(1))
	_ = dialAndHandshake(t, srv.Addr())
	waitFor(t, "first client", func() bool { return srv.Hub.Count() == 1 })
	pre := metrics.Snap()

	c2 := dialAndHandshake(t, srv.Addr())
	_ = c2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c2.Read(make([]byte, 1)); err == nil {
		t.Fatalf("second client should be closed")
	}
	if d := metrics.Snap().HubRejects - pre.HubRejects; d != 1 {
		t.Fatalf("reject delta %d", d)
	}
}

func TestClientFilterSubscription(t *testing.T) {
	srv := startServer(t, WithClientFilters(1<<2))
	c := dialAndHandshake(t, srv.Addr())
	waitFor(t, "hub registration", func() bool { return srv.Hub.Count() == 1 })

	srv.Hub.Broadcast(can.Frame{ID: 0x100, Idx: 1})
	srv.Hub.Broadcast(can.Frame{ID: 0x200, Idx: 2})
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	codec := cnl.Codec{}
	fr, err := codec.Decode(c)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fr.ID != 0x200 {
		t.Fatalf("expected only the filter 2 frame, got 0x%X", fr.ID)
	}
}

func TestGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer(WithListenAddr("127.0.0.1:0"))
	go func() { _ = srv.Serve(ctx) }()
	<-srv.Ready()
	c := dialAndHandshake(t, srv.Addr())
	waitFor(t, "hub registration", func() bool { return srv.Hub.Count() == 1 })

	sctx, scancel := context.WithTimeout(context.Background(), time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if srv.Hub.Count() != 0 {
		t.Fatalf("clients left after shutdown: %d", srv.Hub.Count())
	}
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Fatalf("client connection still open")
	}
}

// TestGatewayLoopThroughDriver runs client frames through a driver bound to
// the simulated controller.
func TestGatewayLoopThroughDriver(t *testing.T) {
	chip := mcptest.New()
	d := mcp2517fd.New(chip, chip, chip.Line(), mcp2517fd.WithStrategy(mcp2517fd.Inline()))
	t.Cleanup(func() { _ = d.Close() })
	s := mcp2517fd.NewSettings(mcp2517fd.Osc40MHz, 500_000, mcp2517fd.DefaultTolerancePPM)
	if err := d.Begin(s, d.ISR); err != nil {
		t.Fatalf("begin: %v", err)
	}

	srv := startServer(t, WithSend(d.SendFrame))
	c := dialAndHandshake(t, srv.Addr())
	writeFrames(t, c, can.Frame{ID: 0x321, Len: 1, Data: [8]byte{0x5A}})
	waitFor(t, "frame on the bus", func() bool { return len(chip.Sent()) == 1 })
	if got := chip.Sent()[0]; got.ID != 0x321 || got.Data[0] != 0x5A {
		t.Fatalf("sent %+v", got)
	}
}
