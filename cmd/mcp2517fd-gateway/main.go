// Command mcp2517fd-gateway serves an MCP2517FD CAN controller to cannelloni
// TCP clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-mcp2517fd/internal/cnl"
	"github.com/kstaniek/go-mcp2517fd/internal/metrics"
	"github.com/kstaniek/go-mcp2517fd/internal/server"
)

func main() {
	cfg, showVersion, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Printf("mcp2517fd-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, l, nil); err != nil {
		l.Error("gateway_error", "error", err)
		os.Exit(1)
	}
}

// run brings the controller up and serves it until ctx is done. The bound
// listen address is sent on listening once the server accepts clients.
func run(ctx context.Context, cfg *appConfig, l *slog.Logger, listening chan<- string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h := initHub(cfg, l)
	var wg sync.WaitGroup

	drv, cleanup, err := initController(ctx, cfg, h, l, &wg)
	if err != nil {
		return err
	}
	defer cleanup()
	startMetricsLogger(ctx, cfg.logMetricsEvery, drv.ReadErrorCounters, l, &wg)

	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(h),
		server.WithCodec(&cnl.Codec{Route: cfg.route()}),
		server.WithSend(drv.SendFrame),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil && drv.Err() == nil
	})
	defer metrics.SetReadinessFunc(nil)
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	select {
	case <-srv.Ready():
	case err := <-serveErr:
		return err
	}
	addr := srv.Addr()
	if listening != nil {
		listening <- addr
	}
	running := drv.Settings()
	cleanupMDNS, err := startMDNS(ctx, cfg, listenPort(addr), running.ActualBitRate())
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
	} else {
		defer cleanupMDNS()
		if cfg.mdnsEnable {
			l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "addr", addr)
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		l.Info("shutdown_signal")
	case runErr = <-serveErr:
		if runErr != nil {
			l.Error("tcp_server_error", "error", runErr)
		}
	}
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	if serr := srv.Shutdown(sctx); serr != nil {
		l.Warn("shutdown_timeout", "error", serr)
	}
	wg.Wait()
	return runErr
}

// listenPort extracts the port of a bound host:port address.
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
