package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-mcp2517fd/internal/can"
	"github.com/kstaniek/go-mcp2517fd/internal/hub"
	"github.com/kstaniek/go-mcp2517fd/internal/hw"
	"github.com/kstaniek/go-mcp2517fd/internal/mcp2517fd"
	"github.com/kstaniek/go-mcp2517fd/internal/spiproto"
)

// controllerIO is the host wiring of one controller.
type controllerIO struct {
	conn  spiproto.Conn
	cs    spiproto.ChipSelect
	irq   mcp2517fd.IntLine
	close func() error
}

// openController is a hook for tests.
var openController = func(cfg *appConfig) (*controllerIO, error) {
	d, err := hw.Open(hw.Config{
		SPIPort:  cfg.spiPort,
		MaxHz:    int64(cfg.spiMaxHz),
		GPIOChip: cfg.gpioChip,
		CSLine:   cfg.csLine,
		IntLine:  cfg.intLine,
		Consumer: "mcp2517fd-gateway",
	})
	if err != nil {
		return nil, err
	}
	return &controllerIO{conn: d.SPI, cs: d.CS, irq: d.IntLine(), close: d.Close}, nil
}

// raisePriority is a hook for tests.
var raisePriority = hw.RaisePriority

// initController brings the controller up, then starts the receive pump that
// dispatches frames to the hub and, when configured, the poll ticker.
func initController(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (*mcp2517fd.Driver, func(), error) {
	dev, err := openController(cfg)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open controller: %w", err)
	}
	opts := []mcp2517fd.Option{
		mcp2517fd.WithLogger(l.With("component", "mcp2517fd")),
		mcp2517fd.WithStrategy(cfg.strategyOption()),
	}
	if cfg.byteTransfers {
		opts = append(opts, mcp2517fd.WithByteTransfers())
	}
	if cfg.strategy == "worker" && cfg.workerNice != 0 {
		opts = append(opts, mcp2517fd.WithWorkerInit(raisePriority(cfg.workerNice)))
	}
	drv := mcp2517fd.New(dev.conn, dev.cs, dev.irq, opts...)

	filters := buildFilters(cfg.filters, func(f can.Frame) { h.Broadcast(f) })
	var isr func()
	if dev.irq != nil {
		isr = drv.ISR
	}
	s := cfg.controllerSettings()
	if err := drv.BeginWithFilters(s, isr, filters); err != nil {
		_ = dev.close()
		return nil, func() {}, fmt.Errorf("begin: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("controller_rx_end")
		for {
			select {
			case <-ctx.Done():
				return
			case <-drv.Received():
			}
			for drv.DispatchReceivedMessage(nil) {
			}
		}
	}()
	if cfg.pollInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(cfg.pollInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					drv.Poll()
				}
			}
		}()
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if err := drv.Close(); err != nil {
				l.Warn("controller_close_error", "error", err)
			}
			if err := dev.close(); err != nil {
				l.Warn("hw_close_error", "error", err)
			}
		})
	}
	return drv, cleanup, nil
}
