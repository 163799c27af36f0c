package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-mcp2517fd/internal/metrics"
)

// startMetricsLogger periodically logs the counter snapshot and publishes the
// controller error counters read through readDiag.
func startMetricsLogger(ctx context.Context, interval time.Duration, readDiag func() uint32, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				tec, rec := splitDiag(readDiag())
				metrics.SetBusErrorCounters(tec, rec)
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"tx", snap.Tx,
					"tx_overflow", snap.TxOverflow,
					"tx_rejected", snap.TxRejected,
					"rx", snap.Rx,
					"rx_throttle", snap.RxThrottle,
					"rx_dropped", snap.RxDropped,
					"isr_passes", snap.ISRPasses,
					"spi_transfers", snap.SPITransfers,
					"tec", tec,
					"rec", rec,
					"tcp_rx", snap.TCPRx,
					"tcp_tx", snap.TCPTx,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// splitDiag extracts the nominal transmit and receive error counters from
// C1BDIAG0.
func splitDiag(v uint32) (tec, rec uint8) { return uint8(v), uint8(v >> 8) }
