package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-mcp2517fd/internal/can"
	"github.com/kstaniek/go-mcp2517fd/internal/hub"
	"github.com/kstaniek/go-mcp2517fd/internal/mcp2517fd"
	"github.com/kstaniek/go-mcp2517fd/internal/metrics"
)

const readBatch = 16

// startReader decodes client frames and hands them to the controller.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			cl.Close()
		}()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			_, err := s.codec.DecodeN(conn, readBatch, func(fr can.Frame) { s.forward(fr, logger) })
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				logger.Warn("client_read_error", "error", err)
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

func (s *Server) forward(fr can.Frame, logger *slog.Logger) {
	if s.frameFilter != nil && !s.frameFilter(&fr) {
		return
	}
	metrics.IncTCPRx()
	if s.send == nil {
		return
	}
	err := s.send(fr)
	if err == nil {
		return
	}
	if errors.Is(err, mcp2517fd.ErrTxOverflow) {
		s.totalBackendOverflow.Add(1)
		metrics.IncError(mapErrToMetric(err))
		logger.Debug("controller_tx_overflow", "can_id", fmt.Sprintf("0x%X", fr.ID), "ext", fr.Ext, "len", fr.Len)
		return
	}
	wrap := fmt.Errorf("%w: %v", ErrBackendTx, err)
	s.setError(wrap)
	s.totalBackendErrors.Add(1)
	logger.Error("controller_tx_error", "error", wrap, "can_id", fmt.Sprintf("0x%X", fr.ID))
}
