package mcp2517fd

import (
	"github.com/kstaniek/go-mcp2517fd/internal/can"
	"github.com/kstaniek/go-mcp2517fd/internal/metrics"
)

// TryToSend queues f for transmission according to f.Idx: can.IdxTxFIFO
// uses the transmit FIFO (overflowing into the host queue), can.IdxTXQ uses
// the TXQ. It returns false when the frame was not accepted, including for
// reserved Idx values and before a successful Begin.
func (d *Driver) TryToSend(f can.Frame) bool {
	if !d.started.Load() {
		metrics.IncTxRejected()
		return false
	}
	d.proto.Lock()
	var ok bool
	switch f.Idx {
	case can.IdxTxFIFO:
		ok = d.enterTxFIFO(&f)
	case can.IdxTXQ:
		ok = d.sendViaTXQ(&f)
	}
	d.proto.Unlock()
	if !ok {
		metrics.IncTxRejected()
	}
	return ok
}

// SendFrame is TryToSend returning ErrNotStarted before a successful Begin
// and ErrTxOverflow on refusal.
func (d *Driver) SendFrame(f can.Frame) error {
	if !d.started.Load() {
		return ErrNotStarted
	}
	if !d.TryToSend(f) {
		return ErrTxOverflow
	}
	return nil
}

func (d *Driver) enterTxFIFO(f *can.Frame) bool {
	if d.txFull {
		ok := d.txBuf.Append(*f)
		if ok {
			metrics.IncTx(metrics.PathOverflow)
		}
		return ok
	}
	d.appendInControllerTxFIFO(f)
	metrics.IncTx(metrics.PathTxFIFO)
	if d.proto.ReadReg8Locked(C1FIFOSTA(TxFIFO))&fifoNotFullNotEmpty == 0 {
		d.proto.WriteReg8Locked(C1FIFOCON(TxFIFO), fifoTxEnable|fifoNotFullNotEmptyIE)
		d.txFull = true
	}
	return true
}

func (d *Driver) appendInControllerTxFIFO(f *can.Frame) {
	ua := d.proto.ReadReg32Locked(C1FIFOUA(TxFIFO))
	d.writeObject(RAMStart+uint16(ua), f)
	d.proto.WriteReg8Locked(C1FIFOCON(TxFIFO)+1, fifoUINC|fifoTXREQ)
}

func (d *Driver) sendViaTXQ(f *can.Frame) bool {
	if !d.usesTXQ || d.proto.ReadReg8Locked(C1TXQSTA)&fifoNotFullNotEmpty == 0 {
		return false
	}
	ua := d.proto.ReadReg32Locked(C1TXQUA)
	d.writeObject(RAMStart+uint16(ua), f)
	d.proto.WriteReg8Locked(C1TXQCON+1, fifoUINC|fifoTXREQ)
	metrics.IncTx(metrics.PathTXQ)
	return true
}

func (d *Driver) writeObject(addr uint16, f *can.Frame) {
	var obj [ObjectSize]byte
	EncodeObject(&obj, f)
	d.proto.WriteLocked(addr, obj[:])
}

// transmitInterrupt moves one frame from the host queue into the transmit
// FIFO and disarms the not-full interrupt once the host queue is empty.
func (d *Driver) transmitInterrupt() {
	var f can.Frame
	if d.txBuf.Remove(&f) {
		d.appendInControllerTxFIFO(&f)
	}
	if d.txBuf.Count() == 0 {
		d.proto.WriteReg8Locked(C1FIFOCON(TxFIFO), fifoTxEnable)
		d.txFull = false
	}
}
