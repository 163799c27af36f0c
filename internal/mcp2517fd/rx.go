package mcp2517fd

import (
	"github.com/kstaniek/go-mcp2517fd/internal/can"
	"github.com/kstaniek/go-mcp2517fd/internal/metrics"
)

// Available reports whether a received frame is queued.
func (d *Driver) Available() bool {
	d.strategy.lockApp(d)
	n := d.rxBuf.Count()
	d.strategy.unlockApp(d)
	return n > 0
}

// Receive pops the oldest received frame into out. A successful call
// re-enables the receive FIFO interrupt, which the interrupt path turns off
// while the host queue is full.
func (d *Driver) Receive(out *can.Frame) bool {
	held := d.strategy.lockApp(d)
	ok := d.rxBuf.Remove(out)
	if ok {
		if held {
			d.proto.WriteReg8Locked(C1FIFOCON(RxFIFO), fifoNotFullNotEmptyIE)
		} else {
			d.proto.WriteReg8(C1FIFOCON(RxFIFO), fifoNotFullNotEmptyIE)
		}
	}
	d.strategy.unlockApp(d)
	return ok
}

// DispatchReceivedMessage receives one frame and hands it to match with the
// accepting filter index, then to that filter's callback. Either may be nil.
// It returns false when no frame was queued.
func (d *Driver) DispatchReceivedMessage(match func(filterIndex int)) bool {
	var f can.Frame
	if !d.Receive(&f) {
		return false
	}
	idx := int(f.Idx)
	metrics.IncFilterMatch(idx)
	if match != nil {
		match(idx)
	}
	var cb func(can.Frame)
	if d.hasCallbacks && idx < d.callbackCount {
		cb = d.callbacks[idx]
	}
	if cb != nil {
		cb(f)
	}
	return true
}

// receiveInterrupt moves one message object from the receive FIFO into the
// host queue.
func (d *Driver) receiveInterrupt() {
	p := d.proto
	p.ReadReg8Locked(C1FIFOSTA(RxFIFO))
	ua := p.ReadReg32Locked(C1FIFOUA(RxFIFO))
	var obj [ObjectSize]byte
	p.ReadLocked(RAMStart+uint16(ua), obj[:])
	f := DecodeObject(&obj)
	if d.rxBuf.Append(f) {
		metrics.IncRx()
		select {
		case d.received <- struct{}{}:
		default:
		}
	} else {
		metrics.IncRxDropped()
		d.log.Debug("rx_dropped", "id", f.ID, "ext", f.Ext)
	}
	p.WriteReg8Locked(C1FIFOCON(RxFIFO)+1, fifoUINC)
	if d.rxBuf.Full() {
		p.WriteReg8Locked(C1FIFOCON(RxFIFO), 0)
		metrics.IncRxThrottle()
	}
}
