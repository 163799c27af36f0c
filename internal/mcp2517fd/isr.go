package mcp2517fd

import "github.com/kstaniek/go-mcp2517fd/internal/metrics"

// isrCore services the controller once. It reports whether a receive or
// transmit source was handled, so callers may loop until it returns false.
func (d *Driver) isrCore() bool {
	metrics.IncISRPass()
	p := d.proto
	p.Lock()
	defer p.Unlock()
	flags := p.ReadReg32Locked(C1INT)
	handled := false
	if flags&intRXIF != 0 {
		d.receiveInterrupt()
		handled = true
	}
	if flags&intTXIF != 0 {
		d.transmitInterrupt()
		handled = true
	}
	if flags&intTBCIF != 0 {
		p.WriteReg8Locked(C1INT, intTBCIF)
	}
	if flags&intMODIF != 0 {
		p.WriteReg8Locked(C1INT, intMODIF)
	}
	if flags&intSERIF != 0 {
		p.WriteReg8Locked(C1INT+1, intSERIFByte)
	}
	return handled
}
