// Package spiproto implements the MCP2517FD SPI register protocol.
//
// Every command is a 16-bit word, sent high byte first, made of a 4-bit
// opcode and a 12-bit address, followed by data bytes. 32-bit register values
// travel least significant byte first. Each register access is one
// chip-select pulse carrying one buffered transfer.
package spiproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/kstaniek/go-mcp2517fd/internal/metrics"
)

// Conn is a full-duplex SPI connection. r is either nil or as long as w.
type Conn interface {
	Tx(w, r []byte) error
}

// ChipSelect drives the controller's active-low CS input.
type ChipSelect interface {
	Assert() error   // CS low
	Deassert() error // CS high
}

// Clocker is implemented by connections whose clock can change between
// transactions.
type Clocker interface {
	SetClock(hz int64) error
}

const (
	opReset = 0x0
	opWrite = 0x2
	opRead  = 0x3

	cmdLen = 2
	// MaxBurst is the largest data phase of a single transfer: one CAN 2.0B
	// message object.
	MaxBurst = 16

	// SlowClock is used for reset, mode changes and the first RAM check.
	SlowClock = 1_000_000
)

// ErrBurstTooLong is recorded when a burst exceeds MaxBurst bytes.
var ErrBurstTooLong = errors.New("spiproto: burst longer than message object")

// Proto serializes register transactions on one controller.
//
// Methods with the Locked suffix require the transaction lock (Lock/Unlock);
// the others take it for the duration of a single access. Transfer errors do
// not interrupt the caller: the first one is kept and returned by Err.
type Proto struct {
	mu       sync.Mutex
	conn     Conn
	cs       ChipSelect
	clock    int64
	applied  int64
	byteMode bool
	tx       [cmdLen + MaxBurst]byte
	rx       [cmdLen + MaxBurst]byte

	errMu sync.Mutex
	err   error
}

// Option configures a Proto.
type Option func(*Proto)

// WithByteTransfers splits every transfer into one-byte Tx calls inside the
// same chip-select pulse. Slow; meant for logic-analyzer debugging.
func WithByteTransfers() Option { return func(p *Proto) { p.byteMode = true } }

// New returns a protocol handler clocked at SlowClock.
func New(c Conn, cs ChipSelect, opts ...Option) *Proto {
	p := &Proto{conn: c, cs: cs, clock: SlowClock}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetClock selects the bus clock applied by the next Lock.
func (p *Proto) SetClock(hz int64) {
	p.mu.Lock()
	p.clock = hz
	p.mu.Unlock()
}

// Clock returns the selected bus clock.
func (p *Proto) Clock() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clock
}

// Lock begins a transaction. The bus clock is switched if it changed.
func (p *Proto) Lock() {
	p.mu.Lock()
	if p.clock != p.applied {
		if c, ok := p.conn.(Clocker); ok {
			if err := c.SetClock(p.clock); err != nil {
				p.fail(fmt.Errorf("set clock %d Hz: %w", p.clock, err))
			}
		}
		p.applied = p.clock
	}
}

// Unlock ends a transaction.
func (p *Proto) Unlock() { p.mu.Unlock() }

// Err returns the first transfer error since the last ClearErr.
func (p *Proto) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// ClearErr forgets the recorded transfer error.
func (p *Proto) ClearErr() {
	p.errMu.Lock()
	p.err = nil
	p.errMu.Unlock()
}

func (p *Proto) fail(err error) {
	metrics.IncError(metrics.ErrSPITransfer)
	p.errMu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.errMu.Unlock()
}

func (p *Proto) command(op uint8, addr uint16) {
	cmd := addr&0x0FFF | uint16(op)<<12
	p.tx[0] = byte(cmd >> 8)
	p.tx[1] = byte(cmd)
}

// transfer runs one chip-select pulse over the first n buffer bytes.
func (p *Proto) transfer(n int) {
	metrics.IncSPITransfer()
	for i := range p.rx[:n] {
		p.rx[i] = 0
	}
	if err := p.cs.Assert(); err != nil {
		p.fail(fmt.Errorf("assert cs: %w", err))
		return
	}
	var err error
	if p.byteMode {
		for i := 0; i < n && err == nil; i++ {
			err = p.conn.Tx(p.tx[i:i+1], p.rx[i:i+1])
		}
	} else {
		err = p.conn.Tx(p.tx[:n], p.rx[:n])
	}
	if err != nil {
		p.fail(fmt.Errorf("spi tx: %w", err))
	}
	if err := p.cs.Deassert(); err != nil {
		p.fail(fmt.Errorf("deassert cs: %w", err))
	}
}

// ResetLocked sends the RESET instruction (command word 0x0000).
func (p *Proto) ResetLocked() {
	p.command(opReset, 0)
	p.transfer(cmdLen)
}

// WriteReg32Locked writes a 32-bit register.
func (p *Proto) WriteReg32Locked(addr uint16, v uint32) {
	p.command(opWrite, addr)
	binary.LittleEndian.PutUint32(p.tx[cmdLen:], v)
	p.transfer(cmdLen + 4)
}

// ReadReg32Locked reads a 32-bit register.
func (p *Proto) ReadReg32Locked(addr uint16) uint32 {
	p.command(opRead, addr)
	for i := cmdLen; i < cmdLen+4; i++ {
		p.tx[i] = 0
	}
	p.transfer(cmdLen + 4)
	return binary.LittleEndian.Uint32(p.rx[cmdLen:])
}

// WriteReg8Locked writes one register byte.
func (p *Proto) WriteReg8Locked(addr uint16, v byte) {
	p.command(opWrite, addr)
	p.tx[cmdLen] = v
	p.transfer(cmdLen + 1)
}

// ReadReg8Locked reads one register byte.
func (p *Proto) ReadReg8Locked(addr uint16) byte {
	p.command(opRead, addr)
	p.tx[cmdLen] = 0
	p.transfer(cmdLen + 1)
	return p.rx[cmdLen]
}

// WriteLocked writes data starting at addr in a single transfer.
func (p *Proto) WriteLocked(addr uint16, data []byte) {
	if len(data) > MaxBurst {
		p.fail(ErrBurstTooLong)
		return
	}
	p.command(opWrite, addr)
	n := copy(p.tx[cmdLen:], data)
	p.transfer(cmdLen + n)
}

// ReadLocked fills out from addr onwards in a single transfer.
func (p *Proto) ReadLocked(addr uint16, out []byte) {
	if len(out) > MaxBurst {
		p.fail(ErrBurstTooLong)
		return
	}
	p.command(opRead, addr)
	for i := cmdLen; i < cmdLen+len(out); i++ {
		p.tx[i] = 0
	}
	p.transfer(cmdLen + len(out))
	copy(out, p.rx[cmdLen:cmdLen+len(out)])
}

// Reset sends the RESET instruction in its own transaction.
func (p *Proto) Reset() {
	p.Lock()
	defer p.Unlock()
	p.ResetLocked()
}

// WriteReg32 writes a 32-bit register in its own transaction.
func (p *Proto) WriteReg32(addr uint16, v uint32) {
	p.Lock()
	defer p.Unlock()
	p.WriteReg32Locked(addr, v)
}

// ReadReg32 reads a 32-bit register in its own transaction.
func (p *Proto) ReadReg32(addr uint16) uint32 {
	p.Lock()
	defer p.Unlock()
	return p.ReadReg32Locked(addr)
}

// WriteReg8 writes a register byte in its own transaction.
func (p *Proto) WriteReg8(addr uint16, v byte) {
	p.Lock()
	defer p.Unlock()
	p.WriteReg8Locked(addr, v)
}

// ReadReg8 reads a register byte in its own transaction.
func (p *Proto) ReadReg8(addr uint16) byte {
	p.Lock()
	defer p.Unlock()
	return p.ReadReg8Locked(addr)
}
