// Package mcptest simulates an MCP2517FD at register level for driver tests.
//
// Chip implements the SPI connection, the chip-select line and, through
// Line, the INT output. It decodes the SPI command stream byte by byte, keeps
// the register file and message RAM, and models the receive FIFO (FIFO1),
// the transmit FIFO (FIFO2) and the TXQ closely enough for the driver's
// buffering to be observed.
package mcptest

import (
	"errors"
	"sync"

	"github.com/kstaniek/go-mcp2517fd/internal/can"
	"github.com/kstaniek/go-mcp2517fd/internal/mcp2517fd"
)

// ErrNoChipSelect is returned by Tx outside a chip-select pulse.
var ErrNoChipSelect = errors.New("mcptest: transfer without chip select")

// RAM offsets of the simulated FIFOs.
const (
	txqBase    = 0x000
	rxFIFOBase = 0x200
	txFIFOBase = 0x400
)

// Write is one byte written over SPI.
type Write struct {
	Addr uint16
	Val  byte
}

type fifo struct {
	con  uint16
	base uint16
	head int
	n    int
	txq  bool
}

// Chip is a simulated controller. All methods are safe for concurrent use.
type Chip struct {
	mu  sync.Mutex
	mem [0x1000]byte

	csLow   bool
	pulses  int
	stray   int
	cmd     uint16
	cmdLen  int
	addr    uint16
	clock   int64
	clocks  []int64
	writes  []Write
	latched uint32
	shared  bool

	rx, tx, txq fifo
	sent        []can.Frame

	holdPLL  bool
	refuse   map[uint8]bool
	stuck    uint32
	maxClock int64

	line *Line
}

// Option configures a Chip.
type Option func(*Chip)

// HoldPLL keeps the PLL ready bit clear once the PLL is enabled.
func HoldPLL() Option { return func(c *Chip) { c.holdPLL = true } }

// RefuseMode ignores requests for operation mode m.
func RefuseMode(m mcp2517fd.OperationMode) Option {
	return func(c *Chip) { c.refuse[uint8(m)] = true }
}

// StuckRAMBits forces the given bits of the first RAM word to read as zero.
func StuckRAMBits(mask uint32) Option { return func(c *Chip) { c.stuck = mask } }

// MaxClock corrupts RAM reads when the bus runs faster than hz.
func MaxClock(hz int64) Option { return func(c *Chip) { c.maxClock = hz } }

// Running starts the chip in normal CAN 2.0 mode, as left by a previous
// owner.
func Running() Option {
	return func(c *Chip) {
		c.mem[mcp2517fd.C1CON+2] = c.mem[mcp2517fd.C1CON+2]&0x1F | byte(mcp2517fd.Normal20B)<<5
	}
}

// NotInterruptible makes the INT line refuse handlers.
func NotInterruptible() Option { return func(c *Chip) { c.line.noIRQ = true } }

// New returns a chip in its reset state.
func New(opts ...Option) *Chip {
	c := &Chip{refuse: map[uint8]bool{}}
	c.rx = fifo{con: mcp2517fd.C1FIFOCON(mcp2517fd.RxFIFO), base: rxFIFOBase}
	c.tx = fifo{con: mcp2517fd.C1FIFOCON(mcp2517fd.TxFIFO), base: txFIFOBase}
	c.txq = fifo{con: mcp2517fd.C1TXQCON, base: txqBase, txq: true}
	c.line = &Line{chip: c}
	c.reset()
	for _, o := range opts {
		o(c)
	}
	return c
}

// Line returns the simulated INT line.
func (c *Chip) Line() *Line { return c.line }

func (c *Chip) reset() {
	for a := 0; a < int(mcp2517fd.RAMStart); a++ {
		c.mem[a] = 0
	}
	for a := int(mcp2517fd.RAMEnd); a < len(c.mem); a++ {
		c.mem[a] = 0
	}
	// C1CON = 0x04980760: configuration mode requested and reached.
	c.put32(mcp2517fd.C1CON, 0x04980760)
	// OSC = 0x00000460: oscillator ready.
	c.put32(mcp2517fd.OSC, 0x00000460)
	c.latched = 0
	for _, f := range []*fifo{&c.rx, &c.tx, &c.txq} {
		f.head, f.n = 0, 0
	}
}

func (c *Chip) put32(a uint16, v uint32) {
	c.mem[a] = byte(v)
	c.mem[a+1] = byte(v >> 8)
	c.mem[a+2] = byte(v >> 16)
	c.mem[a+3] = byte(v >> 24)
}

// Tx implements spiproto.Conn.
func (c *Chip) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.csLow {
		c.stray++
		return ErrNoChipSelect
	}
	for i, b := range w {
		var out byte
		if c.cmdLen < 2 {
			c.cmd = c.cmd<<8 | uint16(b)
			c.cmdLen++
			if c.cmdLen == 2 {
				c.addr = c.cmd & 0x0FFF
				if c.cmd>>12 == 0 && c.addr == 0 {
					c.reset()
				}
			}
		} else {
			switch c.cmd >> 12 {
			case 0x2:
				c.writeByte(c.addr, b)
			case 0x3:
				out = c.readByte(c.addr)
			}
			c.addr = (c.addr + 1) & 0x0FFF
		}
		if r != nil && i < len(r) {
			r[i] = out
		}
	}
	return nil
}

// SetClock implements spiproto.Clocker.
func (c *Chip) SetClock(hz int64) error {
	c.mu.Lock()
	c.clock = hz
	c.clocks = append(c.clocks, hz)
	c.mu.Unlock()
	return nil
}

// Assert implements spiproto.ChipSelect.
func (c *Chip) Assert() error {
	c.mu.Lock()
	c.csLow = true
	c.pulses++
	c.cmd, c.cmdLen = 0, 0
	c.mu.Unlock()
	return nil
}

// Deassert implements spiproto.ChipSelect.
func (c *Chip) Deassert() error {
	c.mu.Lock()
	c.csLow = false
	c.mu.Unlock()
	return nil
}

// UsingInterrupt records that the driver declared its INT line shared.
func (c *Chip) UsingInterrupt(mcp2517fd.IntLine) {
	c.mu.Lock()
	c.shared = true
	c.mu.Unlock()
}

func (c *Chip) size(f *fifo) int { return int(c.mem[f.con+3]&0x1F) + 1 }

// ua is the RAM offset of the object the host accesses next: the oldest
// unread object of the receive FIFO, the next free slot of a transmit FIFO.
func (c *Chip) ua(f *fifo) uint32 {
	return uint32(f.base) + uint32(f.head)*mcp2517fd.ObjectSize
}

func (c *Chip) notFullNotEmpty(f *fifo) bool {
	if f == &c.rx {
		return f.n > 0
	}
	return f.n < c.size(f)
}

func (c *Chip) intFlags() uint32 {
	v := c.latched
	if c.mem[c.tx.con]&1 != 0 && c.notFullNotEmpty(&c.tx) {
		v |= 1 << 0
	}
	if c.mem[c.rx.con]&1 != 0 && c.notFullNotEmpty(&c.rx) {
		v |= 1 << 1
	}
	return v
}

func (c *Chip) asserted() bool {
	flags := c.intFlags()
	en := uint32(c.mem[mcp2517fd.C1INT+2])
	return flags&en&0x3 != 0 || c.latched != 0
}

func (c *Chip) fifoFor(base uint16) *fifo {
	for _, f := range []*fifo{&c.rx, &c.tx, &c.txq} {
		if base == f.con {
			return f
		}
	}
	return nil
}

// readByte returns the byte at a, computing status registers on the fly.
func (c *Chip) readByte(a uint16) byte {
	reg, off := a&^3, a&3
	switch {
	case reg == mcp2517fd.C1INT && off < 2:
		return byte(c.intFlags() >> (8 * off))
	case a >= mcp2517fd.RAMStart && a < mcp2517fd.RAMEnd:
		v := c.mem[a]
		if c.maxClock > 0 && c.clock > c.maxClock {
			v ^= 0x01
		}
		return v
	}
	if f := c.fifoFor(reg - 4); f != nil {
		if off == 0 && c.notFullNotEmpty(f) {
			return 1
		}
		return 0
	}
	if f := c.fifoFor(reg - 8); f != nil {
		return byte(c.ua(f) >> (8 * off))
	}
	return c.mem[a]
}

func (c *Chip) writeByte(a uint16, v byte) {
	c.writes = append(c.writes, Write{Addr: a, Val: v})
	reg, off := a&^3, a&3
	switch {
	case a == mcp2517fd.C1CON+2:
		c.mem[a] = v&^0xE0 | c.mem[a]&0xE0
		return
	case a == mcp2517fd.C1CON+3:
		c.mem[a] = v
		if req := v & 0x07; !c.refuse[req] {
			c.mem[mcp2517fd.C1CON+2] = c.mem[mcp2517fd.C1CON+2]&0x1F | req<<5
		}
		return
	case reg == mcp2517fd.C1INT && off < 2:
		c.latched &^= uint32(v) << (8 * off)
		return
	case a == mcp2517fd.OSC:
		c.mem[a] = v
		if v&0x01 != 0 && c.holdPLL {
			c.mem[a+1] &^= 0x04
		} else {
			c.mem[a+1] |= 0x04
		}
		return
	case a >= mcp2517fd.RAMStart && a < mcp2517fd.RAMStart+4:
		v &^= byte(c.stuck >> (8 * (a - mcp2517fd.RAMStart)))
	}
	if f := c.fifoFor(reg); f != nil && off == 1 {
		if v&0x01 != 0 {
			c.uinc(f)
		}
		return
	}
	if c.fifoFor(reg-4) != nil || c.fifoFor(reg-8) != nil {
		return
	}
	c.mem[a] = v
}

func (c *Chip) uinc(f *fifo) {
	size := c.size(f)
	if f == &c.rx {
		if f.n > 0 {
			f.head = (f.head + 1) % size
			f.n--
		}
		return
	}
	if f.n >= size {
		return
	}
	var obj [mcp2517fd.ObjectSize]byte
	start := mcp2517fd.RAMStart + uint16(c.ua(f))
	copy(obj[:], c.mem[start:start+mcp2517fd.ObjectSize])
	fr := mcp2517fd.DecodeObject(&obj)
	fr.Idx = can.IdxTxFIFO
	if f.txq {
		fr.Idx = can.IdxTXQ
	}
	c.sent = append(c.sent, fr)
	f.head = (f.head + 1) % size
	f.n++
}

// InjectRx stores f in the receive FIFO as accepted by filter index filter.
// It returns false when the FIFO is full.
func (c *Chip) InjectRx(f can.Frame, filter int) bool {
	var obj [mcp2517fd.ObjectSize]byte
	mcp2517fd.EncodeObject(&obj, &f)
	obj[5] |= byte(filter&0x1F) << 3
	return c.InjectRaw(obj)
}

// InjectRaw stores a raw message object in the receive FIFO.
func (c *Chip) InjectRaw(obj [mcp2517fd.ObjectSize]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	size := c.size(&c.rx)
	if c.rx.n >= size {
		return false
	}
	tail := (c.rx.head + c.rx.n) % size
	start := mcp2517fd.RAMStart + c.rx.base + uint16(tail)*mcp2517fd.ObjectSize
	copy(c.mem[start:], obj[:])
	c.rx.n++
	return true
}

// CompleteTx marks up to n frames of the transmit FIFO as sent on the bus,
// freeing their slots.
func (c *Chip) CompleteTx(n int) {
	c.mu.Lock()
	if n > c.tx.n {
		n = c.tx.n
	}
	c.tx.n -= n
	c.mu.Unlock()
}

// Sent returns every frame committed to the transmit FIFO or the TXQ.
func (c *Chip) Sent() []can.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]can.Frame(nil), c.sent...)
}

// TxPending returns the number of occupied transmit FIFO slots.
func (c *Chip) TxPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx.n
}

// RxPending returns the number of unread receive FIFO objects.
func (c *Chip) RxPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rx.n
}

// RaiseFlags latches C1INT bits such as TBCIF (bit 2), MODIF (bit 3) or
// SERRIF (bit 12).
func (c *Chip) RaiseFlags(bits uint32) {
	c.mu.Lock()
	c.latched |= bits
	c.mu.Unlock()
}

// Flags returns the current C1INT flag bits.
func (c *Chip) Flags() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intFlags()
}

// Reg8 returns a register byte as the driver would read it.
func (c *Chip) Reg8(a uint16) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readByte(a)
}

// Reg32 returns a 32-bit register as the driver would read it.
func (c *Chip) Reg32(a uint16) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(c.readByte(a)) | uint32(c.readByte(a+1))<<8 |
		uint32(c.readByte(a+2))<<16 | uint32(c.readByte(a+3))<<24
}

// SetReg32 stores a register value directly, bypassing write side effects.
func (c *Chip) SetReg32(a uint16, v uint32) {
	c.mu.Lock()
	c.put32(a, v)
	c.mu.Unlock()
}

// Writes returns the values written to a, oldest first.
func (c *Chip) Writes(a uint16) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, w := range c.writes {
		if w.Addr == a {
			out = append(out, w.Val)
		}
	}
	return out
}

// LastWrite returns the most recent value written to a.
func (c *Chip) LastWrite(a uint16) (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.writes) - 1; i >= 0; i-- {
		if c.writes[i].Addr == a {
			return c.writes[i].Val, true
		}
	}
	return 0, false
}

// WriteLog returns every byte written so far.
func (c *Chip) WriteLog() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}

// ClearLog forgets recorded writes.
func (c *Chip) ClearLog() {
	c.mu.Lock()
	c.writes = nil
	c.mu.Unlock()
}

// Pulses returns the number of chip-select pulses.
func (c *Chip) Pulses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pulses
}

// Stray returns the number of transfers attempted with chip select high.
func (c *Chip) Stray() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stray
}

// Clocks returns the bus clocks applied, in order.
func (c *Chip) Clocks() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.clocks...)
}

// Shared reports whether UsingInterrupt was called.
func (c *Chip) Shared() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shared
}

// Fire signals the INT line.
func (c *Chip) Fire() { c.line.Fire() }
