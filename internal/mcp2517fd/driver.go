// Package mcp2517fd drives a Microchip MCP2517FD CAN controller in CAN 2.0B
// mode over SPI.
//
// The controller's receive FIFO (FIFO1), transmit FIFO (FIFO2) and optional
// TXQ are bridged to two host-side queues. Frames leave through TryToSend and
// arrive through Receive or DispatchReceivedMessage; the interrupt line moves
// frames between the controller and the host queues.
package mcp2517fd

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-mcp2517fd/internal/can"
	"github.com/kstaniek/go-mcp2517fd/internal/logging"
	"github.com/kstaniek/go-mcp2517fd/internal/metrics"
	"github.com/kstaniek/go-mcp2517fd/internal/ring"
	"github.com/kstaniek/go-mcp2517fd/internal/spiproto"
)

// Trigger selects how the interrupt handler is attached to the INT line.
type Trigger uint8

const (
	TriggerFallingEdge Trigger = iota
	TriggerLowLevel
)

func (t Trigger) String() string {
	if t == TriggerLowLevel {
		return "low"
	}
	return "falling"
}

// IntLine is the host input wired to the controller's INT output.
type IntLine interface {
	// Interruptible reports whether handlers can be attached to the line.
	Interruptible() bool
	// ConfigureInput makes the line an input with pull-up.
	ConfigureInput() error
	Attach(t Trigger, handler func()) error
	Detach() error
}

// InterruptSharer is implemented by SPI connections that need to know about
// interrupt lines whose handlers run transactions on the same bus.
type InterruptSharer interface {
	UsingInterrupt(line IntLine)
}

const defaultModeTimeout = 2 * time.Millisecond

// Driver is one MCP2517FD controller.
type Driver struct {
	proto    *spiproto.Proto
	conn     spiproto.Conn
	cs       spiproto.ChipSelect
	irq      IntLine
	strategy Strategy
	log      *slog.Logger

	protoOpts   []spiproto.Option
	workerInit  func() error
	modeTimeout time.Duration

	settings Settings
	started  atomic.Bool

	// Guarded by the SPI transaction lock (transmit side) and by the
	// strategy's application lock (receive side).
	txBuf   ring.Ring[can.Frame]
	rxBuf   ring.Ring[can.Frame]
	txFull  bool
	usesTXQ bool

	// Installed by Begin, read-only afterwards.
	callbacks     [MaxFilters]func(can.Frame)
	callbackCount int
	hasCallbacks  bool

	received chan struct{}
}

// Option configures a Driver.
type Option func(*Driver)

// WithStrategy selects the interrupt scheduling strategy (default Worker(10)).
func WithStrategy(s Strategy) Option { return func(d *Driver) { d.strategy = s } }

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

// WithByteTransfers sends every SPI byte as its own transfer.
func WithByteTransfers() Option {
	return func(d *Driver) { d.protoOpts = append(d.protoOpts, spiproto.WithByteTransfers()) }
}

// WithWorkerInit runs fn at the start of the interrupt worker goroutine, for
// example to pin it to a high priority OS thread.
func WithWorkerInit(fn func() error) Option { return func(d *Driver) { d.workerInit = fn } }

// New wires a driver to its SPI connection, chip select and INT line. irq may
// be nil when the INT output is not connected; Poll must then be called
// periodically.
func New(conn spiproto.Conn, cs spiproto.ChipSelect, irq IntLine, opts ...Option) *Driver {
	d := &Driver{
		conn:        conn,
		cs:          cs,
		irq:         irq,
		log:         logging.With("mcp2517fd"),
		modeTimeout: defaultModeTimeout,
		received:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	if d.strategy == nil {
		d.strategy = Worker(DefaultWorkerDepth)
	}
	d.proto = spiproto.New(conn, cs, d.protoOpts...)
	return d
}

// Begin brings the controller up with a single pass-all filter.
func (d *Driver) Begin(s Settings, isr func()) error {
	var f Filters
	f.AppendPassAll(nil)
	return d.BeginWithFilters(s, isr, &f)
}

// BeginWithFilters validates s, programs the controller and starts interrupt
// handling. isr is attached to the INT line and must call ISR; it must be nil
// when the driver has no INT line.
//
// Configuration and controller failures are reported as an ErrorCode. On any
// error nothing is attached and Begin may be called again.
func (d *Driver) BeginWithFilters(s Settings, isr func(), filters *Filters) error {
	if d.started.Load() {
		return ErrAlreadyStarted
	}
	if filters == nil {
		filters = &Filters{}
	}
	d.proto.ClearErr()
	code := d.validate(&s, isr, filters)

	if code == 0 {
		if d.irq != nil {
			if err := d.irq.ConfigureInput(); err != nil {
				d.log.Warn("int_line_config_failed", "error", err)
				code |= INTPinIsNotAnInterrupt
			}
		}
		if err := d.cs.Deassert(); err != nil {
			d.log.Warn("cs_deassert_failed", "error", err)
		}
		d.proto.SetClock(spiproto.SlowClock)
		d.proto.WriteReg8(C1CON+3, reqopConfiguration|abortAllTx)
		if !d.waitMode(Configuration) {
			code |= RequestedConfigurationModeTimeOut
		}
		d.proto.Reset()
	}
	if code == 0 && !d.echoTest() {
		code |= ReadBackErrorWith1MHzSPIClock
	}
	if code == 0 {
		d.proto.WriteReg8(OSC, s.oscByte())
		if s.Oscillator.usesPLL() && !d.waitPLL() {
			code |= X10PLLNotReadyWithin1MS
		}
	}
	d.proto.SetClock(int64(s.SPIClock()))
	if code == 0 && !d.echoTest() {
		code |= ReadBackErrorWithFullSpeedSPIClock
	}
	if code == 0 {
		d.configure(&s, filters)
		d.proto.WriteReg8(C1CON+3, byte(s.RequestedMode))
		if !d.waitMode(s.RequestedMode) {
			code |= RequestedModeTimeOut
		}
	}
	if code != 0 {
		d.reportFailure(code)
		return code
	}
	if err := d.start(isr); err != nil {
		return err
	}
	d.settings = s
	d.log.Info("controller_ready",
		"oscillator", s.Oscillator.String(),
		"bitrate", s.ActualBitRate(),
		"spi_hz", s.SPIClock(),
		"filters", filters.Count(),
		"strategy", d.strategy.name(),
		"txq", d.usesTXQ,
	)
	return nil
}

func (d *Driver) validate(s *Settings, isr func(), filters *Filters) ErrorCode {
	var code ErrorCode
	if !s.BitRateClosedToDesiredRate {
		code |= TooFarFromDesiredBitRate
	}
	if s.BitSettingConsistency() != 0 {
		code |= InconsistentBitRateSettings
	}
	if d.irq != nil && !d.irq.Interruptible() {
		code |= INTPinIsNotAnInterrupt
	}
	if d.irq != nil && isr == nil {
		code |= ISRIsNull
	}
	if d.irq == nil && isr != nil {
		code |= ISRNotNullAndNoIntPin
	}
	if s.ControllerTXQSize > 32 {
		code |= ControllerTXQSizeGreaterThan32
	}
	if s.ControllerTXQPriority > 31 {
		code |= ControllerTXQPriorityGreaterThan31
	}
	switch {
	case s.ControllerReceiveFIFOSize == 0:
		code |= ControllerReceiveFIFOSizeIsZero
	case s.ControllerReceiveFIFOSize > 32:
		code |= ControllerReceiveFIFOSizeGreaterThan32
	}
	switch {
	case s.ControllerTransmitFIFOSize == 0:
		code |= ControllerTransmitFIFOSizeIsZero
	case s.ControllerTransmitFIFOSize > 32:
		code |= ControllerTransmitFIFOSizeGreaterThan32
	}
	if s.ControllerTransmitFIFOPriority > 31 {
		code |= ControllerTransmitFIFOPriorityGreaterThan31
	}
	if s.RAMUsage() > 2048 {
		code |= ControllerRamUsageGreaterThan2048
	}
	if filters.Count() > MaxFilters {
		code |= MoreThan32Filters
	}
	if filters.Status() != FiltersOK {
		code |= FilterDefinitionError
	}
	return code
}

// waitMode polls OPMOD until it equals m or the mode timeout expires.
func (d *Driver) waitMode(m OperationMode) bool {
	deadline := time.Now().Add(d.modeTimeout)
	for {
		opmod := d.proto.ReadReg8(C1CON+2) >> opmodShift & opmodMask
		if OperationMode(opmod) == m {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
	}
}

func (d *Driver) waitPLL() bool {
	deadline := time.Now().Add(d.modeTimeout)
	for {
		if d.proto.ReadReg8(OSC+1)&oscPLLReady != 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
	}
}

// echoTest writes each single-bit pattern to the first RAM word and reads it
// back.
func (d *Driver) echoTest() bool {
	for v := uint32(1); v != 0; v <<= 1 {
		d.proto.WriteReg32(RAMStart, v)
		if got := d.proto.ReadReg32(RAMStart); got != v {
			d.log.Debug("echo_mismatch", "wrote", v, "read", got, "spi_hz", d.proto.Clock())
			return false
		}
	}
	return true
}

// configure programs everything between the RAM check and the final mode
// request.
func (d *Driver) configure(s *Settings, filters *Filters) {
	p := d.proto
	d.txBuf.Init(s.DriverTransmitFIFOSize)
	d.rxBuf.Init(s.DriverReceiveFIFOSize)
	d.txFull = false

	for a := RAMStart; a < RAMEnd; a += 4 {
		p.WriteReg32(a, 0)
	}
	p.WriteReg8(IOCON+3, s.ioconByte())

	p.WriteReg8(C1TXQCON+2, byte(s.ControllerTXQRetransmissionAttempts)<<5|s.ControllerTXQPriority)
	p.WriteReg8(C1TXQCON+3, s.ControllerTXQSize-1)
	d.usesTXQ = s.ControllerTXQSize > 0
	var con2 byte
	if d.usesTXQ {
		con2 = txqEnable
	}
	p.WriteReg8(C1CON+2, con2)

	p.WriteReg8(C1FIFOCON(RxFIFO)+3, s.ControllerReceiveFIFOSize-1)
	p.WriteReg8(C1FIFOCON(RxFIFO), fifoNotFullNotEmptyIE)

	p.WriteReg8(C1FIFOCON(TxFIFO)+2, byte(s.ControllerTransmitFIFORetransmissionAttempts)<<5|s.ControllerTransmitFIFOPriority)
	p.WriteReg8(C1FIFOCON(TxFIFO)+3, s.ControllerTransmitFIFOSize-1)
	p.WriteReg8(C1FIFOCON(TxFIFO), fifoTxEnable)

	d.callbacks = [MaxFilters]func(can.Frame){}
	for k, f := range filters.list {
		d.callbacks[k] = f.Callback
		p.WriteReg32(C1MASK(k), f.Mask)
		p.WriteReg32(C1FLTOBJ(k), f.Acceptance)
		p.WriteReg8(C1FLTCON(k), filterEnable|RxFIFO)
	}
	d.callbackCount = filters.Count()
	d.hasCallbacks = true

	p.WriteReg8(C1INT+2, intRXIE|intTXIE)
	p.WriteReg8(C1INT+3, 0)

	p.WriteReg32(C1NBTCFG, s.nbtcfg())
}

// start launches interrupt handling once the controller is running.
func (d *Driver) start(isr func()) error {
	d.strategy.start(d)
	if d.irq != nil {
		trig := d.strategy.trigger()
		if err := d.irq.Attach(trig, isr); err != nil {
			d.strategy.stop()
			return fmt.Errorf("attach int line: %w", err)
		}
		if sh, ok := d.conn.(InterruptSharer); ok && d.strategy.sharesBus() {
			sh.UsingInterrupt(d.irq)
		}
		d.log.Debug("int_attached", "trigger", trig.String())
	}
	d.started.Store(true)
	return nil
}

func (d *Driver) reportFailure(code ErrorCode) {
	metrics.IncError(metrics.ErrBegin)
	for _, n := range code.Names() {
		metrics.IncBeginFailure(n)
	}
	attrs := []any{"errors", code.Names()}
	if err := d.proto.Err(); err != nil {
		attrs = append(attrs, "spi_error", err)
	}
	d.log.Warn("controller_begin_failed", attrs...)
}

// ReadErrorCounters returns the raw C1BDIAG0 register: receive and transmit
// error counters of the nominal bit rate.
func (d *Driver) ReadErrorCounters() uint32 {
	return d.proto.ReadReg32(C1BDIAG0)
}

// Err returns the first SPI transfer error seen since Begin.
func (d *Driver) Err() error { return d.proto.Err() }

// Settings returns the settings the running controller was started with.
func (d *Driver) Settings() Settings { return d.settings }

// Received is signalled after the interrupt path queues a frame.
func (d *Driver) Received() <-chan struct{} { return d.received }

// ISR is the interrupt trampoline body.
func (d *Driver) ISR() { d.strategy.edge(d) }

// Poll services pending controller interrupts. Use it when the INT line is
// not wired or as a safety net for lost edges.
func (d *Driver) Poll() { d.strategy.poll(d) }

// Close detaches the INT handler and stops the interrupt worker. The
// controller keeps its configuration.
func (d *Driver) Close() error {
	if !d.started.Load() {
		return nil
	}
	var err error
	if d.irq != nil {
		err = d.irq.Detach()
	}
	d.strategy.stop()
	d.started.Store(false)
	return err
}
