//go:build linux

package hw

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/warthog618/gpiod"
	"golang.org/x/sys/unix"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/kstaniek/go-mcp2517fd/internal/logging"
	"github.com/kstaniek/go-mcp2517fd/internal/mcp2517fd"
)

// Device bundles the opened SPI port and GPIO lines.
type Device struct {
	SPI *SPIPort
	CS  *CSLine
	irq *GPIOIntLine

	chip *gpiod.Chip
}

// Open initializes periph host drivers and requests the SPI port and lines.
func Open(cfg Config) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	port, err := OpenSPI(cfg.SPIPort, cfg.MaxHz)
	if err != nil {
		return nil, err
	}
	chip, err := gpiod.NewChip(cfg.GPIOChip, gpiod.WithConsumer(cfg.consumer()))
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("open %s: %w", cfg.GPIOChip, err)
	}
	d := &Device{SPI: port, chip: chip}
	cs, err := chip.RequestLine(cfg.CSLine, gpiod.AsOutput(1))
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("request cs line %d: %w", cfg.CSLine, err)
	}
	d.CS = &CSLine{line: cs}
	if cfg.IntLine != NoLine {
		d.irq = &GPIOIntLine{chip: chip, offset: cfg.IntLine}
	}
	logging.L().Info("hw_open",
		"spi", port.String(),
		"gpiochip", cfg.GPIOChip,
		"cs", cfg.CSLine,
		"int", cfg.IntLine,
	)
	return d, nil
}

// Close releases the lines, the GPIO chip and the SPI port.
func (d *Device) Close() error {
	var errs []error
	if d.irq != nil {
		errs = append(errs, d.irq.Detach())
	}
	if d.CS != nil {
		errs = append(errs, d.CS.line.Close())
	}
	if d.chip != nil {
		errs = append(errs, d.chip.Close())
	}
	if d.SPI != nil {
		errs = append(errs, d.SPI.Close())
	}
	return errors.Join(errs...)
}

// SPIPort is a mode 0, 8-bit SPI connection without hardware chip select.
// The clock can be lowered per transaction through SetClock.
type SPIPort struct {
	port spi.PortCloser
	conn spi.Conn
	name string
}

// OpenSPI opens a port by periph name and connects at maxHz.
func OpenSPI(name string, maxHz int64) (*SPIPort, error) {
	p, err := spireg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open spi %q: %w", name, err)
	}
	c, err := p.Connect(physic.Frequency(maxHz)*physic.Hertz, spi.Mode0|spi.NoCS, 8)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("connect spi %q: %w", name, err)
	}
	return &SPIPort{port: p, conn: c, name: p.String()}, nil
}

func (s *SPIPort) Tx(w, r []byte) error { return s.conn.Tx(w, r) }

// SetClock limits the port speed for the following transfers.
func (s *SPIPort) SetClock(hz int64) error {
	return s.port.LimitSpeed(physic.Frequency(hz) * physic.Hertz)
}

// UsingInterrupt records the INT line sharing the bus. Transactions are
// already serialized by the driver, so only the association is logged.
func (s *SPIPort) UsingInterrupt(line mcp2517fd.IntLine) {
	if l, ok := line.(*GPIOIntLine); ok {
		logging.L().Debug("spi_shared_irq", "spi", s.name, "line", l.offset)
	}
}

func (s *SPIPort) String() string { return s.name }

func (s *SPIPort) Close() error { return s.port.Close() }

// CSLine drives the active-low chip select.
type CSLine struct {
	line *gpiod.Line
}

func (c *CSLine) Assert() error   { return c.line.SetValue(0) }
func (c *CSLine) Deassert() error { return c.line.SetValue(1) }

// GPIOIntLine is the INT input. gpiod only reports edges; a level-triggered
// attach reruns the handler while the line stays low.
type GPIOIntLine struct {
	chip   *gpiod.Chip
	offset int

	mu   sync.Mutex // serializes line requests
	line atomic.Pointer[gpiod.Line]
}

func (l *GPIOIntLine) Interruptible() bool { return true }

func (l *GPIOIntLine) ConfigureInput() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.line.Load() != nil {
		return nil
	}
	line, err := l.chip.RequestLine(l.offset, gpiod.AsInput, gpiod.WithPullUp)
	if err != nil {
		return fmt.Errorf("request int line %d: %w", l.offset, err)
	}
	l.line.Store(line)
	return nil
}

func (l *GPIOIntLine) Attach(t mcp2517fd.Trigger, handler func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old := l.line.Swap(nil); old != nil {
		_ = old.Close()
	}
	eh := func(gpiod.LineEvent) { handler() }
	if t == mcp2517fd.TriggerLowLevel {
		eh = func(gpiod.LineEvent) { rerunWhileLow(handler, l.low) }
	}
	line, err := l.chip.RequestLine(l.offset,
		gpiod.AsInput,
		gpiod.WithPullUp,
		gpiod.WithFallingEdge,
		gpiod.WithEventHandler(eh),
	)
	if err != nil {
		return fmt.Errorf("watch int line %d: %w", l.offset, err)
	}
	l.line.Store(line)
	return nil
}

// low is called from the gpiod event goroutine and must not take mu: Close
// waits for that goroutine.
func (l *GPIOIntLine) low() bool {
	line := l.line.Load()
	if line == nil {
		return false
	}
	v, err := line.Value()
	return err == nil && v == 0
}

func (l *GPIOIntLine) Detach() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := l.line.Swap(nil)
	if line == nil {
		return nil
	}
	return line.Close()
}

// RaisePriority returns a worker init hook that pins the calling goroutine to
// its OS thread and sets that thread's nice value.
func RaisePriority(nice int) func() error {
	return func() error {
		runtime.LockOSThread()
		if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), nice); err != nil {
			return fmt.Errorf("setpriority %d: %w", nice, err)
		}
		return nil
	}
}
