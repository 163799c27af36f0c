// Package hw connects the driver to Linux hardware: an SPI port through
// periph.io, the chip-select and INT lines through the GPIO character device,
// and scheduling priority for the interrupt worker.
package hw

import (
	"errors"

	"github.com/kstaniek/go-mcp2517fd/internal/mcp2517fd"
)

// NoLine marks an unconnected GPIO line.
const NoLine = -1

// maxLevelPasses bounds handler reruns while a level-triggered line stays low.
const maxLevelPasses = 32

// ErrUnsupported is returned on platforms without SPI and GPIO character
// device support.
var ErrUnsupported = errors.New("hw: unsupported platform")

// Config names the host resources wired to the controller.
type Config struct {
	SPIPort  string // periph SPI port name; empty selects the first port
	MaxHz    int64  // connection clock ceiling
	GPIOChip string // e.g. "gpiochip0"
	CSLine   int    // chip select line offset
	IntLine  int    // INT line offset or NoLine
	Consumer string // GPIO consumer label
}

func (c Config) consumer() string {
	if c.Consumer == "" {
		return "mcp2517fd"
	}
	return c.Consumer
}

// IntLine returns d's INT line as the driver interface, or nil when the INT
// output is not wired.
func (d *Device) IntLine() mcp2517fd.IntLine {
	if d.irq == nil {
		return nil
	}
	return d.irq
}

// rerunWhileLow emulates a level-triggered interrupt on an edge-only line:
// after the edge it calls handler again while low reports true.
func rerunWhileLow(handler func(), low func() bool) int {
	n := 1
	handler()
	for n < maxLevelPasses && low() {
		handler()
		n++
	}
	return n
}
