//go:build !linux

package hw

import (
	"github.com/kstaniek/go-mcp2517fd/internal/mcp2517fd"
	"github.com/kstaniek/go-mcp2517fd/internal/spiproto"
)

// Device is unavailable on this platform.
type Device struct {
	SPI spiproto.Conn
	CS  spiproto.ChipSelect
	irq mcp2517fd.IntLine
}

func Open(Config) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) Close() error { return nil }

// RaisePriority is a no-op outside Linux.
func RaisePriority(int) func() error { return func() error { return nil } }
