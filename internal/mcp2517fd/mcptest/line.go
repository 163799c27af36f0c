package mcptest

import (
	"errors"
	"sync"

	"github.com/kstaniek/go-mcp2517fd/internal/mcp2517fd"
)

// ErrNotInterruptible is returned by Attach on a line built with
// NotInterruptible.
var ErrNotInterruptible = errors.New("mcptest: line is not interruptible")

// maxLevelPasses bounds handler calls per Fire for level-triggered handlers.
const maxLevelPasses = 64

// Line is the simulated INT line of a Chip.
type Line struct {
	chip *Chip

	mu         sync.Mutex
	noIRQ      bool
	configured bool
	handler    func()
	trigger    mcp2517fd.Trigger
	attaches   int
}

var _ mcp2517fd.IntLine = (*Line)(nil)

func (l *Line) Interruptible() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.noIRQ
}

func (l *Line) ConfigureInput() error {
	l.mu.Lock()
	l.configured = true
	l.mu.Unlock()
	return nil
}

func (l *Line) Attach(t mcp2517fd.Trigger, handler func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.noIRQ {
		return ErrNotInterruptible
	}
	l.handler = handler
	l.trigger = t
	l.attaches++
	return nil
}

func (l *Line) Detach() error {
	l.mu.Lock()
	l.handler = nil
	l.mu.Unlock()
	return nil
}

// Attached reports whether a handler is installed.
func (l *Line) Attached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler != nil
}

// Attaches counts Attach calls.
func (l *Line) Attaches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attaches
}

// Trigger returns the trigger of the last Attach.
func (l *Line) Trigger() mcp2517fd.Trigger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trigger
}

// Configured reports whether ConfigureInput was called.
func (l *Line) Configured() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.configured
}

// Low reports whether the chip currently drives INT low.
func (l *Line) Low() bool {
	l.chip.mu.Lock()
	defer l.chip.mu.Unlock()
	return l.chip.asserted()
}

// Fire delivers an interrupt. An edge-triggered handler runs once; a
// level-triggered handler runs while the chip keeps INT low.
func (l *Line) Fire() {
	l.mu.Lock()
	h, t := l.handler, l.trigger
	l.mu.Unlock()
	if h == nil {
		return
	}
	if t == mcp2517fd.TriggerFallingEdge {
		h()
		return
	}
	for i := 0; i < maxLevelPasses && l.Low(); i++ {
		h()
	}
}
