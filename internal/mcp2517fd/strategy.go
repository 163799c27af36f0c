package mcp2517fd

import (
	"sync"
)

// DefaultWorkerDepth is the number of pending interrupt signals the worker
// strategy buffers.
const DefaultWorkerDepth = 10

// Strategy decides where the interrupt core runs and how application calls
// exclude it. A Strategy value serves a single Driver.
type Strategy interface {
	name() string
	trigger() Trigger
	// sharesBus reports whether the SPI connection must be told about the
	// INT line.
	sharesBus() bool
	start(d *Driver)
	stop()
	// edge runs in the INT line handler.
	edge(d *Driver)
	poll(d *Driver)
	// lockApp excludes the interrupt path from host queue access. It reports
	// whether the SPI transaction lock is held on return.
	lockApp(d *Driver) bool
	unlockApp(d *Driver)
}

// Inline services the controller directly in the INT handler, once per edge.
// Application calls that touch the receive queue hold an interrupt mask
// mutex, standing in for disabling interrupts. The INT line is attached
// level-triggered.
func Inline() Strategy { return &inline{} }

type inline struct {
	mu sync.Mutex // taken before the SPI transaction lock
}

func (*inline) name() string {
	return "inline"
}

func (*inline) trigger() Trigger {
	return TriggerLowLevel
}

func (*inline) sharesBus() bool {
	return true
}

func (*inline) start(*Driver) {}

func (*inline) stop() {}

func (s *inline) unlockApp(*Driver) {
	s.mu.Unlock()
}

func (s *inline) edge(d *Driver) {
	s.mu.Lock()
	d.isrCore()
	s.mu.Unlock()
}

func (s *inline) poll(d *Driver) {
	s.mu.Lock()
	for d.isrCore() {
	}
	s.mu.Unlock()
}

func (s *inline) lockApp(*Driver) bool {
	s.mu.Lock()
	return false
}

// Worker hands every edge to a dedicated goroutine through a signal channel
// of the given depth. The goroutine drains the interrupt core until no
// receive or transmit source is pending. Application calls exclude it with
// the SPI transaction lock. The INT line is attached on the falling edge.
func Worker(depth int) Strategy {
	if depth < 1 {
		depth = 1
	}
	return &worker{depth: depth}
}

type worker struct {
	depth int
	sem   chan struct{}
	quit  chan struct{}
	wg    sync.WaitGroup
}

func (*worker) name() string {
	return "worker"
}

func (*worker) trigger() Trigger {
	return TriggerFallingEdge
}

func (*worker) sharesBus() bool {
	return false
}

func (w *worker) start(d *Driver) {
	w.sem = make(chan struct{}, w.depth)
	w.quit = make(chan struct{})
	sem, quit := w.sem, w.quit
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if d.workerInit != nil {
			if err := d.workerInit(); err != nil {
				d.log.Warn("isr_worker_init_failed", "error", err)
			}
		}
		d.log.Debug("isr_worker_start", "depth", cap(sem))
		for {
			select {
			case <-quit:
				d.log.Debug("isr_worker_stop")
				return
			case <-sem:
				for d.isrCore() {
				}
			}
		}
	}()
}

func (w *worker) stop() {
	if w.quit == nil {
		return
	}
	close(w.quit)
	w.wg.Wait()
	w.quit = nil
}

// edge releases one permit; surplus edges are dropped when the channel is
// full since one pass drains every pending source.
func (w *worker) edge(*Driver) {
	select {
	case w.sem <- struct{}{}:
	default:
	}
}

func (w *worker) poll(d *Driver) { w.edge(d) }

func (w *worker) lockApp(d *Driver) bool {
	d.proto.Lock()
	return true
}

func (w *worker) unlockApp(d *Driver) { d.proto.Unlock() }
