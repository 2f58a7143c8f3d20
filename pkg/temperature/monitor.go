package temperature

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// DefaultInterval is the delay between poll cycles.
const DefaultInterval = 2 * time.Second

var openSource = func(path string) (io.ReadCloser, error) { return os.Open(path) }

// closeGrace bounds how long Close waits for a poll blocked in I/O. After it
// expires the loop is left to finish on its own; it only touches the Cell.
var closeGrace = 3 * time.Second

// Monitor polls a temperature source in the background.
type Monitor struct {
	path     string
	interval time.Duration
	debug    bool
	open     func(path string) (io.ReadCloser, error)

	cell Cell

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// NewMonitor creates a monitor for the source at path.
func NewMonitor(path string, interval time.Duration, debug bool) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		path:     path,
		interval: interval,
		debug:    debug,
		open:     openSource,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Snapshot returns the latest published state.
func (m *Monitor) Snapshot() Snapshot {
	return m.cell.Load()
}

// Poll runs a single cycle: open, parse, publish. Every cycle starts from
// scratch, so a failure only marks the current cycle.
func (m *Monitor) Poll() error {
	err := m.read()
	if err != nil {
		m.cell.Fail()
		if m.debug {
			log.Printf("%v", err)
		}
	}
	return err
}

func (m *Monitor) read() error {
	f, err := m.open(m.path)
	if err != nil {
		return fmt.Errorf("temperature: could not open sensor device file: %w", err)
	}
	defer f.Close()

	milli, err := Parse(f)
	if err != nil {
		return err
	}
	m.cell.Store(milli)
	return nil
}

// Start launches the poll loop. It runs until ctx is canceled or Close is
// called. Later calls are no-ops.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	t := time.NewTicker(m.interval)
	defer t.Stop()

	for {
		m.Poll()
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-t.C:
		}
	}
}

// Close stops the poll loop and waits for it to exit, at most closeGrace.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	started := true
	m.startOnce.Do(func() {
		started = false
		close(m.done)
	})
	if !started {
		return
	}

	select {
	case <-m.done:
	case <-time.After(closeGrace):
		log.Printf("temperature: poller still blocked on %s, detaching", m.path)
	}
}
