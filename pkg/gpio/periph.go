package gpio

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// edgePoll bounds each WaitForEdge call so Close is noticed.
const edgePoll = 100 * time.Millisecond

func openPeriph() (Chip, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gpio: periph host init: %w", err)
	}
	return &periphChip{stop: make(chan struct{})}, nil
}

type periphChip struct {
	mu   sync.Mutex
	pins []pgpio.PinIO

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func (c *periphChip) pin(n int) (pgpio.PinIO, error) {
	p := gpioreg.ByName(strconv.Itoa(n))
	if p == nil {
		return nil, fmt.Errorf("gpio: pin %d not found", n)
	}
	c.mu.Lock()
	c.pins = append(c.pins, p)
	c.mu.Unlock()
	return p, nil
}

func (c *periphChip) Input(n int) (Input, error) {
	p, err := c.pin(n)
	if err != nil {
		return nil, err
	}
	if err := p.In(pgpio.Float, pgpio.FallingEdge); err != nil {
		return nil, fmt.Errorf("gpio: configure input %s: %w", p, err)
	}

	in := &periphInput{pin: p}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stop:
				return
			default:
			}
			if p.WaitForEdge(edgePoll) {
				in.w.fire()
			}
		}
	}()
	return in, nil
}

func (c *periphChip) Output(n int) (Output, error) {
	p, err := c.pin(n)
	if err != nil {
		return nil, err
	}
	if err := p.Out(pgpio.Low); err != nil {
		return nil, fmt.Errorf("gpio: configure output %s: %w", p, err)
	}
	return &periphOutput{pin: p}, nil
}

func (c *periphChip) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for _, p := range c.pins {
		if err := p.Halt(); err != nil && first == nil {
			first = err
		}
	}
	c.pins = nil
	return first
}

type periphInput struct {
	pin pgpio.PinIO
	w   watcher
}

func (i *periphInput) Read() Level {
	if i.pin.Read() == pgpio.High {
		return High
	}
	return Low
}

func (i *periphInput) Watch(handler func()) error { return i.w.set(handler) }

type periphOutput struct {
	pin pgpio.PinIO
}

func (o *periphOutput) Write(l Level) {
	_ = o.pin.Out(pgpio.Level(l == High))
}
