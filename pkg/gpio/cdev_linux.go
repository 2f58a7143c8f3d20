//go:build linux

package gpio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

const defaultChip = "gpiochip0"

// openCDev opens a GPIO character device chip, e.g. "gpiochip0" or
// "/dev/gpiochip4" on a Pi 5.
func openCDev(name, consumer string) (Chip, error) {
	if name == "" {
		name = defaultChip
	}
	if !strings.HasPrefix(name, "/dev/") {
		name = "/dev/" + name
	}
	chip, err := gpiocdev.NewChip(name, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("gpio: open %s: %w", name, err)
	}
	return &cdevChip{chip: chip}, nil
}

type cdevChip struct {
	chip *gpiocdev.Chip

	mu    sync.Mutex
	lines []*gpiocdev.Line
}

func (c *cdevChip) track(l *gpiocdev.Line) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, l)
}

func (c *cdevChip) Input(pin int) (Input, error) {
	in := &cdevInput{}
	line, err := c.chip.RequestLine(pin,
		gpiocdev.AsInput,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { in.w.fire() }))
	if err != nil {
		return nil, fmt.Errorf("gpio: request input %d: %w", pin, err)
	}
	in.line = line
	c.track(line)
	return in, nil
}

func (c *cdevChip) Output(pin int) (Output, error) {
	line, err := c.chip.RequestLine(pin, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("gpio: request output %d: %w", pin, err)
	}
	c.track(line)
	return &cdevOutput{line: line}, nil
}

func (c *cdevChip) Close() error {
	c.mu.Lock()
	lines := c.lines
	c.lines = nil
	c.mu.Unlock()

	var first error
	for _, l := range lines {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := c.chip.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

type cdevInput struct {
	line *gpiocdev.Line
	w    watcher
}

func (i *cdevInput) Read() Level {
	v, err := i.line.Value()
	if err != nil || v == 0 {
		return Low
	}
	return High
}

func (i *cdevInput) Watch(handler func()) error { return i.w.set(handler) }

type cdevOutput struct {
	line *gpiocdev.Line
}

func (o *cdevOutput) Write(l Level) {
	_ = o.line.SetValue(int(l))
}
