// Package gpio is the digital line layer the HX711 driver bit-bangs over.
//
// Backends: the Linux GPIO character device (go-gpiocdev), periph.io host
// drivers, and Sim, a simulated HX711 for tests and dry runs.
package gpio

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Level is a digital line level.
type Level int

const (
	Low Level = iota
	High
)

func (l Level) String() string {
	if l == High {
		return "High"
	}
	return "Low"
}

// Backend names accepted by Open.
const (
	BackendGPIOCDev = "gpiocdev"
	BackendPeriph   = "periph"
	BackendMock     = "mock"
)

// DefaultConsumer labels requested lines on backends that support it.
const DefaultConsumer = "gohx711"

var (
	ErrWatched     = errors.New("gpio: line already has an edge handler")
	ErrUnsupported = errors.New("gpio: backend unsupported on this platform")
)

// Input is a line configured as input with falling edge detection.
type Input interface {
	Read() Level
	// Watch installs the falling edge handler. Only one handler may be
	// installed at a time; Watch(nil) removes it.
	Watch(handler func()) error
}

// Output is a line configured as output.
type Output interface {
	Write(Level)
}

// Chip hands out lines. Read and Write never fail; setup errors are reported
// when the line is requested.
type Chip interface {
	Input(pin int) (Input, error)
	Output(pin int) (Output, error)
	Close() error
}

// Open opens the named backend. chip is the gpiochip name for gpiocdev and is
// ignored by the others.
func Open(backend, chip string) (Chip, error) {
	switch backend {
	case BackendGPIOCDev, "":
		return openCDev(chip, DefaultConsumer)
	case BackendPeriph:
		return openPeriph()
	case BackendMock:
		return NewSim(), nil
	default:
		return nil, fmt.Errorf("gpio: unknown backend %q", backend)
	}
}

// watcher holds at most one edge handler.
type watcher struct {
	fn atomic.Pointer[func()]
}

func (w *watcher) set(fn func()) error {
	if fn == nil {
		w.fn.Store(nil)
		return nil
	}
	if !w.fn.CompareAndSwap(nil, &fn) {
		return ErrWatched
	}
	return nil
}

func (w *watcher) fire() {
	if fn := w.fn.Load(); fn != nil {
		(*fn)()
	}
}
