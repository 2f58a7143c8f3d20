package gpio

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultPowerDownHold is how long the clock must stay high for the chip to
// power down.
const DefaultPowerDownHold = 60 * time.Microsecond

// Sim simulates an HX711 behind a data and a clock line.
//
// Emit loads a 24-bit frame and pulls data low, which is the falling edge the
// driver reacts to. Each clock rising edge then shifts out one bit, MSB
// first. Once the 24 data bits are out, data reads high again until the next
// frame. Holding the clock high for the power down hold powers the chip down
// and discards the loaded frame.
type Sim struct {
	mu       sync.Mutex
	frame    uint32
	loaded   bool
	clocks   int
	clock    Level
	raisedAt time.Time
	hold     time.Duration

	frames int
	resets int

	w watcher
}

var _ Chip = (*Sim)(nil)

// NewSim returns an idle simulated chip.
func NewSim() *Sim {
	return &Sim{hold: DefaultPowerDownHold}
}

// SetPowerDownHold changes the clock high time treated as a power down. A
// hold far above a bit clock keeps a descheduled driver from looking like a
// reset.
func (s *Sim) SetPowerDownHold(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = d
}

// Input returns the data line. pin is ignored.
func (s *Sim) Input(int) (Input, error) { return simData{s}, nil }

// Output returns the clock line. pin is ignored.
func (s *Sim) Output(int) (Output, error) { return simClock{s}, nil }

// Close removes the edge handler.
func (s *Sim) Close() error {
	return s.w.set(nil)
}

// Emit loads frame and fires the falling edge handler on the caller's
// goroutine.
func (s *Sim) Emit(frame uint32) {
	s.mu.Lock()
	s.frame = frame & 0xFFFFFF
	s.loaded = true
	s.clocks = 0
	s.frames++
	s.mu.Unlock()

	s.w.fire()
}

// Run emits next() every interval until ctx is done.
func (s *Sim) Run(ctx context.Context, next func() uint32, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Emit(next())
		}
	}
}

// Clocks returns the clock pulses seen since the current frame was loaded.
func (s *Sim) Clocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clocks
}

// Frames returns how many frames were emitted.
func (s *Sim) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Resets returns how many power down sequences were seen.
func (s *Sim) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

func (s *Sim) read() Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.loaded:
		return High
	case s.clocks == 0:
		return Low
	case s.clocks <= 24:
		return Level(s.frame >> (24 - s.clocks) & 1)
	default:
		return High
	}
}

func (s *Sim) write(l Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l == s.clock {
		return
	}
	s.clock = l
	if l == High {
		s.raisedAt = time.Now()
		if s.loaded {
			s.clocks++
		}
		return
	}
	if time.Since(s.raisedAt) >= s.hold {
		s.resets++
		s.loaded = false
		s.clocks = 0
	}
}

type simData struct{ s *Sim }

func (d simData) Read() Level                 { return d.s.read() }
func (d simData) Watch(handler func()) error { return d.s.w.set(handler) }

type simClock struct{ s *Sim }

func (c simClock) Write(l Level) { c.s.write(l) }

// Frame encodes v as a 24-bit two's complement frame.
func Frame(v int32) uint32 {
	return uint32(v) & 0xFFFFFF
}

// LoadCell returns a frame generator around base with uniform noise of
// +/-noise counts. When glitchEvery > 0 every glitchEvery-th frame is the
// saturated 0xFFFFFF code.
func LoadCell(base, noise int32, glitchEvery int) func() uint32 {
	n := 0
	return func() uint32 {
		n++
		if glitchEvery > 0 && n%glitchEvery == 0 {
			return 0xFFFFFF
		}
		v := base
		if noise > 0 {
			v += rand.Int32N(2*noise+1) - noise
		}
		return Frame(v)
	}
}
