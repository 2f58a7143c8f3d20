package hx711

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/itohio/gohx711/pkg/gpio"
	"github.com/itohio/gohx711/pkg/temperature"
)

// MaxFails is the number of consecutive invalid frames that triggers a chip
// reset.
const MaxFails = 20

// Reserved frame codes: saturation at either end of the range and the all ones
// pattern of a line stuck high.
const (
	frameMin   = 0x800000
	frameMax   = 0x7FFFFF
	frameStuck = 0xFFFFFF
)

func validFrame(frame uint32) bool {
	return frame != frameMin && frame != frameMax && frame != frameStuck
}

// decode sign extends a 24-bit two's complement frame.
func decode(frame uint32) int32 {
	return int32(frame<<8) >> 8
}

// edge runs once per falling edge of the data line.
func (d *Device) edge() {
	if !d.active.Load() {
		return
	}
	if !d.reading.CompareAndSwap(false, true) {
		return
	}
	if d.data.Read() == gpio.High {
		// glitch, the chip is not ready
		d.reading.Store(false)
		return
	}

	d.frame.Lock()
	defer d.frame.Unlock()
	if d.ctx.Err() != nil {
		return
	}

	// Start and Read may change the mode while the frame is read.
	once := d.once.Load()

	frame := d.readFrame()
	if validFrame(frame) {
		d.faults.reset()
		d.pulseGain()
		if !once {
			d.Push(decode(frame))
		}
	} else if d.faults.inc() {
		if d.debug {
			d.logf("%d invalid frames in a row, resetting chip", MaxFails)
		}
		d.Reset()
	}

	time.Sleep(d.settle)
	if once && d.once.CompareAndSwap(true, false) {
		d.finishCalibration()
	} else {
		d.reading.Store(false)
	}
}

// readFrame clocks out 24 bits, MSB first.
func (d *Device) readFrame() uint32 {
	var frame uint32
	for i := 23; i >= 0; i-- {
		d.clock.Write(gpio.High)
		// The line needs a read here for the next one to be correct.
		d.data.Read()
		d.clock.Write(gpio.Low)
		frame |= uint32(d.data.Read()) << i
	}
	return frame
}

// pulseGain clocks the gain selection for the next conversion.
func (d *Device) pulseGain() {
	for range d.gain.Load() {
		d.clock.Write(gpio.High)
		d.clock.Write(gpio.Low)
	}
}

// align applies temperature compensation and calibration to a raw sample.
func (d *Device) align(raw int32) float64 {
	v := float64(raw)
	if d.comp.Factor != 0 {
		if snap, ok := d.temperature(); ok {
			v += float64(snap.Milli-d.comp.Base) * d.comp.Factor
		}
	}
	return v*d.k + d.b
}

// temperature returns the compensation reading, if any has been taken.
func (d *Device) temperature() (temperature.Snapshot, bool) {
	if d.therm == nil {
		return temperature.Snapshot{}, false
	}
	snap := d.therm.Snapshot()
	return snap, snap.Valid
}

func (d *Device) logf(format string, args ...any) {
	log.Printf("hx711: "+format, args...)
}

// faults counts consecutive invalid frames.
type faults struct {
	n atomic.Uint32
}

// inc counts an invalid frame and reports whether MaxFails was reached, in
// which case the count starts over.
func (f *faults) inc() bool {
	if f.n.Add(1) >= MaxFails {
		f.n.Store(0)
		return true
	}
	return false
}

func (f *faults) reset() { f.n.Store(0) }

func (f *faults) count() uint32 { return f.n.Load() }
