// Package hx711 drives an HX711 24-bit load cell ADC over two bit-banged GPIO
// lines and turns its frames into calibrated, filtered, temperature
// compensated weight samples.
package hx711

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/gohx711/pkg/filter"
	"github.com/itohio/gohx711/pkg/gpio"
	"github.com/itohio/gohx711/pkg/sample"
	"github.com/itohio/gohx711/pkg/temperature"
)

// Gain selects the input channel and gain of the next conversion, as the
// number of extra clock pulses after a frame.
const (
	GainA128 uint8 = 1 // channel A, gain 128
	GainB32  uint8 = 2 // channel B, gain 32
	GainA64  uint8 = 3 // channel A, gain 64
)

const (
	// DefaultSettle is the pause after each frame before the next one is
	// accepted.
	DefaultSettle = 20 * time.Millisecond
	// DefaultBuffer is the capacity of the Samples channel.
	DefaultBuffer = 100
	// DefaultPowerHold is how long the clock is held for power down and
	// power up. The chip powers down after 60µs.
	DefaultPowerHold = 100 * time.Microsecond
)

var (
	ErrInvalidGain = errors.New("hx711: gain must be 1, 2 or 3")
	ErrClosed      = errors.New("hx711: device is closed")
)

// Thermometer supplies the temperature used for drift compensation.
type Thermometer interface {
	Snapshot() temperature.Snapshot
}

// Calibration is the linear mapping from raw counts to weight.
type Calibration struct {
	K                float64
	B                float64
	Offset           float64 // added to B
	CorrectionFactor float64 // multiplies K, 0 means 1
}

// Compensation configures temperature drift compensation. Raw counts are
// shifted by (temperature - Base) * Factor before calibration.
type Compensation struct {
	Source   string        // temperature source path; empty disables the built-in monitor
	Interval time.Duration // poll interval of the built-in monitor
	Factor   float64       // counts per millidegree
	Base     int           // millidegrees Celsius
}

// Options configures a Device.
type Options struct {
	DataPin  int
	ClockPin int
	Gain     uint8

	Calibration  Calibration
	Filter       filter.Options
	Compensation Compensation
	// Thermometer overrides the built-in monitor. It is not closed by the
	// Device.
	Thermometer Thermometer

	Settle    time.Duration
	PowerHold time.Duration // 0 means DefaultPowerHold
	Buffer    int
	Debug     bool
}

// DefaultOptions returns options for gain 128 on channel A, a 10 sample
// moving average and no tolerance or Kalman filtering.
func DefaultOptions() *Options {
	return &Options{
		DataPin:     5,
		ClockPin:    6,
		Gain:        GainA128,
		Calibration: Calibration{K: 1, CorrectionFactor: 1},
		Filter: filter.Options{
			MovingAverage: 10,
			Settling:      1,
		},
		Settle:    DefaultSettle,
		PowerHold: DefaultPowerHold,
		Buffer:    DefaultBuffer,
	}
}

// Device is an HX711 attached to a data and a clock line.
//
// The falling edge handler, Push and the filter pipeline run on the
// acquisition path only. The temperature snapshot is the single piece of
// state written from another goroutine.
type Device struct {
	data  gpio.Input
	clock gpio.Output

	k, b   float64
	comp   Compensation
	therm  Thermometer
	owned  *temperature.Monitor
	settle time.Duration
	hold   time.Duration
	debug  bool

	gain    atomic.Uint32
	active  atomic.Bool // this device drives the edge handler
	reading atomic.Bool // a frame is in progress, or a single-shot frame is done
	once    atomic.Bool // the armed frame only flushes the gain setting

	faults   faults
	pipeline *filter.Pipeline

	frame sync.Mutex // held while a frame is being processed

	mu         sync.Mutex
	watching   bool
	calibrated chan struct{}

	pubMu   sync.RWMutex
	closed  bool
	samples chan sample.Sample

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New claims the data and clock lines on chip and creates a Device. A nil
// opts uses DefaultOptions. Line setup failures are returned as is, wrapped.
func New(chip gpio.Chip, opts *Options) (*Device, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	opts = &o
	if opts.Gain == 0 {
		opts.Gain = GainA128
	}
	if opts.Gain > GainA64 {
		return nil, ErrInvalidGain
	}
	if opts.DataPin == opts.ClockPin {
		return nil, fmt.Errorf("hx711: data and clock pins must differ, both are %d", opts.DataPin)
	}

	data, err := chip.Input(opts.DataPin)
	if err != nil {
		return nil, fmt.Errorf("hx711: data pin: %w", err)
	}
	clock, err := chip.Output(opts.ClockPin)
	if err != nil {
		return nil, fmt.Errorf("hx711: clock pin: %w", err)
	}
	clock.Write(gpio.Low)

	cf := opts.Calibration.CorrectionFactor
	if cf == 0 {
		cf = 1
	}
	settle := opts.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	hold := opts.PowerHold
	if hold <= 0 {
		hold = DefaultPowerHold
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	done := make(chan struct{})
	close(done)

	d := &Device{
		data:       data,
		clock:      clock,
		k:          opts.Calibration.K * cf,
		b:          opts.Calibration.B + opts.Calibration.Offset,
		comp:       opts.Compensation,
		therm:      opts.Thermometer,
		settle:     settle,
		hold:       hold,
		debug:      opts.Debug,
		calibrated: done,
		samples:    make(chan sample.Sample, buffer),
	}
	d.gain.Store(uint32(opts.Gain))
	d.ctx, d.cancel = context.WithCancel(context.Background())

	filterOpts := opts.Filter
	filterOpts.Debug = filterOpts.Debug || opts.Debug
	d.pipeline = filter.NewPipeline(filterOpts, d.align)

	if d.therm == nil && opts.Compensation.Source != "" {
		d.owned = temperature.NewMonitor(opts.Compensation.Source, opts.Compensation.Interval, opts.Debug)
		d.owned.Start(d.ctx)
		d.therm = d.owned
	}

	return d, nil
}

// Samples returns the channel of accepted samples. Samples are dropped when
// the channel is full. The channel is closed by Close.
func (d *Device) Samples() <-chan sample.Sample {
	return d.samples
}

// Calibrated returns a channel that is closed once the frame armed by Read
// has been processed.
func (d *Device) Calibrated() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calibrated
}

// Gain returns the current gain setting.
func (d *Device) Gain() uint8 {
	return uint8(d.gain.Load())
}

// Fails returns the number of consecutive invalid frames.
func (d *Device) Fails() uint32 {
	return d.faults.count()
}

// SetGain selects the gain applied after the next frame.
func (d *Device) SetGain(gain uint8) error {
	if gain < GainA128 || gain > GainA64 {
		return ErrInvalidGain
	}
	d.gain.Store(uint32(gain))
	d.clock.Write(gpio.Low)
	return nil
}

// PowerDown puts the chip into power down mode.
func (d *Device) PowerDown() {
	d.clock.Write(gpio.Low)
	d.clock.Write(gpio.High)
	time.Sleep(d.hold)
}

// PowerUp wakes the chip. It resets to channel A, gain 128.
func (d *Device) PowerUp() {
	d.clock.Write(gpio.Low)
	time.Sleep(d.hold)
}

// Reset power cycles the chip.
func (d *Device) Reset() {
	d.PowerDown()
	d.PowerUp()
}

// Start enables continuous sampling and cancels a pending single-shot read.
func (d *Device) Start() error {
	if d.ctx.Err() != nil {
		return ErrClosed
	}
	d.once.Store(false)
	d.rearm()
	d.active.Store(true)
	d.finishCalibration()
	return d.watch()
}

// Stop detaches the device from the edge handler, freeing the data line for
// another device. Edges are ignored until Start or Read.
func (d *Device) Stop() {
	d.active.Store(false)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watching {
		_ = d.data.Watch(nil)
		d.watching = false
	}
}

// Read arms a single frame that is read to latch the gain setting but not
// forwarded to the filters. Calibrated is closed when it completes. Further
// edges are ignored until Start.
func (d *Device) Read() error {
	if d.ctx.Err() != nil {
		return ErrClosed
	}
	d.mu.Lock()
	select {
	case <-d.calibrated:
		d.calibrated = make(chan struct{})
	default:
	}
	d.mu.Unlock()

	d.once.Store(true)
	d.rearm()
	d.active.Store(true)
	return d.watch()
}

// rearm clears the reentrancy guard unless a frame is in flight. An edge
// handler that is mid-frame clears it itself when the frame ends.
func (d *Device) rearm() {
	if !d.frame.TryLock() {
		return
	}
	d.reading.Store(false)
	d.frame.Unlock()
}

func (d *Device) watch() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watching {
		return nil
	}
	if err := d.data.Watch(d.edge); err != nil {
		return fmt.Errorf("hx711: %w", err)
	}
	d.watching = true
	return nil
}

func (d *Device) finishCalibration() {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.calibrated:
	default:
		close(d.calibrated)
	}
}

// Push feeds a raw sample to the filters, bypassing the GPIO lines, and
// publishes the result if one is produced.
func (d *Device) Push(raw int32) {
	v, ok := d.pipeline.Push(raw)
	if !ok {
		return
	}

	s := sample.Sample{Timestamp: time.Now(), Value: v, Raw: raw}
	if snap, ok := d.temperature(); ok {
		s.Temperature = snap.Milli
		s.TemperatureValid = true
	}
	d.publish(s)
}

func (d *Device) publish(s sample.Sample) {
	d.pubMu.RLock()
	defer d.pubMu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.samples <- s:
	default:
		if d.debug {
			d.logf("samples channel full, dropping %v", s.Value)
		}
	}
}

// Close stops sampling and the temperature monitor, waits for a frame in
// progress and closes the Samples channel. The GPIO chip is left open.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		d.Stop()

		if d.owned != nil {
			d.owned.Close()
		}

		d.frame.Lock()
		d.pubMu.Lock()
		d.closed = true
		close(d.samples)
		d.pubMu.Unlock()
		d.frame.Unlock()

		d.finishCalibration()
	})
	return nil
}
