package hx711

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gohx711/pkg/filter"
	"github.com/itohio/gohx711/pkg/gpio"
	"github.com/itohio/gohx711/pkg/sample"
	"github.com/itohio/gohx711/pkg/temperature"
)

// Test sims keep the power down hold far above any scheduling delay, and
// devices hold the clock past it to reset the chip.
const (
	simHold  = 10 * time.Millisecond
	testHold = 2 * simHold
)

func testOptions() *Options {
	return &Options{
		DataPin:     5,
		ClockPin:    6,
		Gain:        GainA128,
		Calibration: Calibration{K: 1},
		Filter:      filter.Options{MovingAverage: 2, Settling: 2},
		Settle:      time.Microsecond,
		PowerHold:   testHold,
	}
}

func newSim() *gpio.Sim {
	sim := gpio.NewSim()
	sim.SetPowerDownHold(simHold)
	return sim
}

func newTestDevice(t *testing.T, opts *Options) (*Device, *gpio.Sim) {
	t.Helper()
	sim := newSim()
	d, err := New(sim, opts)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, sim
}

func drain(d *Device) []sample.Sample {
	var out []sample.Sample
	for {
		select {
		case s, ok := <-d.Samples():
			if !ok {
				return out
			}
			out = append(out, s)
		default:
			return out
		}
	}
}

type fixedThermometer struct{ snap temperature.Snapshot }

func (f fixedThermometer) Snapshot() temperature.Snapshot { return f.snap }

type failChip struct {
	gpio.Chip
	err error
}

func (c failChip) Input(int) (gpio.Input, error) { return nil, c.err }

// hookChip calls hook once, on the first rising clock edge after it is set.
type hookChip struct {
	*gpio.Sim
	hook func()
}

func (c *hookChip) Output(pin int) (gpio.Output, error) {
	out, err := c.Sim.Output(pin)
	if err != nil {
		return nil, err
	}
	return hookClock{Output: out, c: c}, nil
}

type hookClock struct {
	gpio.Output
	c *hookChip
}

func (h hookClock) Write(l gpio.Level) {
	if l == gpio.High && h.c.hook != nil {
		hook := h.c.hook
		h.c.hook = nil
		hook()
	}
	h.Output.Write(l)
}

func newHookDevice(t *testing.T, opts *Options) (*Device, *hookChip) {
	t.Helper()
	chip := &hookChip{Sim: newSim()}
	d, err := New(chip, opts)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, chip
}

func calibrated(d *Device) bool {
	select {
	case <-d.Calibrated():
		return true
	default:
		return false
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		frame uint32
		want  int32
	}{
		{frame: 0x000001, want: 1},
		{frame: 0x7FFFFE, want: 0x7FFFFE},
		{frame: 0x800001, want: -0x7FFFFF},
		{frame: 0xFFFFFE, want: -2},
		{frame: 0x000000, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, decode(tt.frame), "decode(%#06x)", tt.frame)
	}
}

func TestValidFrame(t *testing.T) {
	for _, f := range []uint32{0x800000, 0x7FFFFF, 0xFFFFFF} {
		assert.False(t, validFrame(f), "%#06x", f)
	}
	for _, f := range []uint32{0, 1, 0x800001, 0x7FFFFE, 0xFFFFFE} {
		assert.True(t, validFrame(f), "%#06x", f)
	}
}

func TestDevice_EndToEnd(t *testing.T) {
	d, sim := newTestDevice(t, testOptions())
	require.NoError(t, d.Start())

	for _, v := range []int32{10, 12, 14, 16} {
		sim.Emit(gpio.Frame(v))
		assert.Equal(t, 25, sim.Clocks(), "24 data clocks plus one gain clock")
	}
	assert.Empty(t, drain(d))

	sim.Emit(gpio.Frame(18))
	got := drain(d)
	require.Len(t, got, 1)
	assert.Equal(t, 13.0, got[0].Value)
	assert.Equal(t, int32(18), got[0].Raw)
	assert.False(t, got[0].TemperatureValid)
}

func TestDevice_SustainedSamplingDoesNotPowerDown(t *testing.T) {
	opts := testOptions()
	opts.Filter = filter.Options{MovingAverage: 1, Settling: 1}
	opts.Buffer = 1
	d, sim := newTestDevice(t, opts)
	require.NoError(t, d.Start())

	for i := range 500 {
		sim.Emit(gpio.Frame(int32(i + 1)))
		require.Equal(t, 25, sim.Clocks(), "frame %d", i)
	}
	assert.Equal(t, 0, sim.Resets())
	assert.Zero(t, d.Fails())
}

func TestDevice_NegativeFrames(t *testing.T) {
	opts := testOptions()
	opts.Filter = filter.Options{MovingAverage: 1, Settling: 1}
	d, sim := newTestDevice(t, opts)
	require.NoError(t, d.Start())

	sim.Emit(0x800001)
	sim.Emit(0x800001)
	sim.Emit(0xFFFFFE)

	got := drain(d)
	require.Len(t, got, 1)
	assert.Equal(t, float64(-0x7FFFFF), got[0].Value)
}

func TestDevice_InvalidFramesAreCounted(t *testing.T) {
	opts := testOptions()
	opts.Filter = filter.Options{MovingAverage: 1, Settling: 1}
	d, sim := newTestDevice(t, opts)
	require.NoError(t, d.Start())

	for _, f := range []uint32{0x800000, 0x7FFFFF, 0xFFFFFF} {
		sim.Emit(f)
		assert.Equal(t, 24, sim.Clocks(), "no gain clocks after an invalid frame")
	}
	assert.Equal(t, uint32(3), d.Fails())

	sim.Emit(gpio.Frame(5))
	assert.Equal(t, uint32(0), d.Fails())
	assert.Empty(t, drain(d))
}

func TestDevice_FaultThresholdResetsChip(t *testing.T) {
	d, sim := newTestDevice(t, testOptions())
	require.NoError(t, d.Start())

	for range MaxFails - 1 {
		sim.Emit(0xFFFFFF)
	}
	assert.Equal(t, uint32(MaxFails-1), d.Fails())
	assert.Equal(t, 0, sim.Resets())

	sim.Emit(0xFFFFFF)
	assert.Equal(t, uint32(0), d.Fails())
	assert.Equal(t, 1, sim.Resets())

	sim.Emit(0xFFFFFF)
	assert.Equal(t, uint32(1), d.Fails())
	assert.Equal(t, 1, sim.Resets())
}

func TestDevice_GainPulses(t *testing.T) {
	d, sim := newTestDevice(t, testOptions())
	require.NoError(t, d.Start())

	require.NoError(t, d.SetGain(GainA64))
	assert.Equal(t, GainA64, d.Gain())
	sim.Emit(gpio.Frame(1))
	assert.Equal(t, 27, sim.Clocks())

	require.NoError(t, d.SetGain(GainB32))
	sim.Emit(gpio.Frame(1))
	assert.Equal(t, 26, sim.Clocks())

	assert.ErrorIs(t, d.SetGain(0), ErrInvalidGain)
	assert.ErrorIs(t, d.SetGain(4), ErrInvalidGain)
	assert.Equal(t, GainB32, d.Gain())
}

func TestDevice_ReadOnceFlushesWithoutOutput(t *testing.T) {
	opts := testOptions()
	opts.Filter = filter.Options{MovingAverage: 1, Settling: 1}
	d, sim := newTestDevice(t, opts)

	require.NoError(t, d.Read())
	select {
	case <-d.Calibrated():
		t.Fatal("calibration should be pending")
	default:
	}

	sim.Emit(gpio.Frame(100))
	assert.Equal(t, 25, sim.Clocks())
	select {
	case <-d.Calibrated():
	default:
		t.Fatal("calibration should be done")
	}

	// Further edges are ignored until Start.
	sim.Emit(gpio.Frame(100))
	assert.Equal(t, 0, sim.Clocks())

	require.NoError(t, d.Start())
	for _, v := range []int32{7, 8, 9} {
		sim.Emit(gpio.Frame(v))
	}
	got := drain(d)
	require.Len(t, got, 1)
	assert.Equal(t, 8.0, got[0].Value, "the flushed frame never reached the filters")
}

func TestDevice_StartCancelsPendingRead(t *testing.T) {
	d, _ := newTestDevice(t, testOptions())
	require.NoError(t, d.Read())
	require.NoError(t, d.Start())

	select {
	case <-d.Calibrated():
	default:
		t.Fatal("Start should release Calibrated waiters")
	}
}

func TestDevice_StartDuringReadFrame(t *testing.T) {
	d, chip := newHookDevice(t, testOptions())
	require.NoError(t, d.Read())

	var nestedClocks int
	chip.hook = func() {
		require.NoError(t, d.Start())
		if assert.True(t, d.reading.Load(), "the frame in flight keeps the guard") {
			d.edge()
			nestedClocks = chip.Clocks()
		}
	}
	chip.Emit(gpio.Frame(100))

	assert.Equal(t, 0, nestedClocks, "a nested edge must not clock the line")
	assert.Equal(t, 25, chip.Clocks())
	assert.False(t, d.reading.Load())
	assert.True(t, calibrated(d))
	assert.Empty(t, drain(d), "the frame was armed by Read")

	chip.Emit(gpio.Frame(100))
	assert.Equal(t, 25, chip.Clocks(), "continuous sampling resumes")
}

func TestDevice_ReadDuringContinuousFrame(t *testing.T) {
	opts := testOptions()
	opts.Filter = filter.Options{MovingAverage: 1, Settling: 1}
	d, chip := newHookDevice(t, opts)
	require.NoError(t, d.Start())

	chip.hook = func() {
		require.NoError(t, d.Read())
		assert.True(t, d.reading.Load())
	}
	chip.Emit(gpio.Frame(5))
	assert.Len(t, drain(d), 1, "the frame started before Read is published")
	assert.False(t, calibrated(d))

	chip.Emit(gpio.Frame(6))
	assert.Equal(t, 25, chip.Clocks())
	assert.True(t, calibrated(d))
	assert.Empty(t, drain(d))

	chip.Emit(gpio.Frame(7))
	assert.Equal(t, 0, chip.Clocks(), "idle until Start")
}

func TestDevice_RearmWaitsForFrame(t *testing.T) {
	d, _ := newTestDevice(t, testOptions())
	d.reading.Store(true)

	d.frame.Lock()
	d.rearm()
	assert.True(t, d.reading.Load())
	d.frame.Unlock()

	d.rearm()
	assert.False(t, d.reading.Load())
}

func TestDevice_StopIgnoresEdges(t *testing.T) {
	d, sim := newTestDevice(t, testOptions())
	require.NoError(t, d.Start())
	d.Stop()

	sim.Emit(gpio.Frame(1))
	assert.Equal(t, 0, sim.Clocks())

	require.NoError(t, d.Start())
	sim.Emit(gpio.Frame(1))
	assert.Equal(t, 25, sim.Clocks())
}

func TestDevice_EdgeGuards(t *testing.T) {
	d, sim := newTestDevice(t, testOptions())
	require.NoError(t, d.Start())

	// No frame loaded: data is high, the edge is a glitch.
	d.edge()
	assert.False(t, d.reading.Load())
	assert.Equal(t, 0, sim.Clocks())

	// A frame in progress blocks re-entry.
	d.reading.Store(true)
	sim.Emit(gpio.Frame(1))
	assert.Equal(t, 0, sim.Clocks())

	d.reading.Store(false)
	d.edge()
	assert.Equal(t, 25, sim.Clocks())
}

func TestDevice_TemperatureCompensation(t *testing.T) {
	opts := testOptions()
	opts.Calibration = Calibration{K: 2, B: 1, Offset: 3}
	opts.Filter = filter.Options{MovingAverage: 1, Settling: 1}
	opts.Compensation = Compensation{Factor: 0.5, Base: 20000}
	opts.Thermometer = fixedThermometer{temperature.Snapshot{Milli: 25000, Valid: true}}
	d, _ := newTestDevice(t, opts)

	d.Push(100)
	d.Push(100)
	d.Push(100)

	got := drain(d)
	require.Len(t, got, 1)
	assert.Equal(t, (100+2500)*2.0+4, got[0].Value)
	assert.True(t, got[0].TemperatureValid)
	assert.Equal(t, 25000, got[0].Temperature)
}

func TestDevice_NoTemperatureYet(t *testing.T) {
	opts := testOptions()
	opts.Filter = filter.Options{MovingAverage: 1, Settling: 1}
	opts.Compensation = Compensation{Factor: 0.5, Base: 20000}
	opts.Thermometer = fixedThermometer{temperature.Snapshot{Failed: true}}
	d, _ := newTestDevice(t, opts)

	d.Push(100)
	d.Push(100)
	d.Push(100)

	got := drain(d)
	require.Len(t, got, 1)
	assert.Equal(t, 100.0, got[0].Value)
	assert.False(t, got[0].TemperatureValid)
}

func TestDevice_CorrectionFactor(t *testing.T) {
	opts := testOptions()
	opts.Calibration = Calibration{K: 2, CorrectionFactor: 1.5}
	opts.Filter = filter.Options{MovingAverage: 1, Settling: 1}
	d, _ := newTestDevice(t, opts)

	d.Push(10)
	d.Push(10)
	d.Push(10)
	got := drain(d)
	require.Len(t, got, 1)
	assert.Equal(t, 30.0, got[0].Value)
}

func TestDevice_OwnedMonitor(t *testing.T) {
	src := filepath.Join(t.TempDir(), "w1_slave")
	require.NoError(t, os.WriteFile(src, []byte("aa YES\naa t=21000\n"), 0o644))

	opts := testOptions()
	opts.Filter = filter.Options{MovingAverage: 1, Settling: 1}
	opts.Compensation = Compensation{Source: src, Interval: 5 * time.Millisecond, Factor: 1, Base: 20000}
	d, _ := newTestDevice(t, opts)

	require.Eventually(t, func() bool {
		_, ok := d.temperature()
		return ok
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1100.0, d.align(100))

	start := time.Now()
	require.NoError(t, d.Close())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDevice_FullChannelDrops(t *testing.T) {
	opts := testOptions()
	opts.Filter = filter.Options{MovingAverage: 1, Settling: 1}
	opts.Buffer = 1
	d, _ := newTestDevice(t, opts)

	for range 5 {
		d.Push(1)
	}
	assert.Len(t, d.Samples(), 1)
}

func TestDevice_Close(t *testing.T) {
	d, sim := newTestDevice(t, testOptions())
	require.NoError(t, d.Read())
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, ok := <-d.Samples()
	assert.False(t, ok, "samples channel should be closed")

	select {
	case <-d.Calibrated():
	default:
		t.Fatal("Close should release Calibrated waiters")
	}

	assert.ErrorIs(t, d.Start(), ErrClosed)
	assert.ErrorIs(t, d.Read(), ErrClosed)

	sim.Emit(gpio.Frame(1))
	assert.Equal(t, 0, sim.Clocks())
	d.Push(1) // must not panic on the closed channel
}

func TestDevice_OneDrivesTheEdge(t *testing.T) {
	sim := newSim()
	a, err := New(sim, testOptions())
	require.NoError(t, err)
	defer a.Close()
	b, err := New(sim, testOptions())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Start())
	assert.ErrorIs(t, b.Start(), gpio.ErrWatched)

	a.Stop()
	require.NoError(t, b.Start())
	sim.Emit(gpio.Frame(1))
	assert.Equal(t, 25, sim.Clocks())

	// A stopped device does not clear the slot of the running one.
	a.Stop()
	require.NoError(t, a.Close())
	sim.Emit(gpio.Frame(1))
	assert.Equal(t, 25, sim.Clocks())

	assert.ErrorIs(t, a.Start(), ErrClosed)
}

func TestNew_Errors(t *testing.T) {
	boom := errors.New("line busy")
	_, err := New(failChip{err: boom}, testOptions())
	assert.ErrorIs(t, err, boom)

	opts := testOptions()
	opts.ClockPin = opts.DataPin
	_, err = New(gpio.NewSim(), opts)
	assert.Error(t, err)

	opts = testOptions()
	opts.Gain = 9
	_, err = New(gpio.NewSim(), opts)
	assert.ErrorIs(t, err, ErrInvalidGain)
}

func TestNew_Defaults(t *testing.T) {
	d, err := New(gpio.NewSim(), nil)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, GainA128, d.Gain())
	assert.Equal(t, DefaultSettle, d.settle)
	assert.Equal(t, DefaultPowerHold, d.hold)
	assert.Equal(t, DefaultBuffer, cap(d.Samples()))
	assert.Equal(t, 1.0, d.k)
}
