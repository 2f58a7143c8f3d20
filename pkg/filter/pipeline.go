package filter

import (
	"log"
	"math"
)

// Options configures a Pipeline.
type Options struct {
	// MovingAverage is the capacity of the primary window whose mean is the
	// output value.
	MovingAverage int
	// Settling is the capacity of the window of raw samples that delays each
	// sample before it becomes a deviation filter candidate.
	Settling int

	// TAFilter enables the tolerance band test. When false every candidate
	// is accepted.
	TAFilter bool
	// DeviationFactor is the band half-width as a fraction of the mean.
	DeviationFactor float64
	// DeviationValue is an absolute amount added to the band half-width.
	DeviationValue float64
	// Retries is how many consecutive rejections are dropped before the next
	// rejected candidate is accepted anyway.
	Retries int

	Kalman  bool
	KalmanQ float64
	KalmanR float64
	KalmanF float64
	KalmanH float64

	Debug bool
}

// Aligner maps a raw ADC sample to a calibrated value.
type Aligner func(raw int32) float64

// Pipeline turns raw ADC samples into accepted output values.
//
// It is not safe for concurrent use; the acquisition path is its only caller.
type Pipeline struct {
	opts  Options
	align Aligner

	primary  *Average[float64, float64]
	settling *Average[int32, float64]
	kalman   *Kalman

	tries int
}

// NewPipeline creates a pipeline. A nil align uses the raw value unchanged.
func NewPipeline(opts Options, align Aligner) *Pipeline {
	if align == nil {
		align = func(raw int32) float64 { return float64(raw) }
	}
	p := &Pipeline{
		opts:     opts,
		align:    align,
		primary:  NewAverage[float64, float64](opts.MovingAverage),
		settling: NewAverage[int32, float64](opts.Settling),
	}
	if opts.Kalman {
		p.kalman = NewKalman(opts.KalmanQ, opts.KalmanR, opts.KalmanF, opts.KalmanH)
	}
	return p
}

// Push feeds one raw sample. It returns the primary window mean and true when
// the sample caused a value to enter the primary window after both windows
// have filled.
func (p *Pipeline) Push(raw int32) (float64, bool) {
	if !p.primary.Full() {
		p.primary.Push(p.smooth(p.align(raw)))
		return 0, false
	}
	if !p.settling.Full() {
		p.settling.Push(raw)
		return 0, false
	}

	candidate := p.align(p.settling.Front())
	p.settling.Push(raw)

	if !p.accepts(candidate) {
		p.tries++
		if p.opts.Debug {
			log.Printf("filter: filtered %v (%d/%d)", candidate, p.tries, p.opts.Retries)
		}
		if p.tries <= p.opts.Retries {
			return 0, false
		}
	}
	p.tries = 0

	p.primary.Push(p.smooth(candidate))
	return p.primary.Mean(), true
}

// smooth runs v through the Kalman filter when enabled.
func (p *Pipeline) smooth(v float64) float64 {
	if p.kalman == nil {
		return v
	}
	if !p.kalman.Initialized() {
		p.kalman.SetState(v, DefaultCovariance)
		return p.kalman.State()
	}
	return p.kalman.Correct(v)
}

// accepts applies the tolerance band test to a candidate: it must lie within
// the band around the primary mean and around every aligned sample still in
// the settling window. Boundary values are accepted.
func (p *Pipeline) accepts(candidate float64) bool {
	if !p.opts.TAFilter {
		return true
	}

	mean := p.primary.Mean()
	band := math.Abs(mean * p.opts.DeviationFactor)
	if !p.within(candidate, mean, band) {
		return false
	}

	ok := true
	p.settling.Each(func(s int32) bool {
		ok = p.within(candidate, p.align(s), band)
		return ok
	})
	return ok
}

func (p *Pipeline) within(v, center, band float64) bool {
	return !(v < center-band-p.opts.DeviationValue || v > center+band+p.opts.DeviationValue)
}

// Mean returns the primary window mean.
func (p *Pipeline) Mean() float64 { return p.primary.Mean() }

// Primed reports whether both windows have filled.
func (p *Pipeline) Primed() bool { return p.primary.Full() && p.settling.Full() }

// Tries returns the number of consecutive rejections so far.
func (p *Pipeline) Tries() int { return p.tries }

// Reset empties both windows and forgets the Kalman state.
func (p *Pipeline) Reset() {
	p.primary.Reset()
	p.settling.Reset()
	if p.kalman != nil {
		p.kalman.Reset()
	}
	p.tries = 0
}
