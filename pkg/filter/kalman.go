package filter

// DefaultCovariance seeds the filter covariance on the first observation.
const DefaultCovariance = 0.1

// Kalman is a scalar predict/correct estimator.
//
// With F = H = 1 it models a random walk observed directly, which is what a
// load cell at rest looks like.
type Kalman struct {
	Q float64 // process noise
	R float64 // observation noise
	F float64 // state transition
	H float64 // observation model

	state       float64
	covariance  float64
	initialized bool
}

// NewKalman returns an uninitialized filter. Zero f or h default to 1.
func NewKalman(q, r, f, h float64) *Kalman {
	if f == 0 {
		f = 1
	}
	if h == 0 {
		h = 1
	}
	return &Kalman{Q: q, R: r, F: f, H: h}
}

// SetState seeds the estimate.
func (k *Kalman) SetState(state, covariance float64) {
	k.state = state
	k.covariance = covariance
	k.initialized = true
}

// Correct runs one predict/correct step against an observation and returns
// the new state. An uninitialized filter is seeded with the observation and
// DefaultCovariance instead.
func (k *Kalman) Correct(observation float64) float64 {
	if !k.initialized {
		k.SetState(observation, DefaultCovariance)
		return k.state
	}

	// predict
	x0 := k.F * k.state
	p0 := k.F*k.covariance*k.F + k.Q

	// correct
	g := k.H * p0 / (k.H*p0*k.H + k.R)
	k.state = x0 + g*(observation-k.H*x0)
	k.covariance = (1 - g*k.H) * p0
	return k.state
}

// State returns the current estimate.
func (k *Kalman) State() float64 { return k.state }

// Covariance returns the current estimate covariance.
func (k *Kalman) Covariance() float64 { return k.covariance }

// Initialized reports whether the filter has been seeded.
func (k *Kalman) Initialized() bool { return k.initialized }

// Reset forgets the seeded state.
func (k *Kalman) Reset() {
	k.state, k.covariance, k.initialized = 0, 0, false
}
