// Package ema implements an exponentially weighted moving average filter
// used for fast safety gating, distinct from the percentile engine used
// for slot steering.
package ema

import "math"

// Filter is an exponentially weighted moving average with a smoothing
// factor derived from a window length, matching the original
// implementation's alpha = 2/(n+1) convention.
type Filter struct {
	alpha   float64
	value   float64
	primed  bool
}

// New creates a Filter whose effective averaging window covers windowSec
// seconds sampled every periodSec seconds. N is at least 1.
func New(windowSec, periodSec float64) *Filter {
	n := windowSec / periodSec
	if n < 1 {
		n = 1
	}
	return &Filter{alpha: 2.0 / (n + 1.0)}
}

// Update feeds a new observation into the filter and returns the updated
// average. Non-finite inputs (NaN, +/-Inf) are ignored and the previous
// value is returned unchanged, matching the original script's defensive
// handling of transient /proc read glitches.
func (f *Filter) Update(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return f.value
	}
	if !f.primed {
		f.value = x
		f.primed = true
		return f.value
	}
	f.value = f.alpha*x + (1-f.alpha)*f.value
	return f.value
}

// Value returns the current average without updating it.
func (f *Filter) Value() float64 {
	return f.value
}

// Primed reports whether at least one observation has been recorded.
func (f *Filter) Primed() bool {
	return f.primed
}
