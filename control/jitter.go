package control

import (
	"math/rand"
	"time"
)

// Jitter applies a bounded random perturbation to commanded targets,
// refreshed once per jitter period: a single random factor drawn uniformly
// from [-pct, +pct] is applied to every target until the next period.
type Jitter struct {
	pct    float64
	period time.Duration

	factor float64
	nextAt time.Time
}

// NewJitter creates a Jitter with the given percentage (e.g. 10 for
// +/-10%) and refresh period.
func NewJitter(pct float64, period time.Duration) *Jitter {
	return &Jitter{pct: pct, period: period}
}

// Update re-draws the jitter factor if the period has elapsed.
func (j *Jitter) Update(now time.Time) {
	if j.nextAt.IsZero() {
		j.redraw(now)
		return
	}
	if now.Before(j.nextAt) {
		return
	}
	j.redraw(now)
}

func (j *Jitter) redraw(now time.Time) {
	if j.pct <= 0 {
		j.factor = 0
	} else {
		j.factor = (rand.Float64()*2 - 1) * (j.pct / 100.0)
	}
	j.nextAt = now.Add(j.period)
}

// Apply returns base scaled by (1 + factor), floored at 0.
func (j *Jitter) Apply(base float64) float64 {
	v := base * (1.0 + j.factor)
	if v < 0 {
		return 0
	}
	return v
}
