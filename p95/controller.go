// Package p95 implements the CPU P95 slot controller: a state
// machine that schedules "high" and "baseline" intensity time slots so
// that the rolling 7-day 95th percentile of CPU utilization converges on
// a target band.
package p95

import (
	"log"
	"sync"
	"time"

	"github.com/loadshaper/loadshaper/model"
)

// Config holds the controller's tunables.
type Config struct {
	SlotDuration       time.Duration
	RingSize           int // default 86400 / slot_duration
	TargetMin          float64
	TargetMax          float64
	BaselineIntensity  float64
	HighIntensity      float64
	ExceedanceTarget   float64 // E0, default 6.5
	LoadThreshold      float64
	LoadCheckEnabled   bool
	LoadScaleStart     float64 // e.g. 0.5
	LoadScaleFull      float64 // e.g. 0.8
	LoadScaleMin       float64 // e.g. 0.70 (min_scale)
	P95CacheTTL        time.Duration // default 180s
	SnapshotPath       string
	SnapshotBatchEvery int // default 10

	// PercentileFunc is the controller's view of the metrics store:
	// the 7-day 95th percentile of CPU utilization, ok=false when the
	// window holds no samples. Consulted at most once per P95CacheTTL.
	PercentileFunc func(now time.Time) (float64, bool)
}

const (
	hysteresisRecent = 2.5
	hysteresisStable = 1.0
	hysteresisRecentWindow = 300 * time.Second
)

// Controller is the CPU P95 slot controller. The control loop drives it
// from a single goroutine; the mutex exists because Status is also
// polled by the health endpoint's handler goroutines.
type Controller struct {
	mu  sync.Mutex
	cfg Config

	state           model.ControllerState
	lastStateChange time.Time

	cachedP95    *float64
	p95CachedAt  time.Time

	ring        *ring
	persist     *persistence
	slotStart   time.Time
	slotStarted bool
	currentIsHigh bool
	currentIntensity float64
	forcedLowMidSlot bool
	slotsSkippedSafety int
}

// New creates a Controller and attempts to restore a persisted ring
// snapshot; a missing, stale, or mismatched snapshot leaves the ring
// empty, matching the cache's staleness rule.
func New(cfg Config) *Controller {
	if cfg.RingSize <= 0 {
		cfg.RingSize = int(24 * time.Hour / cfg.SlotDuration)
	}
	if cfg.P95CacheTTL <= 0 {
		cfg.P95CacheTTL = 180 * time.Second
	}
	if cfg.SnapshotBatchEvery <= 0 {
		cfg.SnapshotBatchEvery = 10
	}

	c := &Controller{
		cfg:   cfg,
		state: model.StateMaintaining,
		ring:  newRing(cfg.RingSize),
	}
	c.persist = newPersistence(cfg.SnapshotPath, cfg.SnapshotBatchEvery)
	if isHigh, ok := c.persist.load(c.ring); ok {
		c.currentIsHigh = isHigh
		log.Printf("[p95] restored ring snapshot: %d/%d slots", c.ring.population, c.ring.size)
	}
	c.slotStart = time.Time{}
	return c
}

// UpdateState refreshes the internal state machine from a (possibly nil)
// fresh cpu_p95 reading, updating the TTL cache first.
func (c *Controller) UpdateState(now time.Time, freshP95 *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshCache(now, freshP95)
	c.transition(now)
}

func (c *Controller) refreshCache(now time.Time, freshP95 *float64) {
	if freshP95 != nil {
		v := *freshP95
		c.cachedP95 = &v
		c.p95CachedAt = now
		return
	}
	if c.cfg.PercentileFunc == nil {
		return
	}
	if c.cachedP95 != nil && now.Sub(c.p95CachedAt) <= c.cfg.P95CacheTTL {
		return
	}
	if v, ok := c.cfg.PercentileFunc(now); ok {
		c.cachedP95 = &v
		c.p95CachedAt = now
	}
	// A none result never overwrites a previously valid cache: a
	// transient store outage must not blank the controller's view.
}

// currentP95 returns the cached value even when stale; freshness is
// refreshCache's job, and a transient store outage must not blank the
// controller's view of the world.
func (c *Controller) currentP95() *float64 {
	return c.cachedP95
}

func (c *Controller) transition(now time.Time) {
	p := c.currentP95()
	if p == nil {
		return
	}
	P := *p

	h := hysteresisStable
	if now.Sub(c.lastStateChange) < hysteresisRecentWindow {
		h = hysteresisRecent
	}

	var next model.ControllerState
	switch {
	case c.state != model.StateBuilding && P < c.cfg.TargetMin-h:
		next = model.StateBuilding
	case c.state != model.StateReducing && P > c.cfg.TargetMax+h:
		next = model.StateReducing
	case c.state != model.StateMaintaining && P >= c.cfg.TargetMin && P <= c.cfg.TargetMax:
		next = model.StateMaintaining
	default:
		next = c.state
	}

	if next != c.state {
		c.state = next
		c.lastStateChange = now
	}
}

// targetIntensity implements the "Commanded intensity" formulas.
func (c *Controller) targetIntensity(p *float64) float64 {
	B := c.cfg.BaselineIntensity
	H := c.cfg.HighIntensity
	S := (c.cfg.TargetMin + c.cfg.TargetMax) / 2.0

	var out float64
	switch c.state {
	case model.StateBuilding:
		if p != nil && *p < c.cfg.TargetMin-5 {
			out = H + 8
		} else {
			out = H + 5
		}
		if out < B {
			out = B
		}
	case model.StateReducing:
		if p != nil && *p > c.cfg.TargetMax+10 {
			out = maxf(B, H-5)
		} else {
			out = maxf(B, H-2)
		}
	default: // MAINTAINING
		P := S
		if p != nil {
			P = *p
		}
		out = S + 0.2*(S-P)
		out = clamp(out, B, H)
	}
	return out
}

// targetExceedance implements the "Commanded exceedance target" formulas.
func (c *Controller) targetExceedance(p *float64) float64 {
	E0 := c.cfg.ExceedanceTarget
	switch c.state {
	case model.StateBuilding:
		if p != nil && *p < c.cfg.TargetMin-5 {
			v := E0 + 4
			if v > 12 {
				v = 12
			}
			return v
		}
		return E0 + 1
	case model.StateReducing:
		if p != nil && *p > c.cfg.TargetMax+10 {
			return 1.0
		}
		return 2.5
	default:
		return E0
	}
}

// ShouldRunHighSlot is called at least once per tick; it advances the
// ring on slot boundaries and returns the current slot's decision.
func (c *Controller) ShouldRunHighSlot(now time.Time, loadAvg *float64) (isHigh bool, intensityPct float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.slotStarted {
		c.openSlot(now, loadAvg)
	} else if now.Sub(c.slotStart) >= c.cfg.SlotDuration {
		c.closeSlot()
		c.openSlot(now, loadAvg)
	}
	return c.currentIsHigh, c.scaleForLoad(c.currentIntensity, loadAvg)
}

func (c *Controller) openSlot(now time.Time, loadAvg *float64) {
	c.slotStart = now
	c.slotStarted = true
	c.forcedLowMidSlot = false

	p := c.currentP95()
	eTarget := c.targetExceedance(p)
	e := c.ring.exceedance()

	isHigh := e < eTarget
	if c.cfg.LoadCheckEnabled && loadAvg != nil && *loadAvg > c.cfg.LoadThreshold {
		isHigh = false
		c.slotsSkippedSafety++
	}

	c.currentIsHigh = isHigh
	if isHigh {
		c.currentIntensity = c.targetIntensity(p)
	} else {
		c.currentIntensity = c.cfg.BaselineIntensity
	}
}

func (c *Controller) closeSlot() {
	decidedHigh := c.currentIsHigh && !c.forcedLowMidSlot
	c.ring.push(decidedHigh)
	c.persist.maybeSave(c.ring, c.currentIsHigh, false)
}

// MarkCurrentSlotLow is called when a safety override forces baseline
// mid-slot; idempotent within one slot.
func (c *Controller) MarkCurrentSlotLow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.forcedLowMidSlot {
		return
	}
	c.forcedLowMidSlot = true
	c.currentIsHigh = false
	c.currentIntensity = c.cfg.BaselineIntensity
	c.slotsSkippedSafety++
}

// scaleForLoad applies the optional proportional safety scaling between
// load_scale_start and load_scale_full.
func (c *Controller) scaleForLoad(intensity float64, loadAvg *float64) float64 {
	if !c.cfg.LoadCheckEnabled || loadAvg == nil {
		return intensity
	}
	l := *loadAvg
	start, full := c.cfg.LoadScaleStart, c.cfg.LoadScaleFull
	if start <= 0 || full <= start {
		return intensity
	}
	minScale := c.cfg.LoadScaleMin
	if minScale <= 0 {
		minScale = 0.70
	}
	B := c.cfg.BaselineIntensity

	switch {
	case l <= start:
		return intensity
	case l >= full:
		return B
	default:
		frac := (l - start) / (full - start)
		floor := maxf(B, intensity*minScale)
		return intensity - frac*(intensity-floor)
	}
}

// Status returns a telemetry snapshot.
func (c *Controller) Status() model.ControllerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.ControllerStatus{
		State:              c.state,
		CPUP95:             c.cachedP95,
		CurrentExceedance:  c.ring.exceedance(),
		TargetExceedance:   c.targetExceedance(c.cachedP95),
		SlotsRecorded:      c.ring.population,
		SlotHistoryIndex:   c.ring.writeIdx,
		RingSize:           c.ring.size,
		SlotsSkippedSafety: c.slotsSkippedSafety,
		CurrentSlotIsHigh:  c.currentIsHigh,
		CurrentIntensity:   c.currentIntensity,
		DegradedPersist:    c.persist.degraded,
		LastStateChange:    c.lastStateChange.Unix(),
	}
}

// RingSnapshot exposes a read-only copy of the recorded slot history for
// the health endpoint and the watch dashboard.
func (c *Controller) RingSnapshot() model.RingSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.ring.toModel()
	snap.CurrentSlotIsHigh = c.currentIsHigh
	return snap
}

// Shutdown flushes the ring snapshot unconditionally.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persist.maybeSave(c.ring, c.currentIsHigh, true)
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
