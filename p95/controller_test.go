package p95

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/loadshaper/loadshaper/model"
)

func testConfig(t *testing.T) Config {
	return Config{
		SlotDuration:      60 * time.Second,
		RingSize:          1440,
		TargetMin:         22,
		TargetMax:         28,
		BaselineIntensity: 20,
		HighIntensity:     35,
		ExceedanceTarget:  6.5,
		LoadThreshold:     0.6,
		LoadCheckEnabled:  true,
		LoadScaleStart:    0.5,
		LoadScaleFull:     0.8,
		LoadScaleMin:      0.70,
		SnapshotPath:      filepath.Join(t.TempDir(), "ring.json"),
	}
}

func TestColdStartLowP95BuildsAndRunsHighFirstSlot(t *testing.T) {
	c := New(testConfig(t))
	now := time.Unix(1_700_000_000, 0)
	p95 := 15.0

	c.UpdateState(now, &p95)
	if c.state != model.StateBuilding {
		t.Fatalf("expected BUILDING, got %v", c.state)
	}
	if got := c.targetExceedance(c.cachedP95); got != 10.5 {
		t.Fatalf("expected exceedance target 10.5, got %v", got)
	}
	if got := c.ring.exceedance(); got != 0.0 {
		t.Fatalf("expected 0 current exceedance on empty ring, got %v", got)
	}

	isHigh, intensity := c.ShouldRunHighSlot(now, nil)
	if !isHigh || intensity != 43.0 {
		t.Fatalf("expected (true, 43.0), got (%v, %v)", isHigh, intensity)
	}
}

func TestHighLoadForcesBaselineAfterSlotRollover(t *testing.T) {
	c := New(testConfig(t))
	now := time.Unix(1_700_000_000, 0)
	p95 := 15.0
	c.UpdateState(now, &p95)

	c.ShouldRunHighSlot(now, nil)

	later := now.Add(61 * time.Second)
	load := 0.8
	isHigh, intensity := c.ShouldRunHighSlot(later, &load)
	if isHigh {
		t.Fatal("expected load override to force baseline")
	}
	if intensity != 20.0 {
		t.Fatalf("expected intensity 20.0, got %v", intensity)
	}
	if c.slotsSkippedSafety < 1 {
		t.Fatalf("expected slots_skipped_safety >= 1, got %d", c.slotsSkippedSafety)
	}
}

func TestDefaultStateIsMaintainingWithNoCachedP95(t *testing.T) {
	c := New(testConfig(t))
	if c.state != model.StateMaintaining {
		t.Fatalf("expected a fresh controller to start MAINTAINING, got %v", c.state)
	}

	now := time.Unix(1_700_000_000, 0)
	c.UpdateState(now, nil) // percentile window empty: scenario 3 of the spec
	if c.state != model.StateMaintaining {
		t.Fatalf("expected to remain MAINTAINING with no fresh P95, got %v", c.state)
	}
	if got := c.targetIntensity(c.cachedP95); got != 25.0 {
		t.Fatalf("expected the setpoint 25.0 with no cached P95, got %v", got)
	}
}

func TestPercentileNoneDoesNotBlankCache(t *testing.T) {
	c := New(testConfig(t))
	now := time.Unix(1_700_000_000, 0)
	p95 := 15.0
	c.UpdateState(now, &p95)

	c.UpdateState(now.Add(time.Minute), nil)
	if c.cachedP95 == nil || *c.cachedP95 != 15.0 {
		t.Fatalf("expected cached P95 to remain 15.0, got %v", c.cachedP95)
	}
}

func TestStableHysteresisWindow(t *testing.T) {
	c := New(testConfig(t))
	c.state = model.StateMaintaining
	base := time.Unix(1_700_000_000, 0)
	c.lastStateChange = base.Add(-400 * time.Second)

	now := base
	p1 := 21.5
	c.UpdateState(now, &p1)
	if c.state != model.StateMaintaining {
		t.Fatalf("expected to remain MAINTAINING at 21.5, got %v", c.state)
	}

	p2 := 20.5
	c.UpdateState(now, &p2)
	if c.state != model.StateBuilding {
		t.Fatalf("expected transition to BUILDING at 20.5, got %v", c.state)
	}
}

func TestRingWraparoundPreservesPopulation(t *testing.T) {
	r := newRing(4)
	for i := 0; i < 4; i++ {
		r.push(true)
	}
	if r.writeIdx != 0 || r.population != 4 {
		t.Fatalf("expected writeIdx=0 population=4, got %d %d", r.writeIdx, r.population)
	}
	r.push(false)
	if r.writeIdx != 1 || r.population != 4 {
		t.Fatalf("expected writeIdx=1 population unchanged at 4, got %d %d", r.writeIdx, r.population)
	}
}

func TestMarkCurrentSlotLowIsIdempotentWithinSlot(t *testing.T) {
	c := New(testConfig(t))
	now := time.Unix(1_700_000_000, 0)
	p95 := 30.0
	c.UpdateState(now, &p95)
	c.ShouldRunHighSlot(now, nil)

	c.MarkCurrentSlotLow()
	skippedAfterFirst := c.slotsSkippedSafety
	c.MarkCurrentSlotLow()
	c.MarkCurrentSlotLow()
	if c.slotsSkippedSafety != skippedAfterFirst {
		t.Fatalf("expected idempotent safety-skip counter, got %d after repeated calls (was %d)", c.slotsSkippedSafety, skippedAfterFirst)
	}
	if c.currentIsHigh {
		t.Fatal("expected current slot to read low after MarkCurrentSlotLow")
	}
}

func TestPercentileFuncConsultedOnlyWhenCacheStale(t *testing.T) {
	calls := 0
	cfg := testConfig(t)
	cfg.P95CacheTTL = 180 * time.Second
	cfg.PercentileFunc = func(time.Time) (float64, bool) {
		calls++
		return 30.0, true
	}
	c := New(cfg)
	now := time.Unix(1_700_000_000, 0)

	c.UpdateState(now, nil)
	if calls != 1 {
		t.Fatalf("expected an empty cache to trigger a store query, got %d calls", calls)
	}
	if c.cachedP95 == nil || *c.cachedP95 != 30.0 {
		t.Fatalf("expected cached P95 30.0, got %v", c.cachedP95)
	}

	c.UpdateState(now.Add(time.Minute), nil)
	if calls != 1 {
		t.Fatalf("expected no re-query within the cache TTL, got %d calls", calls)
	}

	c.UpdateState(now.Add(4*time.Minute), nil)
	if calls != 2 {
		t.Fatalf("expected a re-query once the TTL elapsed, got %d calls", calls)
	}
}

func TestPercentileFuncNoneKeepsPriorCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.PercentileFunc = func(time.Time) (float64, bool) { return 0, false }
	c := New(cfg)
	now := time.Unix(1_700_000_000, 0)

	seed := 15.0
	c.UpdateState(now, &seed)
	c.UpdateState(now.Add(10*time.Minute), nil)
	if c.cachedP95 == nil || *c.cachedP95 != 15.0 {
		t.Fatalf("expected a none result to leave the cache at 15.0, got %v", c.cachedP95)
	}
}

func TestRingSnapshotReflectsRecordedSlots(t *testing.T) {
	c := New(testConfig(t))
	now := time.Unix(1_700_000_000, 0)
	p95 := 15.0
	c.UpdateState(now, &p95)
	c.ShouldRunHighSlot(now, nil)
	c.ShouldRunHighSlot(now.Add(61*time.Second), nil)

	snap := c.RingSnapshot()
	if snap.SlotsRecorded != 1 || snap.SlotHistorySize != 1440 {
		t.Fatalf("unexpected ring snapshot: %+v", snap)
	}
	if len(snap.SlotHistory) != 1 || snap.SlotHistory[0] == nil || !*snap.SlotHistory[0] {
		t.Fatal("expected the closed first slot to be recorded high")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	c := New(cfg)
	now := time.Unix(1_700_000_000, 0)
	p95 := 15.0
	c.UpdateState(now, &p95)
	for i := 0; i < 5; i++ {
		c.ShouldRunHighSlot(now.Add(time.Duration(i)*61*time.Second), nil)
	}
	c.Shutdown()

	restored := New(cfg)
	if restored.ring.population != c.ring.population {
		t.Fatalf("expected population %d after restore, got %d", c.ring.population, restored.ring.population)
	}
	if restored.ring.writeIdx != c.ring.writeIdx {
		t.Fatalf("expected writeIdx %d after restore, got %d", c.ring.writeIdx, restored.ring.writeIdx)
	}
}
