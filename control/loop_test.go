package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loadshaper/loadshaper/actuator"
	"github.com/loadshaper/loadshaper/p95"
)

func newTestLoop(t *testing.T, cfg Config) (*Loop, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	cpuAct := actuator.NewCPUActuator(ctx, 0.95)
	memAct := actuator.NewMemoryActuator(ctx, 64, time.Hour)
	netAct := actuator.NewNetworkActuator(actuator.NetworkConfig{
		Peers:           []string{"198.51.100.9:5201"},
		InitialRateMbps: 1,
	})

	l := &Loop{cfg: cfg, cpuAct: cpuAct, memAct: memAct, netAct: netAct}
	return l, cancel
}

func TestSafetyStopEngagesAndResumes(t *testing.T) {
	cfg := Config{
		CPUStopPct:          80,
		MemStopPct:          90,
		NetStopPct:          90,
		HysteresisPct:       5,
		NetMinRateMbps:      1,
		LoadCheckEnabled:    false,
	}
	l, cancel := newTestLoop(t, cfg)
	defer cancel()

	l.cpuAct.SetDuty(0.5)
	l.evaluateSafety(85, 10, 10, 0)
	if !l.isPaused() {
		t.Fatal("expected safety stop to engage when CPU EMA exceeds stop threshold")
	}
	if got := l.cpuAct.Duty(); got != 0 {
		t.Fatalf("expected duty 0 while paused, got %v", got)
	}

	// Still above stop-hysteresis band: stays paused.
	l.evaluateSafety(78, 10, 10, 0)
	if !l.isPaused() {
		t.Fatal("expected to remain paused until below stop - hysteresis")
	}

	// Below CPUStopPct - HysteresisPct (75): resumes.
	l.evaluateSafety(70, 10, 10, 0)
	if l.isPaused() {
		t.Fatal("expected resume once all EMAs sit below stop - hysteresis")
	}
}

func TestSafetyStopDrivesMemoryTargetToZeroEveryTick(t *testing.T) {
	cfg := Config{
		CPUStopPct:     80,
		MemStopPct:     90,
		NetStopPct:     90,
		HysteresisPct:  5,
		NetMinRateMbps: 1,
		TotalMemMB:     1024,
	}
	l, cancel := newTestLoop(t, cfg)
	defer cancel()

	l.memAct.SetTargetMB(256)
	if got := l.memAct.CurrentMB(); got == 0 {
		t.Fatalf("expected the buffer to have grown before the safety stop, got %d", got)
	}

	l.evaluateSafety(85, 10, 10, 0)
	if !l.isPaused() {
		t.Fatal("expected safety stop to engage")
	}
	if got := l.memAct.CurrentMB(); got != 0 {
		t.Fatalf("expected memory target commanded to 0 on the stop edge, got %d", got)
	}

	// A paused actuator only blocks growth; an explicit shrink command must
	// still take effect on every subsequent tick the stop condition holds.
	l.memAct.SetTargetMB(256)
	if got := l.memAct.CurrentMB(); got != 0 {
		t.Fatalf("expected growth to stay refused while paused, got %d", got)
	}
	l.evaluateSafety(85, 10, 10, 0)
	if got := l.memAct.CurrentMB(); got != 0 {
		t.Fatalf("expected memory target to remain commanded to 0, got %d", got)
	}
}

func TestSmartActivationE2ArmsOnlyWhenCPUAndNetAtRisk(t *testing.T) {
	cfg := Config{ShapeClass: "E2", ReclamationFloorPct: 20}
	l, cancel := newTestLoop(t, cfg)
	defer cancel()

	atRisk := 10.0
	comfortable := 50.0

	l.evaluateNetworkActivation(&comfortable, 5, 5)
	if l.netAct.Armed() {
		t.Fatal("expected E2 to stay disarmed when CPU P95 is comfortably above the floor")
	}

	l.evaluateNetworkActivation(&atRisk, 5, 50)
	if l.netAct.Armed() {
		t.Fatal("expected E2 to stay disarmed when the network average is not also low")
	}

	l.evaluateNetworkActivation(&atRisk, 5, 5)
	if !l.netAct.Armed() {
		t.Fatal("expected E2 to arm once both CPU P95 and network average are at risk")
	}
}

func TestSmartActivationA1RequiresAllThreeAtRisk(t *testing.T) {
	cfg := Config{ShapeClass: "A1", ReclamationFloorPct: 20}
	l, cancel := newTestLoop(t, cfg)
	defer cancel()

	atRisk := 10.0

	l.evaluateNetworkActivation(&atRisk, 50, 5) // memory comfortable
	if l.netAct.Armed() {
		t.Fatal("expected A1 to stay disarmed unless all three metrics are at risk")
	}

	l.evaluateNetworkActivation(&atRisk, 5, 5)
	if !l.netAct.Armed() {
		t.Fatal("expected A1 to arm once CPU P95, memory, and network are all at risk")
	}
}

func TestSmartActivationUnknownShapeAlwaysArms(t *testing.T) {
	cfg := Config{ShapeClass: "", ReclamationFloorPct: 20}
	l, cancel := newTestLoop(t, cfg)
	defer cancel()

	comfortable := 90.0
	l.evaluateNetworkActivation(&comfortable, 90, 90)
	if !l.netAct.Armed() {
		t.Fatal("expected a generic shape to always arm the network actuator")
	}
}

func TestClampMemGrowthRespectsMinFreeFloor(t *testing.T) {
	cfg := Config{TotalMemMB: 1000, MemMinFreeMB: 200}
	l, cancel := newTestLoop(t, cfg)
	defer cancel()

	// 70% used leaves 300 MB free; only 100 MB may be committed before
	// the 200 MB floor is hit.
	if got := l.clampMemGrowth(500, 70.0); got != 100 {
		t.Fatalf("expected desired clamped to 100 MB, got %d", got)
	}

	// Already below the floor: no growth at all beyond the current size.
	if got := l.clampMemGrowth(500, 90.0); got != 0 {
		t.Fatalf("expected growth refused below the free floor, got %d", got)
	}

	// Plenty of headroom: the desired size passes through unchanged.
	if got := l.clampMemGrowth(100, 10.0); got != 100 {
		t.Fatalf("expected desired size unchanged with headroom, got %d", got)
	}
}

func TestSafetyStopMarksCurrentSlotLow(t *testing.T) {
	cfg := Config{
		CPUStopPct:     80,
		MemStopPct:     90,
		NetStopPct:     90,
		HysteresisPct:  5,
		NetMinRateMbps: 1,
	}
	l, cancel := newTestLoop(t, cfg)
	defer cancel()

	ctl := p95.New(p95.Config{
		SlotDuration:      time.Minute,
		TargetMin:         22,
		TargetMax:         28,
		BaselineIntensity: 20,
		HighIntensity:     35,
		ExceedanceTarget:  6.5,
		SnapshotPath:      filepath.Join(t.TempDir(), "ring.json"),
	})
	l.p95ctl = ctl

	now := time.Unix(1_700_000_000, 0)
	low := 15.0
	ctl.UpdateState(now, &low)
	if isHigh, _ := ctl.ShouldRunHighSlot(now, nil); !isHigh {
		t.Fatal("expected a high first slot with a low cached P95")
	}

	l.evaluateSafety(85, 10, 10, 0)
	if ctl.Status().CurrentSlotIsHigh {
		t.Fatal("expected the safety stop to mark the in-flight slot low")
	}
}

func TestSafetyStopOnHighLoad(t *testing.T) {
	cfg := Config{
		CPUStopPct:          80,
		MemStopPct:          90,
		NetStopPct:          90,
		HysteresisPct:       5,
		NetMinRateMbps:      1,
		LoadCheckEnabled:    true,
		LoadThreshold:       0.6,
		LoadResumeThreshold: 0.4,
	}
	l, cancel := newTestLoop(t, cfg)
	defer cancel()

	l.evaluateSafety(10, 10, 10, 0.8)
	if !l.isPaused() {
		t.Fatal("expected safety stop on load_ema exceeding LOAD_THRESHOLD")
	}

	// Still above LoadResumeThreshold (0.4): must remain paused.
	l.evaluateSafety(10, 10, 10, 0.5)
	if !l.isPaused() {
		t.Fatal("expected to remain paused while load_ema is still above LoadResumeThreshold")
	}

	l.evaluateSafety(10, 10, 10, 0.3)
	if l.isPaused() {
		t.Fatal("expected resume once load_ema drops below LoadResumeThreshold")
	}
}
