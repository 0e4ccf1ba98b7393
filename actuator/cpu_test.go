package actuator

import "testing"

func TestCPUActuatorClampsDutyToMax(t *testing.T) {
	a := &CPUActuator{maxDuty: 0.95}
	a.SetDuty(2.0)
	if got := a.Duty(); got != 0.95 {
		t.Fatalf("expected duty clamped to 0.95, got %v", got)
	}
}

func TestCPUActuatorClampsDutyToZero(t *testing.T) {
	a := &CPUActuator{maxDuty: 0.95}
	a.SetDuty(-1.0)
	if got := a.Duty(); got != 0 {
		t.Fatalf("expected duty clamped to 0, got %v", got)
	}
}

func TestCPUActuatorSetPausedZeroesDuty(t *testing.T) {
	a := &CPUActuator{maxDuty: 0.95}
	a.SetDuty(0.5)
	a.SetPaused(true)
	if got := a.Duty(); got != 0 {
		t.Fatalf("expected duty 0 after pause, got %v", got)
	}
	if !a.paused.Load() {
		t.Fatal("expected paused flag set")
	}
}
