// Package actuator implements the CPU, memory, and network actuators
// that convert commanded targets into real resource
// consumption on the host.
package actuator

import (
	"context"
	"log"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const cpuTick = 100 * time.Millisecond

// CPUActuator owns one busy-spin worker per logical CPU and the shared
// duty cycle they read. Duty is written only by the control loop;
// workers only read it, matching a single-writer rule.
type CPUActuator struct {
	dutyBits uint64 // math.Float64bits(duty), atomic
	maxDuty  float64
	paused   atomic.Bool

	wg sync.WaitGroup
}

// NewCPUActuator spawns one worker per runtime.NumCPU(), each attempting
// to lower its own OS scheduling priority (best-effort; failure is not
// fatal since containers often run without CAP_SYS_NICE).
func NewCPUActuator(ctx context.Context, maxDuty float64) *CPUActuator {
	if maxDuty <= 0 {
		maxDuty = 0.95
	}
	a := &CPUActuator{maxDuty: maxDuty}
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		a.wg.Add(1)
		go a.worker(ctx)
	}
	return a
}

func (a *CPUActuator) worker(ctx context.Context) {
	defer a.wg.Done()
	lowerPriority()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		a.runTick()
	}
}

// runTick executes one busy-spin/sleep tick. It recovers from any panic at
// this worker root and retries after the minimum sleep slice, so a single
// bad tick never crashes the daemon (spec: "log + sleep + retry").
func (a *CPUActuator) runTick() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[actuator] cpu worker recovered from panic: %v", r)
			sleepFor(5 * time.Millisecond)
		}
	}()

	start := time.Now()
	if a.paused.Load() {
		sleepFor(5 * time.Millisecond)
		return
	}

	duty := a.Duty()
	if duty <= 0 {
		sleepFor(5 * time.Millisecond)
		return
	}

	junk := 1.0
	spinFor := time.Duration(duty * float64(cpuTick))
	for time.Since(start) < spinFor {
		junk = junk*1.0000001 + 1.0
	}
	_ = junk
	remaining := cpuTick - time.Since(start)
	if remaining > 0 {
		sleepFor(remaining)
	}
}

// lowerPriority sets the calling OS thread's niceness to the lowest
// available value. Failures are ignored: not every environment grants
// the capability, and the worker still functions at default priority.
func lowerPriority() {
	_ = unix.Setpriority(unix.PRIO_PROCESS, 0, 19)
}

func sleepFor(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}

// SetDuty is called by the control loop (H) once per tick with the result
// of the K_cpu proportional formula, already clamped to [0, MAX_DUTY].
func (a *CPUActuator) SetDuty(duty float64) {
	if duty < 0 {
		duty = 0
	}
	if duty > a.maxDuty {
		duty = a.maxDuty
	}
	atomic.StoreUint64(&a.dutyBits, math.Float64bits(duty))
}

// Duty returns the currently commanded duty cycle.
func (a *CPUActuator) Duty() float64 {
	return math.Float64frombits(atomic.LoadUint64(&a.dutyBits))
}

// SetPaused controls whether workers sleep instead of spinning.
func (a *CPUActuator) SetPaused(paused bool) {
	a.paused.Store(paused)
	if paused {
		a.SetDuty(0)
	}
}

// Wait blocks until all workers have exited (after ctx cancellation).
func (a *CPUActuator) Wait() {
	a.wg.Wait()
}
