// Package control implements the main control loop that ties the
// sampler, EMA filters, percentile controller, and actuators together,
// plus jitter and ordered shutdown.
package control

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/loadshaper/loadshaper/actuator"
	"github.com/loadshaper/loadshaper/ema"
	"github.com/loadshaper/loadshaper/metricsstore"
	"github.com/loadshaper/loadshaper/model"
	"github.com/loadshaper/loadshaper/p95"
	"github.com/loadshaper/loadshaper/sampler"
)

// Config holds the tunables the loop needs beyond what its subsystems
// already own.
type Config struct {
	ControlPeriod time.Duration
	AvgWindow     time.Duration

	MemTargetPct float64
	NetTargetPct float64
	TotalMemMB   int // total system RAM, used to convert MemTargetPct to a byte count
	MemMinFreeMB int // never grow the buffer past the point this much real memory stops being free

	CPUStopPct float64
	MemStopPct float64
	NetStopPct float64

	HysteresisPct float64

	LoadCheckEnabled     bool
	LoadThreshold        float64
	LoadResumeThreshold  float64

	KCPU float64 // ~0.30
	KNet float64 // ~0.60

	NetMinRateMbps float64
	NetMaxRateMbps float64

	// ShapeClass selects the smart-activation rule for the network
	// actuator: "E2" (shared-tenancy) arms it only when CPU P95 is at
	// risk and the network average is low; "A1" (dedicated-ARM) arms it
	// only when CPU P95, memory average, and network average are all at
	// risk. Any other value (including "") always arms it.
	ShapeClass          string
	ReclamationFloorPct float64 // default 20, per the provider's always-free rule

	CleanupEvery time.Duration // ~1.4h
	Retention    time.Duration // 7d default display window is separate from retention

	JitterPct    float64
	JitterPeriod time.Duration
}

// Loop owns every subsystem and runs the control period forever until
// shut down.
type Loop struct {
	cfg Config

	sampler *sampler.Sampler
	store   *metricsstore.Store
	p95ctl  *p95.Controller

	cpuAct *actuator.CPUActuator
	memAct *actuator.MemoryActuator
	netAct *actuator.NetworkActuator

	cpuEMA  *ema.Filter
	memEMA  *ema.Filter
	netEMA  *ema.Filter
	loadEMA *ema.Filter

	jitterCPU *Jitter
	jitterMem *Jitter
	jitterNet *Jitter

	mu           sync.Mutex
	paused       bool
	pauseReason  string
	stopLogged   bool
	resumeLogged bool
	lastSample   model.Sample

	startTime   time.Time
	lastCleanup time.Time

	stopOnce sync.Once
}

// New wires together every subsystem already constructed by the caller
// (cmd package), so loop construction never fails on its own.
func New(cfg Config, smp *sampler.Sampler, store *metricsstore.Store, ctl *p95.Controller,
	cpuAct *actuator.CPUActuator, memAct *actuator.MemoryActuator, netAct *actuator.NetworkActuator) *Loop {

	avgSec := cfg.AvgWindow.Seconds()
	periodSec := cfg.ControlPeriod.Seconds()

	if cfg.ReclamationFloorPct <= 0 {
		cfg.ReclamationFloorPct = 20.0
	}

	return &Loop{
		cfg:       cfg,
		sampler:   smp,
		store:     store,
		p95ctl:    ctl,
		cpuAct:    cpuAct,
		memAct:    memAct,
		netAct:    netAct,
		cpuEMA:    ema.New(avgSec, periodSec),
		memEMA:    ema.New(avgSec, periodSec),
		netEMA:    ema.New(avgSec, periodSec),
		loadEMA:   ema.New(avgSec, periodSec),
		jitterCPU: NewJitter(cfg.JitterPct, cfg.JitterPeriod),
		jitterMem: NewJitter(cfg.JitterPct, cfg.JitterPeriod),
		jitterNet: NewJitter(cfg.JitterPct, cfg.JitterPeriod),
	}
}

// Run blocks until ctx is cancelled or a termination signal arrives,
// ticking the control loop every ControlPeriod.
func (l *Loop) Run(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(l.cfg.ControlPeriod)
	defer ticker.Stop()

	l.startTime = time.Now()
	l.lastCleanup = l.startTime

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case now := <-ticker.C:
			l.tick(now)
		}
	}
}

func (l *Loop) tick(now time.Time) {
	// 1. Sample.
	sample := l.sampler.Sample(now)

	// 2. Update EMAs; refresh D's cached P95/state. The filters are
	// guarded by l.mu because Status reads them from handler goroutines.
	l.mu.Lock()
	l.lastSample = sample
	cpuEMA := l.cpuEMA.Update(sample.CPUPct)
	memEMA := l.memEMA.Update(sample.MemPct)
	netEMA := l.netEMA.Update(sample.NetPct)
	loadEMA := l.loadEMA.Update(sample.LoadPerCore)
	l.mu.Unlock()

	// The controller re-queries the store itself through its percentile
	// hook, at its cache TTL rather than every tick.
	l.p95ctl.UpdateState(now, nil)

	l.evaluateNetworkActivation(l.p95ctl.Status().CPUP95, memEMA, netEMA)

	if tx, ok := l.sampler.LastTXBytes(); ok {
		l.netAct.VerifyExternalEgress(tx, l.cfg.ControlPeriod)
	}

	// 3. Jittered targets.
	l.jitterCPU.Update(now)
	l.jitterMem.Update(now)
	l.jitterNet.Update(now)
	// CPU's jittered target folds into D's commanded intensity rather than
	// driving duty directly; only memory and network consult it here.
	memTarget := l.jitterMem.Apply(l.cfg.MemTargetPct)
	netTarget := l.jitterNet.Apply(l.cfg.NetTargetPct)

	// 4/5. Safety stop / resume.
	l.evaluateSafety(cpuEMA, memEMA, netEMA, loadEMA)

	// 6. Command actuators while active.
	if !l.isPaused() {
		load := loadEMA
		_, intensity := l.p95ctl.ShouldRunHighSlot(now, &load)
		intensity = l.jitterCPU.Apply(intensity)

		duty := l.cpuAct.Duty() + l.cfg.KCPU*(intensity-cpuEMA)/100.0
		l.cpuAct.SetDuty(duty)

		desiredMemMB := int(float64(l.cfg.TotalMemMB) * memTarget / 100.0)
		l.memAct.SetTargetMB(l.clampMemGrowth(desiredMemMB, sample.MemPct))

		netRate := l.netAct.Status().RateMbps + l.cfg.KNet*(netTarget-netEMA)
		netRate = clamp(netRate, l.cfg.NetMinRateMbps, l.cfg.NetMaxRateMbps)
		l.netAct.SetRate(netRate)
	}

	// 7. Persist sample; periodic cleanup.
	if l.store != nil {
		if err := l.store.StoreSample(model.MetricCPU, sample.Timestamp, sample.CPUPct); err != nil {
			log.Printf("[control] store cpu sample: %v", err)
		}
		if err := l.store.StoreSample(model.MetricMem, sample.Timestamp, sample.MemPct); err != nil {
			log.Printf("[control] store mem sample: %v", err)
		}
		if err := l.store.StoreSample(model.MetricNet, sample.Timestamp, sample.NetPct); err != nil {
			log.Printf("[control] store net sample: %v", err)
		}
		if err := l.store.StoreSample(model.MetricLoad, sample.Timestamp, sample.LoadPerCore); err != nil {
			log.Printf("[control] store load sample: %v", err)
		}

		if now.Sub(l.lastCleanup) >= l.cfg.CleanupEvery {
			l.lastCleanup = now
			if n, err := l.store.Cleanup(l.cfg.Retention, now); err != nil {
				log.Printf("[control] cleanup: %v", err)
			} else if n > 0 {
				log.Printf("[control] cleanup removed %d old samples", n)
			}
			if err := l.store.CheckIntegrity(); err != nil {
				log.Printf("[control] integrity check: %v", err)
			}
		}
	}
}

// clampMemGrowth limits the desired buffer size so that growing to it
// would not drop actually-free memory below MemMinFreeMB. memPct is the
// current tick's used-memory percentage, which already accounts for the
// buffer's present size.
func (l *Loop) clampMemGrowth(desiredMB int, memPct float64) int {
	if l.cfg.TotalMemMB <= 0 || l.cfg.MemMinFreeMB <= 0 {
		return desiredMB
	}
	freeMB := float64(l.cfg.TotalMemMB) * (100.0 - memPct) / 100.0
	headroomMB := int(freeMB) - l.cfg.MemMinFreeMB
	if headroomMB < 0 {
		headroomMB = 0
	}
	maxMB := l.memAct.CurrentMB() + headroomMB
	if desiredMB > maxMB {
		return maxMB
	}
	return desiredMB
}

// evaluateNetworkActivation implements the "smart activation (adaptive)"
// rule: G is allowed to sit idle when running it would not improve the
// chance of reclamation. cpuP95 is nil until the store has enough
// history to compute a percentile; an unknown CPU P95 is treated as "at
// risk" so the generator stays armed until proven unnecessary.
func (l *Loop) evaluateNetworkActivation(cpuP95 *float64, memEMA, netEMA float64) {
	floor := l.cfg.ReclamationFloorPct
	cpuAtRisk := cpuP95 == nil || *cpuP95 < floor
	netAtRisk := netEMA < floor
	memAtRisk := memEMA < floor

	var armed bool
	switch l.cfg.ShapeClass {
	case "E2":
		armed = cpuAtRisk && netAtRisk
	case "A1":
		armed = cpuAtRisk && memAtRisk && netAtRisk
	default:
		armed = true
	}
	l.netAct.SetArmed(armed)
}

func (l *Loop) evaluateSafety(cpuEMA, memEMA, netEMA, loadEMA float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	shouldStop := cpuEMA > l.cfg.CPUStopPct || memEMA > l.cfg.MemStopPct || netEMA > l.cfg.NetStopPct ||
		(l.cfg.LoadCheckEnabled && loadEMA > l.cfg.LoadThreshold)

	if shouldStop {
		if !l.paused {
			l.paused = true
			l.resumeLogged = false
			switch {
			case l.cfg.LoadCheckEnabled && loadEMA > l.cfg.LoadThreshold:
				l.pauseReason = "load average exceeded LOAD_THRESHOLD"
			case cpuEMA > l.cfg.CPUStopPct:
				l.pauseReason = "cpu average exceeded CPU_STOP_PCT"
			case memEMA > l.cfg.MemStopPct:
				l.pauseReason = "memory average exceeded MEM_STOP_PCT"
			default:
				l.pauseReason = "network average exceeded NET_STOP_PCT"
			}
			if !l.stopLogged {
				log.Printf("[control] safety stop engaged: %s", l.pauseReason)
				l.stopLogged = true
			}
			l.cpuAct.SetPaused(true)
			l.memAct.SetPaused(true)
			if l.p95ctl != nil {
				l.p95ctl.MarkCurrentSlotLow()
			}
		}
		// Commanded every tick the stop condition holds, not just on the
		// transition edge, so memory is actively released back to the real
		// workload rather than merely frozen at whatever size it had grown to.
		l.memAct.SetTargetMB(0)
		l.netAct.SetRate(l.cfg.NetMinRateMbps)
		return
	}

	if l.paused {
		h := l.cfg.HysteresisPct
		resumeOK := cpuEMA < l.cfg.CPUStopPct-h && memEMA < l.cfg.MemStopPct-h && netEMA < l.cfg.NetStopPct-h
		if l.cfg.LoadCheckEnabled {
			resumeOK = resumeOK && loadEMA < l.cfg.LoadResumeThreshold
		}
		if resumeOK {
			l.paused = false
			l.pauseReason = ""
			l.stopLogged = false
			if !l.resumeLogged {
				log.Printf("[control] resume")
				l.resumeLogged = true
			}
			l.cpuAct.SetPaused(false)
			l.memAct.SetPaused(false)
		}
	}
}

func (l *Loop) isPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// Status builds the aggregate snapshot the health endpoint and the watch
// dashboard poll.
func (l *Loop) Status() model.DaemonStatus {
	l.mu.Lock()
	sample := l.lastSample
	paused := l.paused
	reason := l.pauseReason
	started := l.startTime
	var cpuAvg, memAvg, netAvg, loadAvg *float64
	if l.cpuEMA != nil && l.cpuEMA.Primed() {
		v := l.cpuEMA.Value()
		cpuAvg = &v
	}
	if l.memEMA != nil && l.memEMA.Primed() {
		v := l.memEMA.Value()
		memAvg = &v
	}
	if l.netEMA != nil && l.netEMA.Primed() {
		v := l.netEMA.Value()
		netAvg = &v
	}
	if l.loadEMA != nil && l.loadEMA.Primed() {
		v := l.loadEMA.Value()
		loadAvg = &v
	}
	l.mu.Unlock()

	st := model.DaemonStatus{
		StartTime:   started.Unix(),
		CPUPct:      sample.CPUPct,
		MemPct:      sample.MemPct,
		NetPct:      sample.NetPct,
		LoadNow:     sample.LoadPerCore,
		Duty:        l.cpuAct.Duty(),
		NetRate:     l.netAct.Status().RateMbps,
		Paused:      paused,
		PauseReason: reason,
		CPUTarget:   l.p95ctl.Status().CurrentIntensity,
		MemTarget:   l.cfg.MemTargetPct,
		NetTarget:   l.cfg.NetTargetPct,
		Controller:  l.p95ctl.Status(),
		Network:     l.netAct.Status(),
		Ring:        l.p95ctl.RingSnapshot(),
	}
	st.CPUAvg, st.MemAvg, st.NetAvg, st.LoadAvg = cpuAvg, memAvg, netAvg, loadAvg

	if l.store != nil {
		degraded, n := l.store.Degraded()
		st.StoreDegraded = degraded
		st.StoreDegradedN = n
		if count, err := l.store.Count(7*24*time.Hour, time.Now()); err == nil {
			st.SampleCount7d = count
		}
		if v, ok, err := l.store.Percentile(model.MetricCPU, 95, 7*24*time.Hour, time.Now()); err == nil && ok {
			st.CPUP95 = &v
		}
		if v, ok, err := l.store.Percentile(model.MetricMem, 95, 7*24*time.Hour, time.Now()); err == nil && ok {
			st.MemP95 = &v
		}
		if v, ok, err := l.store.Percentile(model.MetricNet, 95, 7*24*time.Hour, time.Now()); err == nil && ok {
			st.NetP95 = &v
		}
		if v, ok, err := l.store.Percentile(model.MetricLoad, 95, 7*24*time.Hour, time.Now()); err == nil && ok {
			st.LoadP95 = &v
		}
	}

	return st
}

// shutdown commands all actuators to their minima, flushes the P95 ring
// snapshot, and closes the store.
func (l *Loop) shutdown() {
	l.stopOnce.Do(func() {
		log.Printf("[control] shutting down")
		l.cpuAct.SetDuty(0)
		l.cpuAct.SetPaused(true)
		l.memAct.SetTargetMB(0)
		l.netAct.SetRate(l.cfg.NetMinRateMbps)
		l.netAct.Stop()

		deadline := time.After(5 * time.Second)
		done := make(chan struct{})
		go func() {
			l.cpuAct.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-deadline:
			log.Printf("[control] shutdown deadline reached waiting for CPU workers")
		}

		l.p95ctl.Shutdown()
		if l.store != nil {
			if err := l.store.Close(); err != nil {
				log.Printf("[control] close store: %v", err)
			}
		}
	})
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
