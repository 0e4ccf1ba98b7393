// Package sampler reads CPU, memory, network, and load-average counters
// from the host each control tick and converts them into a model.Sample.
package sampler

import (
	"log"
	"time"

	"github.com/loadshaper/loadshaper/model"
)

// Sampler produces one model.Sample per call to Sample, using the elapsed
// wall time since the previous call (or since New, for the first call)
// as the measurement window.
type Sampler struct {
	cpu  *cpuReader
	mem  *memReader
	net  *netReader
	load *loadReader

	errLog errorLog
}

// Config configures how the network reader senses NIC byte counters.
type Config struct {
	// NetSenseMode is "container" (read /proc/net/dev for NetIfaceInner)
	// or "host" (read a bind-mounted /sys/class/net/<NetIface>).
	NetSenseMode string
	NetIface     string
	NetIfaceInner string
	// NetLinkMbit is used directly in container mode, and as a fallback
	// in host mode when the interface doesn't report a speed.
	NetLinkMbit float64
}

// New creates a Sampler. It performs the first /proc/stat and NIC counter
// reads immediately so the first Sample() call has a baseline to diff
// against.
func New(cfg Config) *Sampler {
	s := &Sampler{
		cpu:  newCPUReader(),
		mem:  &memReader{},
		load: &loadReader{},
	}
	s.net = newNetReader(cfg)
	_, _ = s.net.read(time.Now()) // seed the NIC counter baseline
	return s
}

// Sample reads all counters and returns one observation. The CPU
// percentage covers the elapsed time since the previous call (or since
// New, for the first call). Any missing counter yields 0.0 for that
// field and a single rate-limited log line per error class; no error
// here is ever fatal.
func (s *Sampler) Sample(now time.Time) model.Sample {
	cpuPct, err := s.cpu.read()
	s.errLog.maybe("cpu", err)

	memPct, err := s.mem.read()
	s.errLog.maybe("mem", err)

	netPct, err := s.net.read(now)
	s.errLog.maybe("net", err)

	loadPerCore, err := s.load.read()
	s.errLog.maybe("load", err)

	return model.Sample{
		Timestamp:   now.Unix(),
		CPUPct:      cpuPct,
		MemPct:      memPct,
		NetPct:      netPct,
		LoadPerCore: loadPerCore,
	}
}

// LastTXBytes returns the raw NIC TX byte counter from the most recent
// Sample call. The network actuator's egress-verification loop diffs
// successive values to confirm its commanded traffic is really leaving
// the host.
func (s *Sampler) LastTXBytes() (uint64, bool) {
	return s.net.lastTX()
}

// errorLog rate-limits log output to one line per event class until the
// class's error clears.
type errorLog struct {
	active map[string]bool
}

func (e *errorLog) maybe(class string, err error) {
	if e.active == nil {
		e.active = make(map[string]bool)
	}
	if err == nil {
		if e.active[class] {
			log.Printf("[sampler] %s: recovered", class)
		}
		e.active[class] = false
		return
	}
	if !e.active[class] {
		log.Printf("[sampler] %s: %v (further errors of this class suppressed)", class, err)
		e.active[class] = true
	}
}
