// Package config resolves daemon configuration through a three-tier
// precedence: an environment variable overrides a shape template value,
// which overrides a built-in default. Numeric bounds are validated and
// a violation is a fatal startup error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is every tunable the control loop and its subsystems need.
type Config struct {
	DataDir string

	ControlPeriodSec float64
	AvgWindowSec     float64

	CPUP95Setpoint          float64
	CPUP95TargetMin         float64
	CPUP95TargetMax         float64
	CPUP95BaselineIntensity float64
	CPUP95HighIntensity     float64
	CPUP95ExceedanceTarget  float64
	CPUP95SlotDurationSec   float64

	MemTargetPct float64
	NetTargetPct float64

	CPUStopPct float64
	MemStopPct float64
	NetStopPct float64

	HysteresisPct float64
	JitterPct     float64
	JitterPeriodSec float64

	LoadCheckEnabled    bool
	LoadThreshold       float64
	LoadResumeThreshold float64

	MemMinFreeMB int
	MemStepMB    int

	NetPort         int
	NetPacketSize   int
	NetBurstSec     float64
	NetIdleSec      float64
	NetLinkMbit     float64
	NetMinRateMbit  float64
	NetMaxRateMbit  float64
	NetSenseMode    string
	NetIface        string
	NetIfaceInner   string
	NetRequireExternal bool
	NetPeers        []string

	RingBatchSize int

	MaxDuty float64

	TotalMemMB int
}

// Load resolves configuration using the three-tier precedence: env var,
// then shape template, then built-in default. shape selects which
// config-templates/<shape>.env file to consult (empty = defaults only).
// A value that is set but not parseable as its declared type is a fatal
// configuration error naming the offending key, never a silent fallback
// to the default.
func Load(templateDir, shape string) (Config, error) {
	tmpl := Template{}
	if shape != "" {
		tmpl = LoadTemplate(templateDir, shape+".env")
	}

	r := resolver{tmpl: tmpl}
	c := Config{
		DataDir: r.str("LOADSHAPER_DATA_DIR", "/var/lib/loadshaper"),

		ControlPeriodSec: r.float("CONTROL_PERIOD_SEC", 5.0),
		AvgWindowSec:     r.float("AVG_WINDOW_SEC", 300.0),

		CPUP95Setpoint:          r.float("CPU_P95_SETPOINT", 25.0),
		CPUP95TargetMin:         r.float("CPU_P95_TARGET_MIN", 22.0),
		CPUP95TargetMax:         r.float("CPU_P95_TARGET_MAX", 28.0),
		CPUP95BaselineIntensity: r.float("CPU_P95_BASELINE_INTENSITY", 20.0),
		CPUP95HighIntensity:     r.float("CPU_P95_HIGH_INTENSITY", 35.0),
		CPUP95ExceedanceTarget:  r.float("CPU_P95_EXCEEDANCE_TARGET", 6.5),
		CPUP95SlotDurationSec:   r.float("CPU_P95_SLOT_DURATION", 60.0),

		MemTargetPct: r.float("MEM_TARGET_PCT", 60.0),
		NetTargetPct: r.float("NET_TARGET_PCT", 25.0),

		CPUStopPct: r.float("CPU_STOP_PCT", 85.0),
		MemStopPct: r.float("MEM_STOP_PCT", 90.0),
		NetStopPct: r.float("NET_STOP_PCT", 90.0),

		HysteresisPct:   r.float("HYSTERESIS_PCT", 5.0),
		JitterPct:       r.float("JITTER_PCT", 10.0),
		JitterPeriodSec: r.float("JITTER_PERIOD_SEC", 5.0),

		LoadCheckEnabled:    r.boolean("LOAD_CHECK_ENABLED", true),
		LoadThreshold:       r.float("LOAD_THRESHOLD", 0.6),
		LoadResumeThreshold: r.float("LOAD_RESUME_THRESHOLD", 0.4),

		MemMinFreeMB: r.integer("MEM_MIN_FREE_MB", 256),
		MemStepMB:    r.integer("MEM_STEP_MB", 64),

		NetPort:        r.integer("NET_PORT", 15201),
		NetPacketSize:  r.integer("NET_PACKET_SIZE", 1100),
		NetBurstSec:    r.float("NET_BURST_SEC", 10.0),
		NetIdleSec:     r.float("NET_IDLE_SEC", 10.0),
		NetLinkMbit:    r.float("NET_LINK_MBIT", 1000.0),
		NetMinRateMbit: r.float("NET_MIN_RATE_MBIT", 1.0),
		NetMaxRateMbit: r.float("NET_MAX_RATE_MBIT", 800.0),
		NetSenseMode:   r.str("NET_SENSE_MODE", "container"),
		NetIface:       r.str("NET_IFACE", "eth0"),
		NetIfaceInner:  r.str("NET_IFACE_INNER", "eth0"),
		NetRequireExternal: r.boolean("NET_REQUIRE_EXTERNAL", false),
		NetPeers:       splitPeers(r.str("NET_PEERS", "")),

		RingBatchSize: r.integer("CPU_P95_RING_BUFFER_BATCH_SIZE", 10),

		MaxDuty: r.float("MAX_DUTY", 0.95),

		TotalMemMB: r.integer("TOTAL_MEM_MB", 1024),
	}
	if r.err != nil {
		return Config{}, r.err
	}
	return c, nil
}

// resolver carries the template and the first parse error hit while
// resolving typed values, so Load can report it after the struct literal.
type resolver struct {
	tmpl Template
	err  error
}

func (r *resolver) str(name, def string) string {
	return getenvWithTemplate(name, def, r.tmpl)
}

func (r *resolver) float(name string, def float64) float64 {
	raw := getenvWithTemplate(name, "", r.tmpl)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.fail(fmt.Errorf("%s=%q is not a number", name, raw))
		return def
	}
	return v
}

func (r *resolver) integer(name string, def int) int {
	raw := getenvWithTemplate(name, "", r.tmpl)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(fmt.Errorf("%s=%q is not an integer", name, raw))
		return def
	}
	return v
}

func (r *resolver) boolean(name string, def bool) bool {
	raw := getenvWithTemplate(name, "", r.tmpl)
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		r.fail(fmt.Errorf("%s=%q must be true/false or 1/0", name, raw))
		return def
	}
}

func (r *resolver) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func splitPeers(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getenvWithTemplate implements the three-tier precedence for string
// values: env var, then template, then default.
func getenvWithTemplate(name, def string, tmpl Template) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	if v, ok := tmpl[name]; ok {
		return v
	}
	return def
}

// Validate checks every bounded numeric field and returns an error
// describing the first violation. The daemon exits with status 1 on a
// validation failure.
func (c Config) Validate() error {
	checks := []struct {
		name  string
		value float64
		lo, hi float64
	}{
		{"CONTROL_PERIOD_SEC", c.ControlPeriodSec, 1, 3600},
		{"AVG_WINDOW_SEC", c.AvgWindowSec, 10, 7200},
		{"MEM_MIN_FREE_MB", float64(c.MemMinFreeMB), 50, 10000},
		{"MEM_STEP_MB", float64(c.MemStepMB), 1, 1000},
		{"NET_PORT", float64(c.NetPort), 1024, 65535},
		{"NET_PACKET_SIZE", float64(c.NetPacketSize), 64, 65535},
		{"CPU_P95_RING_BUFFER_BATCH_SIZE", float64(c.RingBatchSize), 1, 1000},
		{"NET_BURST_SEC", c.NetBurstSec, 1, 3600},
		{"NET_IDLE_SEC", c.NetIdleSec, 1, 3600},
		{"NET_LINK_MBIT", c.NetLinkMbit, 1, 10000},
		{"NET_MIN_RATE_MBIT", c.NetMinRateMbit, 0.1, 10000},
		{"NET_MAX_RATE_MBIT", c.NetMaxRateMbit, 1, 10000},
		{"JITTER_PERIOD_SEC", c.JitterPeriodSec, 1, 3600},
	}
	for _, chk := range checks {
		if chk.value < chk.lo || chk.value > chk.hi {
			return fmt.Errorf("%s=%v must be between %v-%v", chk.name, chk.value, chk.lo, chk.hi)
		}
	}
	for _, pct := range []struct {
		name  string
		value float64
	}{
		{"MEM_TARGET_PCT", c.MemTargetPct},
		{"NET_TARGET_PCT", c.NetTargetPct},
		{"CPU_STOP_PCT", c.CPUStopPct},
		{"MEM_STOP_PCT", c.MemStopPct},
		{"NET_STOP_PCT", c.NetStopPct},
		{"HYSTERESIS_PCT", c.HysteresisPct},
		{"JITTER_PCT", c.JitterPct},
	} {
		if pct.value < 0 || pct.value > 100 {
			return fmt.Errorf("%s=%v must be between 0-100 (percentage)", pct.name, pct.value)
		}
	}
	if c.CPUP95SlotDurationSec <= 0 {
		return fmt.Errorf("CPU_P95_SLOT_DURATION must be positive, got %v", c.CPUP95SlotDurationSec)
	}
	return nil
}

func (c Config) ControlPeriod() time.Duration {
	return time.Duration(c.ControlPeriodSec * float64(time.Second))
}

func (c Config) AvgWindow() time.Duration {
	return time.Duration(c.AvgWindowSec * float64(time.Second))
}

func (c Config) SlotDuration() time.Duration {
	return time.Duration(c.CPUP95SlotDurationSec * float64(time.Second))
}
