package cmd

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loadshaper/loadshaper/actuator"
	"github.com/loadshaper/loadshaper/config"
	"github.com/loadshaper/loadshaper/control"
	"github.com/loadshaper/loadshaper/metricsstore"
	"github.com/loadshaper/loadshaper/model"
	"github.com/loadshaper/loadshaper/p95"
	"github.com/loadshaper/loadshaper/sampler"
	"github.com/loadshaper/loadshaper/volume"
)

// withDefaultPort appends the configured listen port to any peer address
// given without one, so NET_PEERS entries may be bare hosts.
func withDefaultPort(peers []string, port int) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if _, _, err := net.SplitHostPort(p); err != nil {
			p = net.JoinHostPort(p, strconv.Itoa(port))
		}
		out = append(out, p)
	}
	return out
}

// shapeClass maps a detected Oracle shape name to the smart-activation
// class the control loop gates the network actuator on; any shape
// outside these two families always keeps the generator armed.
func shapeClass(shape config.Shape) string {
	switch {
	case strings.HasPrefix(shape.Name, "VM.Standard.E2"):
		return "E2"
	case strings.HasPrefix(shape.Name, "VM.Standard.A1"):
		return "A1"
	default:
		return ""
	}
}

// runDaemon builds every subsystem and runs the control loop in the
// foreground until it receives SIGINT/SIGTERM.
func runDaemon(cfg Config) error {
	if err := volume.RequirePersistent(cfg.DataDir); err != nil {
		log.Printf("[loadshaper] fatal: %v", err)
		return ExitCodeError{Code: 1}
	}

	shapeName, shape, cc, err := resolveConfig(cfg)
	if err != nil {
		return err
	}
	log.Printf("[loadshaper] starting on shape %q", shapeName)

	store, err := metricsstore.Open(cfg.DataDir, "metrics.db", false)
	if err != nil {
		return fmt.Errorf("open metrics store: %w", err)
	}

	ctl := p95.New(p95.Config{
		SlotDuration:       cc.SlotDuration(),
		TargetMin:          cc.CPUP95TargetMin,
		TargetMax:          cc.CPUP95TargetMax,
		BaselineIntensity:  cc.CPUP95BaselineIntensity,
		HighIntensity:      cc.CPUP95HighIntensity,
		ExceedanceTarget:   cc.CPUP95ExceedanceTarget,
		LoadThreshold:      cc.LoadThreshold,
		LoadCheckEnabled:   cc.LoadCheckEnabled,
		LoadScaleStart:     0.5,
		LoadScaleFull:      0.8,
		LoadScaleMin:       0.70,
		SnapshotPath:       cc.DataDir + "/p95_ring_buffer.json",
		SnapshotBatchEvery: cc.RingBatchSize,
		PercentileFunc: func(now time.Time) (float64, bool) {
			v, ok, err := store.Percentile(model.MetricCPU, 95, 7*24*time.Hour, now)
			return v, ok && err == nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cpuAct := actuator.NewCPUActuator(ctx, cc.MaxDuty)
	memAct := actuator.NewMemoryActuator(ctx, cc.MemStepMB, time.Second)
	netAct := actuator.NewNetworkActuator(actuator.NetworkConfig{
		Peers:           withDefaultPort(cc.NetPeers, cc.NetPort),
		InitialRateMbps: cc.NetMinRateMbit,
		PayloadSize:     cc.NetPacketSize,
		RequireExternal: cc.NetRequireExternal,
		BurstSec:        cc.NetBurstSec,
		IdleSec:         cc.NetIdleSec,
	})
	netAct.Start(ctx)

	smp := sampler.New(sampler.Config{
		NetSenseMode:  cc.NetSenseMode,
		NetIface:      cc.NetIface,
		NetIfaceInner: cc.NetIfaceInner,
		NetLinkMbit:   cc.NetLinkMbit,
	})

	loop := control.New(control.Config{
		ControlPeriod: cc.ControlPeriod(),
		AvgWindow:     cc.AvgWindow(),

		MemTargetPct: cc.MemTargetPct,
		NetTargetPct: cc.NetTargetPct,
		TotalMemMB:   cc.TotalMemMB,
		MemMinFreeMB: cc.MemMinFreeMB,

		CPUStopPct: cc.CPUStopPct,
		MemStopPct: cc.MemStopPct,
		NetStopPct: cc.NetStopPct,

		HysteresisPct: cc.HysteresisPct,

		LoadCheckEnabled:    cc.LoadCheckEnabled,
		LoadThreshold:       cc.LoadThreshold,
		LoadResumeThreshold: cc.LoadResumeThreshold,

		KCPU: 0.30,
		KNet: 0.60,

		NetMinRateMbps: cc.NetMinRateMbit,
		NetMaxRateMbps: cc.NetMaxRateMbit,

		ShapeClass:          shapeClass(shape),
		ReclamationFloorPct: 20.0,

		CleanupEvery: 90 * time.Minute,
		Retention:    7 * 24 * time.Hour,

		JitterPct:    cc.JitterPct,
		JitterPeriod: time.Duration(cc.JitterPeriodSec) * time.Second,
	}, smp, store, ctl, cpuAct, memAct, netAct)

	if cfg.HealthEnable {
		startHealthServer(cfg.HealthAddr, loop)
	}

	loop.Run(ctx)
	return nil
}

// runHealthOnly starts a /health endpoint backed only by the metrics
// store (no control loop is created), useful for readiness probes
// against a daemon that runs as a separate process sharing the data
// directory.
func runHealthOnly(cfg Config) error {
	store, err := metricsstore.Open(cfg.DataDir, "metrics.db", false)
	if err != nil {
		return fmt.Errorf("open metrics store: %w", err)
	}
	defer store.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		degraded, n := store.Degraded()
		if degraded {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"degraded","consecutive_failures":%d}`, n)
			return
		}
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	srv := &http.Server{
		Addr:              cfg.HealthAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

func resolveConfig(cfg Config) (string, config.Shape, config.Config, error) {
	shapeName := cfg.Shape
	templateFile := ""
	var shape config.Shape
	if shapeName == "" {
		shape = config.DetectShape()
		shapeName = shape.Name
		if shape.TemplateFile != "" {
			templateFile = shape.TemplateFile[:len(shape.TemplateFile)-len(".env")]
		}
	} else {
		templateFile = shapeName
		shape = config.ShapeForTemplate(shapeName)
	}

	cc, err := config.Load(cfg.TemplateDir, templateFile)
	if err != nil {
		return shapeName, shape, cc, fmt.Errorf("invalid configuration: %w", err)
	}
	cc.DataDir = cfg.DataDir
	if err := cc.Validate(); err != nil {
		return shapeName, shape, cc, fmt.Errorf("invalid configuration: %w", err)
	}

	for _, warning := range config.ValidateOracleReclamation(shape, cc) {
		log.Printf("[loadshaper] warning: %s", warning)
	}

	log.Printf("[loadshaper] effective config: cpu_setpoint=%.1f mem_target=%.1f net_target=%.1f slot_duration=%s",
		cc.CPUP95Setpoint, cc.MemTargetPct, cc.NetTargetPct, cc.SlotDuration())

	return shapeName, shape, cc, nil
}
