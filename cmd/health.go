package cmd

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/loadshaper/loadshaper/control"
)

// startHealthServer exposes /health and /metrics over HTTP: /health reports
// pass/fail plus a checks list, /metrics reports current values, targets,
// controller and ring state, network state, and 7-day percentiles.
func startHealthServer(addr string, loop *control.Loop) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		handleHealth(w, loop)
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		handleMetrics(w, loop)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
}

func handleHealth(w http.ResponseWriter, loop *control.Loop) {
	st := loop.Status()

	checks := []string{}
	healthy := true
	if st.Paused {
		healthy = false
		checks = append(checks, "system_paused_safety_stop")
	}
	if st.StoreDegraded {
		checks = append(checks, "metrics_storage_degraded")
	}
	if len(checks) == 0 {
		checks = append(checks, "all_systems_operational")
	}

	storage := "available"
	if st.StoreDegraded {
		storage = "degraded"
	}
	loadGen := "active"
	if st.Paused {
		loadGen = "paused"
	}

	status := http.StatusOK
	statusWord := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		statusWord = "unhealthy"
	}

	writeJSON(w, status, map[string]interface{}{
		"status":          statusWord,
		"uptime_seconds":  time.Since(time.Unix(st.StartTime, 0)).Seconds(),
		"checks":          checks,
		"metrics_storage": storage,
		"load_generation": loadGen,
	})
}

func handleMetrics(w http.ResponseWriter, loop *control.Loop) {
	st := loop.Status()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current": map[string]interface{}{
			"cpu_percent":       st.CPUPct,
			"cpu_avg":           st.CPUAvg,
			"memory_percent":    st.MemPct,
			"memory_avg":        st.MemAvg,
			"network_percent":   st.NetPct,
			"network_avg":       st.NetAvg,
			"load_average":      st.LoadNow,
			"duty_cycle":        st.Duty,
			"network_rate_mbit": st.NetRate,
			"paused":            st.Paused,
		},
		"targets": map[string]interface{}{
			"cpu_target":     st.CPUTarget,
			"memory_target":  st.MemTarget,
			"network_target": st.NetTarget,
		},
		"controller": st.Controller,
		"p95_ring":   st.Ring,
		"network":    st.Network,
		"percentiles_7d": map[string]interface{}{
			"cpu_p95":        st.CPUP95,
			"memory_p95":     st.MemP95,
			"network_p95":    st.NetP95,
			"load_p95":       st.LoadP95,
			"sample_count_7d": st.SampleCount7d,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, data map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}
