// Package model holds the data types shared across loadshaper's
// sampler, controllers, actuators, and persistence layers.
package model

// Sample is one control-tick observation, produced every CONTROL_PERIOD
// seconds and persisted by the metrics store.
type Sample struct {
	// Timestamp is monotonically increasing wall time, seconds since epoch.
	Timestamp int64
	CPUPct    float64
	MemPct    float64
	NetPct    float64
	// LoadPerCore is the 1-minute kernel load average divided by logical CPUs.
	LoadPerCore float64
}

// Metric names accepted by the metrics store's percentile/count queries.
const (
	MetricCPU  = "cpu"
	MetricMem  = "mem"
	MetricNet  = "net"
	MetricLoad = "load"
)
