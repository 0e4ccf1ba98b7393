package sampler

import (
	"fmt"
	"strings"

	"github.com/loadshaper/loadshaper/util"
)

// memReader computes memory utilization percentage from /proc/meminfo:
// prefer "available memory" when the kernel reports it, otherwise fall
// back to a buffers/cache-aware estimate.
type memReader struct{}

func (m *memReader) read() (float64, error) {
	kv, err := util.ParseKeyValueFile("/proc/meminfo")
	if err != nil {
		return 0.0, fmt.Errorf("read /proc/meminfo: %w", err)
	}

	total := parseKB(kv["MemTotal"])
	if total <= 0 {
		return 0.0, fmt.Errorf("MemTotal missing or zero in /proc/meminfo")
	}

	if avail, ok := kv["MemAvailable"]; ok {
		a := parseKB(avail)
		pct := 100.0 * (1.0 - a/total)
		return clampPct(pct), nil
	}

	free := parseKB(kv["MemFree"])
	buffers := parseKB(kv["Buffers"])
	cached := parseKB(kv["Cached"])
	reclaimable := parseKB(kv["SReclaimable"])
	shmem := parseKB(kv["Shmem"])

	buffCache := buffers + maxFloat(0, cached+reclaimable-shmem)
	used := maxFloat(0, total-free-buffCache)
	pct := 100.0 * used / total
	return clampPct(pct), nil
}

// parseKB parses a meminfo value like "1234 kB" and returns kB as a float.
func parseKB(s string) float64 {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "kB")
	return util.ParseFloat64(strings.TrimSpace(s))
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clampPct(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
