package sampler

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/loadshaper/loadshaper/util"
)

// loadReader reads the 1-minute kernel load average and normalizes it by
// the logical CPU count.
type loadReader struct{}

func (l *loadReader) read() (float64, error) {
	content, err := util.ReadFileString("/proc/loadavg")
	if err != nil {
		return 0.0, fmt.Errorf("read /proc/loadavg: %w", err)
	}
	fields := strings.Fields(content)
	if len(fields) < 1 {
		return 0.0, fmt.Errorf("unexpected /proc/loadavg format")
	}
	load1 := util.ParseFloat64(fields[0])
	cpus := runtime.NumCPU()
	if cpus <= 0 {
		cpus = 1
	}
	return load1 / float64(cpus), nil
}
