package sampler

import (
	"fmt"
	"strings"

	"github.com/loadshaper/loadshaper/util"
)

// cpuTimes holds the first eight space-separated fields of the aggregate
// "cpu " line in /proc/stat (user, nice, system, idle, iowait, irq,
// softirq, steal); guest and guest_nice are not read.
type cpuTimes struct {
	user, nice, system, idle, iowait, irq, softirq, steal uint64
}

func (c cpuTimes) totals() (total, idle uint64) {
	idleAll := c.idle + c.iowait
	nonIdle := c.user + c.nice + c.system + c.irq + c.softirq + c.steal
	return idleAll + nonIdle, idleAll
}

// cpuReader computes CPU percentage from two successive reads of
// /proc/stat: total vs total minus idle minus iowait.
type cpuReader struct {
	prev     cpuTimes
	hasPrev  bool
}

func newCPUReader() *cpuReader {
	r := &cpuReader{}
	if t, err := readProcStat(); err == nil {
		r.prev = t
		r.hasPrev = true
	}
	return r
}

func (r *cpuReader) read() (float64, error) {
	cur, err := readProcStat()
	if err != nil {
		return 0.0, err
	}
	if !r.hasPrev {
		r.prev = cur
		r.hasPrev = true
		return 0.0, nil
	}

	prevTotal, prevIdle := r.prev.totals()
	curTotal, curIdle := cur.totals()
	r.prev = cur

	totalDelta := curTotal - prevTotal
	if totalDelta == 0 || curTotal < prevTotal {
		return 0.0, nil
	}
	idleDelta := curIdle - prevIdle
	if curIdle < prevIdle {
		idleDelta = 0
	}

	prevActive := prevTotal - prevIdle
	currActive := prevActive + (totalDelta - idleDelta)
	pct := util.CPUPct(prevActive, currActive, prevTotal, curTotal)
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

func readProcStat() (cpuTimes, error) {
	lines, err := util.ReadFileLines("/proc/stat")
	if err != nil {
		return cpuTimes{}, fmt.Errorf("read /proc/stat: %w", err)
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)
		vals := make([]uint64, 8)
		for i := 0; i < 8 && i+1 < len(fields); i++ {
			vals[i] = util.ParseUint64(fields[i+1])
		}
		return cpuTimes{
			user: vals[0], nice: vals[1], system: vals[2], idle: vals[3],
			iowait: vals[4], irq: vals[5], softirq: vals[6], steal: vals[7],
		}, nil
	}
	return cpuTimes{}, fmt.Errorf("no aggregate cpu line in /proc/stat")
}
