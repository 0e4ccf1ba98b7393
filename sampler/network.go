package sampler

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loadshaper/loadshaper/util"
)

// netReader computes NIC utilization percentage from successive reads of
// interface RX+TX byte counters. Two sense modes are supported, matching
// the container/host distinction a NIC can be observed from:
// "container" parses /proc/net/dev (always visible inside a container),
// "host" reads a bind-mounted /sys/class/net/<iface>/statistics tree,
// which also exposes the interface's reported link speed.
type netReader struct {
	cfg      Config
	prevTX   uint64
	prevRX   uint64
	prevT    time.Time
	hasPrev  bool
	linkMbit float64
}

func newNetReader(cfg Config) *netReader {
	if cfg.NetSenseMode == "" {
		cfg.NetSenseMode = "container"
	}
	if cfg.NetIfaceInner == "" {
		cfg.NetIfaceInner = "eth0"
	}
	if cfg.NetLinkMbit <= 0 {
		cfg.NetLinkMbit = 1000.0
	}
	n := &netReader{cfg: cfg, linkMbit: cfg.NetLinkMbit}
	if n.cfg.NetSenseMode == "host" {
		if sp := readHostSpeed(n.cfg.NetIface); sp > 0 {
			n.linkMbit = sp
		}
	}
	return n
}

func (n *netReader) read(now time.Time) (float64, error) {
	var tx, rx uint64
	var err error
	if n.cfg.NetSenseMode == "host" {
		tx, rx, err = readHostNICBytes(n.cfg.NetIface)
	} else {
		tx, rx, err = readContainerNICBytes(n.cfg.NetIfaceInner)
	}
	if err != nil {
		return 0.0, err
	}

	if !n.hasPrev {
		n.prevTX, n.prevRX, n.prevT = tx, rx, now
		n.hasPrev = true
		return 0.0, nil
	}

	dt := now.Sub(n.prevT)
	if dt <= 0 {
		dt = time.Second
	}
	dtx := util.Delta(n.prevTX, tx)
	drx := util.Delta(n.prevRX, rx)
	n.prevTX, n.prevRX, n.prevT = tx, rx, now

	capacityBytesPerSec := n.linkMbit * 1_000_000.0 / 8.0
	if capacityBytesPerSec <= 0 {
		return 0.0, nil
	}
	return util.RatePct(0, dtx+drx, dt, capacityBytesPerSec), nil
}

// lastTX returns the most recent raw TX byte counter, once a baseline
// read has happened.
func (n *netReader) lastTX() (uint64, bool) {
	return n.prevTX, n.hasPrev
}

// readContainerNICBytes parses /proc/net/dev for the named interface's
// cumulative RX and TX byte counters.
func readContainerNICBytes(iface string) (tx, rx uint64, err error) {
	lines, err := util.ReadFileLines("/proc/net/dev")
	if err != nil {
		return 0, 0, fmt.Errorf("read /proc/net/dev: %w", err)
	}
	for _, line := range lines {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		if name != iface {
			continue
		}
		fields := strings.Fields(parts[1])
		if len(fields) < 16 {
			return 0, 0, fmt.Errorf("unexpected /proc/net/dev format for %s", iface)
		}
		rx = util.ParseUint64(fields[0])
		tx = util.ParseUint64(fields[8])
		return tx, rx, nil
	}
	return 0, 0, fmt.Errorf("interface %s not found in /proc/net/dev", iface)
}

// readHostNICBytes reads a bind-mounted /host_sys_class_net/<iface>/statistics
// tree, mirroring the original script's host-sense mode.
func readHostNICBytes(iface string) (tx, rx uint64, err error) {
	base := "/host_sys_class_net/" + iface + "/statistics"
	txStr, err := util.ReadFileString(base + "/tx_bytes")
	if err != nil {
		return 0, 0, err
	}
	rxStr, err := util.ReadFileString(base + "/rx_bytes")
	if err != nil {
		return 0, 0, err
	}
	return util.ParseUint64(txStr), util.ParseUint64(rxStr), nil
}

func readHostSpeed(iface string) float64 {
	data, err := os.ReadFile("/host_sys_class_net/" + iface + "/speed")
	if err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil || v <= 0 {
		return 0
	}
	return v
}
