package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Shape identifies the detected Oracle Cloud compute shape, or a
// generic fallback when the host isn't Oracle Cloud at all.
type Shape struct {
	Name         string
	TemplateFile string
	IsOracle     bool
}

var oracleIndicators = []string{
	"/opt/oci-hpc",
	"/etc/oci-hostname.conf",
	"/var/lib/cloud/data/instance-id",
	"/etc/oracle-cloud-agent",
}

// Memory tolerance ranges for classifying an Oracle shape from its
// vCPU count and installed memory, accounting for kernel/hypervisor
// overhead shaving a few percent off the nominal size.
var (
	e21MicroMemRangeGB = [2]float64{0.8, 1.2}
	e22MicroMemRangeGB = [2]float64{1.8, 2.2}
	a1Flex1MemRangeGB  = [2]float64{5.5, 6.5}
	a1Flex4MemRangeGB  = [2]float64{23, 25}
)

// shapeCache memoizes DetectShape for a TTL so repeated calls don't
// repeat DMI file reads and metadata-service dials.
type shapeCache struct {
	mu     sync.Mutex
	value  *Shape
	at     time.Time
	ttl    time.Duration
}

var detectCache = &shapeCache{ttl: 5 * time.Minute}

// DetectShape classifies the host as an Oracle Cloud shape, or as a
// generic box, using DMI vendor strings, Oracle-specific file
// indicators, a metadata-service reachability probe, and CPU/memory
// fingerprinting — the same order of preference as the original
// implementation's detector.
func DetectShape() Shape {
	detectCache.mu.Lock()
	if detectCache.value != nil && time.Since(detectCache.at) < detectCache.ttl {
		v := *detectCache.value
		detectCache.mu.Unlock()
		return v
	}
	detectCache.mu.Unlock()

	isOracle := detectOracleEnvironment()
	cpuCount, totalMemGB := getSystemSpecs()

	var shape Shape
	if isOracle {
		name, tmpl := classifyOracleShape(cpuCount, totalMemGB)
		shape = Shape{Name: name, TemplateFile: tmpl, IsOracle: true}
	} else {
		shape = Shape{Name: fmt.Sprintf("Generic-%dCPU-%.1fGB", cpuCount, totalMemGB)}
	}

	detectCache.mu.Lock()
	detectCache.value = &shape
	detectCache.at = time.Now()
	detectCache.mu.Unlock()
	return shape
}

func detectOracleEnvironment() bool {
	if vendor, err := os.ReadFile("/sys/class/dmi/id/sys_vendor"); err == nil {
		if strings.Contains(strings.ToLower(strings.TrimSpace(string(vendor))), "oracle") {
			return true
		}
	}

	for _, indicator := range oracleIndicators {
		if _, err := os.Stat(indicator); err == nil {
			return true
		}
	}

	conn, err := net.DialTimeout("tcp", "169.254.169.254:80", 500*time.Millisecond)
	if err == nil {
		conn.Close()
		return true
	}
	return false
}

func getSystemSpecs() (cpuCount int, totalMemGB float64) {
	cpuCount = runtime.NumCPU()
	if cpuCount < 1 {
		cpuCount = 1
	}

	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return cpuCount, 0.0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			break
		}
		totalMemGB = kb / (1024 * 1024)
		break
	}
	return cpuCount, totalMemGB
}

func classifyOracleShape(cpuCount int, totalMemGB float64) (name, template string) {
	switch {
	case cpuCount == 1 && inRange(totalMemGB, e21MicroMemRangeGB):
		return "VM.Standard.E2.1.Micro", "e2-1-micro.env"
	case cpuCount == 2 && inRange(totalMemGB, e22MicroMemRangeGB):
		return "VM.Standard.E2.2.Micro", "e2-2-micro.env"
	case cpuCount == 1 && inRange(totalMemGB, a1Flex1MemRangeGB):
		return "VM.Standard.A1.Flex", "a1-flex-1.env"
	case cpuCount == 4 && inRange(totalMemGB, a1Flex4MemRangeGB):
		return "VM.Standard.A1.Flex", "a1-flex-4.env"
	default:
		return fmt.Sprintf("Oracle-Unknown-%dCPU-%.1fGB", cpuCount, totalMemGB), "e2-1-micro.env"
	}
}

func inRange(v float64, r [2]float64) bool {
	return v >= r[0] && v <= r[1]
}

// ShapeForTemplate maps an explicitly-forced `-shape` template name (e.g.
// from `-shape a1-flex-1`) back to the Oracle shape it represents, so
// ValidateOracleReclamation still applies when auto-detection is bypassed.
func ShapeForTemplate(templateName string) Shape {
	switch templateName {
	case "e2-1-micro":
		return Shape{Name: "VM.Standard.E2.1.Micro", TemplateFile: templateName + ".env", IsOracle: true}
	case "e2-2-micro":
		return Shape{Name: "VM.Standard.E2.2.Micro", TemplateFile: templateName + ".env", IsOracle: true}
	case "a1-flex-1", "a1-flex-4":
		return Shape{Name: "VM.Standard.A1.Flex", TemplateFile: templateName + ".env", IsOracle: true}
	default:
		return Shape{Name: templateName}
	}
}

// reclamationFloorPct is the provider's always-free reclamation rule: an
// instance is at risk if every metric it checks sits below this threshold.
const reclamationFloorPct = 20.0

// ValidateOracleReclamation warns (never fails startup) when the
// configured targets would leave every metric the provider checks below
// the reclamation floor for the detected shape class: E2 shapes are
// evaluated on CPU+NET, A1.Flex shapes on CPU+MEM+NET. A single metric
// comfortably above the floor is enough protection per the provider's
// own rule, so this only fires when ALL checked metrics are at risk.
func ValidateOracleReclamation(shape Shape, cc Config) []string {
	if !shape.IsOracle {
		return nil
	}

	cpuAtRisk := cc.CPUP95Setpoint < reclamationFloorPct
	netAtRisk := cc.NetTargetPct < reclamationFloorPct
	memAtRisk := cc.MemTargetPct < reclamationFloorPct

	var warnings []string
	switch {
	case strings.HasPrefix(shape.Name, "VM.Standard.E2"):
		if cpuAtRisk && netAtRisk {
			warnings = append(warnings, fmt.Sprintf(
				"shape %s is checked on CPU+NET; both CPU_P95_SETPOINT=%.1f and NET_TARGET_PCT=%.1f are below the %.0f%% reclamation floor",
				shape.Name, cc.CPUP95Setpoint, cc.NetTargetPct, reclamationFloorPct))
		}
	case strings.HasPrefix(shape.Name, "VM.Standard.A1.Flex"):
		if cpuAtRisk && memAtRisk && netAtRisk {
			warnings = append(warnings, fmt.Sprintf(
				"shape %s is checked on CPU+MEM+NET; CPU_P95_SETPOINT=%.1f, MEM_TARGET_PCT=%.1f, and NET_TARGET_PCT=%.1f are all below the %.0f%% reclamation floor",
				shape.Name, cc.CPUP95Setpoint, cc.MemTargetPct, cc.NetTargetPct, reclamationFloorPct))
		}
	}
	return warnings
}
