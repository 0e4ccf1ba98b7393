package config

import (
	"os"
	"strings"
	"testing"
)

func TestGetenvWithTemplatePrecedence(t *testing.T) {
	tmpl := Template{"MEM_TARGET_PCT": "50"}

	if got := getenvWithTemplate("MEM_TARGET_PCT", "10", tmpl); got != "50" {
		t.Fatalf("expected template value, got %s", got)
	}

	os.Setenv("MEM_TARGET_PCT", "70")
	defer os.Unsetenv("MEM_TARGET_PCT")
	if got := getenvWithTemplate("MEM_TARGET_PCT", "10", tmpl); got != "70" {
		t.Fatalf("expected env var to win over template, got %s", got)
	}
}

func TestGetenvWithTemplateFallsBackToDefault(t *testing.T) {
	if got := getenvWithTemplate("NOT_SET_ANYWHERE", "def", Template{}); got != "def" {
		t.Fatalf("expected default, got %s", got)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	c, err := Load("", "")
	if err != nil {
		t.Fatalf("Load with defaults: %v", err)
	}
	if c.CPUP95Setpoint != 25.0 {
		t.Fatalf("expected default CPUP95Setpoint 25.0, got %v", c.CPUP95Setpoint)
	}
	if c.NetPacketSize != 1100 {
		t.Fatalf("expected default NetPacketSize 1100, got %v", c.NetPacketSize)
	}
	if c.RingBatchSize != 10 {
		t.Fatalf("expected default RingBatchSize 10, got %v", c.RingBatchSize)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected defaults to validate cleanly: %v", err)
	}
}

func TestLoadRejectsNonNumericValue(t *testing.T) {
	os.Setenv("CPU_P95_SETPOINT", "twenty-five")
	defer os.Unsetenv("CPU_P95_SETPOINT")
	_, err := Load("", "")
	if err == nil {
		t.Fatal("expected a non-numeric CPU_P95_SETPOINT to be a fatal configuration error")
	}
	if !strings.Contains(err.Error(), "CPU_P95_SETPOINT") {
		t.Fatalf("expected the error to name the offending key, got %v", err)
	}
}

func TestValidateRejectsOutOfBoundsControlPeriod(t *testing.T) {
	c, _ := Load("", "")
	c.ControlPeriodSec = 0.1
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for CONTROL_PERIOD_SEC below minimum")
	}
}

func TestValidateRejectsOutOfRangePercentage(t *testing.T) {
	c, _ := Load("", "")
	c.MemTargetPct = 150
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for MEM_TARGET_PCT above 100")
	}
}

func TestValidateRejectsPacketSizeBelowMinimum(t *testing.T) {
	c, _ := Load("", "")
	c.NetPacketSize = 32
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for NET_PACKET_SIZE below 64")
	}
}

func TestSplitPeers(t *testing.T) {
	peers := splitPeers(" 10.0.0.1:5201, 10.0.0.2:5201 ,")
	if len(peers) != 2 || peers[0] != "10.0.0.1:5201" || peers[1] != "10.0.0.2:5201" {
		t.Fatalf("unexpected peers: %v", peers)
	}
}
