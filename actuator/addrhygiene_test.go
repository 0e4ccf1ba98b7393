package actuator

import (
	"net"
	"testing"
)

func TestIsExternalRejectsReservedRanges(t *testing.T) {
	cases := []string{
		"127.0.0.1",
		"10.1.2.3",
		"172.16.0.1",
		"192.168.1.1",
		"100.64.0.1",   // carrier-grade NAT
		"198.18.0.1",   // RFC 2544 benchmark
		"192.0.2.1",    // TEST-NET-1
		"198.51.100.1", // TEST-NET-2
		"203.0.113.1",  // TEST-NET-3
		"224.0.0.1",    // multicast
		"169.254.1.1",  // link-local
		"::1",
		"fe80::1",
		"fc00::1",
		"2001:db8::1",
	}
	for _, ip := range cases {
		if IsExternal(net.ParseIP(ip)) {
			t.Errorf("expected %s to be treated as non-external", ip)
		}
	}
}

func TestIsExternalAcceptsPublicAddresses(t *testing.T) {
	cases := []string{"8.8.8.8", "1.1.1.1", "93.184.216.34"}
	for _, ip := range cases {
		if !IsExternal(net.ParseIP(ip)) {
			t.Errorf("expected %s to be treated as external", ip)
		}
	}
}

func TestIsExternalNilIsNotExternal(t *testing.T) {
	if IsExternal(nil) {
		t.Fatal("expected nil IP to be non-external")
	}
}
