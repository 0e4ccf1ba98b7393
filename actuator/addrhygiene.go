package actuator

import "net"

// reservedRanges lists the CIDR blocks that must never be reported as
// "external egress verified": loopback,
// link-local, multicast, RFC1918 private space, carrier-grade NAT,
// RFC 2544 benchmarking, the TEST-NET ranges, IPv6 documentation space,
// ORCHIDv2, 6to4 relay, and other reserved blocks. The generator may
// still send to these addresses; it just must not count them as proof
// of egress leaving the VM.
var reservedRanges = mustParseCIDRs([]string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10", // carrier-grade NAT
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",   // TEST-NET-1
	"192.88.99.0/24", // 6to4 relay anycast
	"192.168.0.0/16",
	"198.18.0.0/15",  // RFC 2544 benchmark
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"224.0.0.0/4",     // multicast
	"240.0.0.0/4",     // reserved
	"::1/128",
	"fe80::/10",
	"fc00::/7",
	"ff00::/8",
	"2001:10::/28", // ORCHID (v1)
	"2001:20::/28", // ORCHIDv2
	"2001:db8::/32", // IPv6 documentation
}...)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("addrhygiene: invalid CIDR literal " + c)
		}
		nets = append(nets, n)
	}
	return nets
}

// IsExternal reports whether ip is outside every reserved/private/
// documentation/benchmarking range, i.e. eligible to count as proof the
// generator's traffic actually left the VM.
func IsExternal(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range reservedRanges {
		if n.Contains(ip) {
			return false
		}
	}
	return true
}
