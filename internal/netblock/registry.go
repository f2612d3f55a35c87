// Package netblock classifies IP addresses against a static table of
// disallowed network ranges and resolves hostnames for validation. The
// registry is immutable after construction, so concurrent lookups need no
// synchronization.
package netblock

import (
	"fmt"
	"net/netip"
)

// Range is a blocked network prefix together with a human-readable reason
// used in audit logs and metrics labels.
type Range struct {
	Prefix netip.Prefix
	Reason string
}

// builtinRanges is the canonical deny table. It covers the address space a
// fetch proxy must never reach: loopback, RFC 1918, link-local (including
// the cloud metadata endpoint 169.254.169.254), carrier-grade NAT,
// documentation/test nets, multicast, reserved, and broadcast, plus the
// IPv6 equivalents.
var builtinRanges = []Range{
	{mustPrefix("0.0.0.0/8"), "this-network"},
	{mustPrefix("10.0.0.0/8"), "private"},
	{mustPrefix("100.64.0.0/10"), "carrier-nat"},
	{mustPrefix("127.0.0.0/8"), "loopback"},
	{mustPrefix("169.254.0.0/16"), "link-local"},
	{mustPrefix("172.16.0.0/12"), "private"},
	{mustPrefix("192.0.0.0/24"), "ietf-protocol"},
	{mustPrefix("192.0.2.0/24"), "documentation"},
	{mustPrefix("192.168.0.0/16"), "private"},
	{mustPrefix("198.51.100.0/24"), "documentation"},
	{mustPrefix("203.0.113.0/24"), "documentation"},
	{mustPrefix("224.0.0.0/4"), "multicast"},
	{mustPrefix("240.0.0.0/4"), "reserved"},
	{mustPrefix("255.255.255.255/32"), "broadcast"},
	{mustPrefix("::1/128"), "loopback"},
	{mustPrefix("fc00::/7"), "unique-local"},
	{mustPrefix("fe80::/10"), "link-local"},
}

func mustPrefix(s string) netip.Prefix {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		panic("netblock: bad builtin prefix " + s + ": " + err.Error())
	}
	return p
}

// Registry is an immutable set of blocked network ranges.
type Registry struct {
	ranges []Range
}

// NewRegistry builds a registry from the builtin deny table plus any extra
// operator-supplied CIDRs. Extra ranges are tagged "configured". An invalid
// CIDR is a configuration error, not something to silently skip.
func NewRegistry(extraCIDRs []string) (*Registry, error) {
	ranges := make([]Range, len(builtinRanges), len(builtinRanges)+len(extraCIDRs))
	copy(ranges, builtinRanges)

	for _, c := range extraCIDRs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid blocklist CIDR %q: %w", c, err)
		}
		ranges = append(ranges, Range{Prefix: p.Masked(), Reason: "configured"})
	}

	return &Registry{ranges: ranges}, nil
}

// Lookup reports whether the address falls inside any blocked range and, if
// so, the reason tag of the first matching range. IPv4-mapped IPv6 addresses
// (::ffff:a.b.c.d) are unmapped first so that ::ffff:127.0.0.1 is caught by
// the IPv4 loopback entry.
func (r *Registry) Lookup(addr netip.Addr) (string, bool) {
	addr = addr.Unmap()
	for _, rng := range r.ranges {
		if rng.Prefix.Contains(addr) {
			return rng.Reason, true
		}
	}
	return "", false
}

// Blocked reports whether the address falls inside any blocked range.
func (r *Registry) Blocked(addr netip.Addr) bool {
	_, blocked := r.Lookup(addr)
	return blocked
}

// Len returns the number of ranges in the registry.
func (r *Registry) Len() int { return len(r.ranges) }
