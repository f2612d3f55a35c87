package netblock

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// Resolver turns a hostname into the set of IP addresses it currently
// resolves to. Implementations must query both address families. The result
// must not be cached by callers: validation re-resolves at every redirect
// hop, and the answer is allowed to differ between hops.
type Resolver interface {
	LookupAddrs(ctx context.Context, host string) ([]netip.Addr, error)
}

// ResolutionError wraps a name resolution failure so callers can distinguish
// "could not resolve" from "resolved to a blocked address".
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// NetResolver resolves hostnames via the system resolver.
type NetResolver struct {
	resolver *net.Resolver
}

// NewNetResolver creates a resolver backed by net.DefaultResolver.
func NewNetResolver() *NetResolver {
	return &NetResolver{resolver: net.DefaultResolver}
}

// LookupAddrs resolves host to its A and AAAA records, deduplicated and with
// IPv4-mapped IPv6 addresses unmapped. A lookup error is returned as a
// *ResolutionError; a lookup that succeeds with zero addresses returns an
// empty slice and nil error — the validator treats both as unsafe.
func (r *NetResolver) LookupAddrs(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := r.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, &ResolutionError{Host: host, Err: err}
	}

	seen := make(map[netip.Addr]struct{}, len(addrs))
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		a = a.Unmap()
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out, nil
}
