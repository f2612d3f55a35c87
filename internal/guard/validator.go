// Package guard decides whether a candidate URL is safe to fetch. A URL is
// safe only when its scheme is plain http/https, its hostname is not a
// localhost alias, and every address the hostname currently resolves to
// lies outside the blocked-range registry. Anything that cannot be proven
// safe — parse faults, resolution failures, empty answers — is unsafe.
package guard

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/fetchguard/fetchguard/internal/netblock"
)

// Code classifies why a verdict came back unsafe.
type Code int

const (
	// CodeOK means the URL passed every check.
	CodeOK Code = iota
	// CodeScheme means the URL scheme is not http or https.
	CodeScheme
	// CodeHostname means the hostname is empty or a localhost alias.
	CodeHostname
	// CodeResolution means the hostname could not be resolved, or resolved
	// to zero addresses.
	CodeResolution
	// CodeBlocked means at least one resolved address falls inside a
	// blocked range.
	CodeBlocked
)

// Verdict is the outcome of validating one URL at one hop. It is produced
// fresh per hop and never persisted: the same URL may validate differently
// a moment later because DNS answers change.
type Verdict struct {
	Safe   bool
	Code   Code
	Reason string
}

func unsafe(code Code, format string, args ...any) Verdict {
	return Verdict{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// localhostAliases are hostnames rejected before any resolution attempt.
// Compared case-insensitively.
var localhostAliases = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
}

// Validator validates candidate URLs against scheme, hostname, and
// resolved-address policy. Safe for concurrent use.
type Validator struct {
	registry *netblock.Registry
	resolver netblock.Resolver

	// extraHostnames are additional hostnames blocked outright, from
	// configuration. Lowercase.
	extraHostnames map[string]struct{}
}

// New creates a Validator. blockedHostnames is an optional operator-supplied
// list of hostnames to reject without resolving.
func New(registry *netblock.Registry, resolver netblock.Resolver, blockedHostnames []string) *Validator {
	extra := make(map[string]struct{}, len(blockedHostnames))
	for _, h := range blockedHostnames {
		extra[strings.ToLower(h)] = struct{}{}
	}
	return &Validator{
		registry:       registry,
		resolver:       resolver,
		extraHostnames: extra,
	}
}

// Validate checks a single parsed URL. It re-resolves the hostname on every
// call; the resolved set must never be reused across redirect hops.
func (v *Validator) Validate(ctx context.Context, u *url.URL) Verdict {
	if u == nil {
		return unsafe(CodeScheme, "no URL")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return unsafe(CodeScheme, "scheme %q is not allowed", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return unsafe(CodeHostname, "empty hostname")
	}
	if _, bad := localhostAliases[host]; bad {
		return unsafe(CodeHostname, "hostname %q is a localhost alias", host)
	}
	if _, bad := v.extraHostnames[host]; bad {
		return unsafe(CodeHostname, "hostname %q is blocked by configuration", host)
	}

	// A literal IP host needs no DNS round trip.
	if addr, err := netip.ParseAddr(host); err == nil {
		if reason, blocked := v.registry.Lookup(addr); blocked {
			return unsafe(CodeBlocked, "address %s is in a blocked range (%s)", addr, reason)
		}
		return Verdict{Safe: true}
	}

	addrs, err := v.resolver.LookupAddrs(ctx, host)
	if err != nil {
		return unsafe(CodeResolution, "hostname %q did not resolve", host)
	}
	if len(addrs) == 0 {
		return unsafe(CodeResolution, "hostname %q resolved to no addresses", host)
	}

	// Fail closed on any match: a multi-homed name with one internal
	// address is unsafe even if the other addresses are public.
	for _, addr := range addrs {
		if reason, blocked := v.registry.Lookup(addr); blocked {
			return unsafe(CodeBlocked, "hostname %q resolves to %s in a blocked range (%s)", host, addr, reason)
		}
	}

	return Verdict{Safe: true}
}
