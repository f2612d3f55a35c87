package fetch

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"github.com/fetchguard/fetchguard/internal/netblock"
)

// TransportOptions tunes the outbound HTTP transport.
type TransportOptions struct {
	DialTimeout         time.Duration
	KeepAlive           time.Duration
	TLSHandshakeTimeout time.Duration
	ResponseTimeout     time.Duration
	MaxIdleConns        int
	IdleConnTimeout     time.Duration
}

// NewTransport builds the transport used for upstream fetches. Redirect
// handling is left to the walker; the transport itself never follows one.
//
// The dialer's Control hook re-checks the connect-time address against the
// registry. Validation happens before every hop, but the connection may
// resolve the hostname again; this hook closes that time-of-check/
// time-of-use window so the socket can never reach a blocked address even
// if DNS flipped in between.
func NewTransport(registry *netblock.Registry, opts TransportOptions) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: opts.KeepAlive,
		Control: func(_, address string, _ syscall.RawConn) error {
			return checkDialAddress(registry, address)
		},
	}

	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConns,
		IdleConnTimeout:       opts.IdleConnTimeout,
		TLSHandshakeTimeout:   opts.TLSHandshakeTimeout,
		ResponseHeaderTimeout: opts.ResponseTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// checkDialAddress rejects connections whose resolved address is blocked.
func checkDialAddress(registry *netblock.Registry, address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	if reason, blocked := registry.Lookup(addr); blocked {
		return fmt.Errorf("dial %s: address in blocked range (%s)", address, reason)
	}
	return nil
}
