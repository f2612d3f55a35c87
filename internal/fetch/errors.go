package fetch

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the fetch pipeline can produce. Callers
// switch on the kind instead of unwrapping transport-library error types.
type Kind int

const (
	// KindInvalidScheme — the initial URL or a redirect target uses a
	// scheme other than http/https.
	KindInvalidScheme Kind = iota + 1
	// KindBlockedAddress — validation rejected a hop (SSRF fail-closed).
	KindBlockedAddress
	// KindResolution — a hop's hostname did not resolve.
	KindResolution
	// KindMissingLocation — a redirect response without a Location header.
	KindMissingLocation
	// KindTooManyRedirects — the chain exceeded the hop limit.
	KindTooManyRedirects
	// KindUpstreamStatus — the terminal response had status >= 400.
	KindUpstreamStatus
	// KindContentType — the terminal response's content type is outside
	// the allowed family.
	KindContentType
	// KindTransport — a network-level failure (dial, TLS, timeout, read).
	KindTransport
)

// String returns the snake_case name of the kind, used as a metrics label.
func (k Kind) String() string {
	switch k {
	case KindInvalidScheme:
		return "invalid_scheme"
	case KindBlockedAddress:
		return "blocked_address"
	case KindResolution:
		return "resolution"
	case KindMissingLocation:
		return "missing_location"
	case KindTooManyRedirects:
		return "too_many_redirects"
	case KindUpstreamStatus:
		return "upstream_status"
	case KindContentType:
		return "content_type"
	case KindTransport:
		return "transport"
	}
	return "unknown"
}

// Error is a classified fetch failure. URL is the hop that failed; Status
// carries the upstream status code for KindUpstreamStatus; Hop is the
// redirect depth at which the failure happened (0 for the initial URL).
type Error struct {
	Kind   Kind
	URL    string
	Status int
	Hop    int
	msg    string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

func failf(kind Kind, url, format string, args ...any) *Error {
	return &Error{Kind: kind, URL: url, msg: fmt.Sprintf(format, args...)}
}

func wrap(kind Kind, url string, cause error, msg string) *Error {
	return &Error{Kind: kind, URL: url, msg: msg, cause: cause}
}

// KindOf extracts the failure kind from err, or 0 when err is not a fetch
// error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
