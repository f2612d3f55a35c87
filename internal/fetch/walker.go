// Package fetch drives the SSRF-guarded retrieval of a remote resource:
// walking a redirect chain with re-validation at every hop, then exposing
// the terminal response as a lazy byte stream.
//
// The walker — not the HTTP transport — decides whether a redirect is
// followed. A redirect response is attacker-controlled content reachable
// from a URL that validated safe, so every hop target goes through the full
// validation again before any request is issued to it.
package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fetchguard/fetchguard/internal/guard"
)

// DefaultMaxHops bounds the redirect chain length.
const DefaultMaxHops = 5

// Doer issues a single HTTP exchange. The implementation must not follow
// redirects itself.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// NewClient wraps a transport in an http.Client that never follows
// redirects and bounds the whole exchange with timeout.
func NewClient(transport http.RoundTripper, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Walker fetches a URL, following redirects hop by hop with per-hop
// validation. Safe for concurrent use; all per-request state lives on the
// stack of Fetch.
type Walker struct {
	validator *guard.Validator
	client    Doer
	logger    *slog.Logger
	maxHops   int
	userAgent string

	// OnBlocked is called with the reason tag whenever a hop is rejected.
	OnBlocked func(kind Kind)
	// OnComplete is called with the number of redirect hops of a chain
	// that reached a terminal response.
	OnComplete func(hops int)
}

// Option configures a Walker.
type Option func(*Walker)

// WithMaxHops overrides the redirect hop limit.
func WithMaxHops(n int) Option {
	return func(w *Walker) {
		if n > 0 {
			w.maxHops = n
		}
	}
}

// WithUserAgent sets the User-Agent header for upstream requests.
func WithUserAgent(ua string) Option {
	return func(w *Walker) { w.userAgent = ua }
}

// NewWalker creates a Walker using the given validator and client.
func NewWalker(validator *guard.Validator, client Doer, logger *slog.Logger, opts ...Option) *Walker {
	w := &Walker{
		validator: validator,
		client:    client,
		logger:    logger,
		maxHops:   DefaultMaxHops,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// redirectStatuses are the only statuses the walker follows.
var redirectStatuses = map[int]bool{
	http.StatusMovedPermanently:  true, // 301
	http.StatusFound:             true, // 302
	http.StatusSeeOther:          true, // 303
	http.StatusTemporaryRedirect: true, // 307
	http.StatusPermanentRedirect: true, // 308
}

// Fetch retrieves rawURL, following up to maxHops redirects. Every hop is
// validated before its request is issued, including the first. The caller
// owns the returned response and must close its body. All failures are
// *Error values carrying a Kind.
func (w *Walker) Fetch(ctx context.Context, rawURL string) (*http.Response, error) {
	current, err := url.Parse(rawURL)
	if err != nil {
		return nil, wrap(KindInvalidScheme, rawURL, err, "malformed URL")
	}

	hops := 0
	for {
		verdict := w.validator.Validate(ctx, current)
		if !verdict.Safe {
			ferr := w.rejected(current, verdict)
			ferr.Hop = hops
			if w.OnBlocked != nil {
				w.OnBlocked(ferr.Kind)
			}
			return nil, ferr
		}

		resp, err := w.get(ctx, current)
		if err != nil {
			return nil, withHop(err, hops)
		}

		if !redirectStatuses[resp.StatusCode] {
			if w.OnComplete != nil {
				w.OnComplete(hops)
			}
			return resp, nil
		}

		next, err := w.nextCandidate(current, resp)
		// The redirect hop's connection is released before moving on;
		// its body is never forwarded.
		drainClose(resp.Body)
		if err != nil {
			return nil, withHop(err, hops)
		}

		hops++
		if hops > w.maxHops {
			ferr := failf(KindTooManyRedirects, current.String(),
				"more than %d redirects", w.maxHops)
			ferr.Hop = hops
			return nil, ferr
		}

		w.logger.Debug("following redirect",
			"from", current.String(), "to", next.String(), "hop", hops)
		current = next
	}
}

// rejected converts an unsafe verdict into a typed failure and logs the
// offending URL for audit.
func (w *Walker) rejected(u *url.URL, verdict guard.Verdict) *Error {
	var kind Kind
	switch verdict.Code {
	case guard.CodeScheme:
		kind = KindInvalidScheme
	case guard.CodeResolution:
		kind = KindResolution
	default:
		kind = KindBlockedAddress
	}

	if kind == KindBlockedAddress {
		w.logger.Warn("fetch blocked", "url", u.String(), "reason", verdict.Reason)
	} else {
		w.logger.Info("fetch rejected", "url", u.String(), "reason", verdict.Reason)
	}
	return failf(kind, u.String(), "%s", verdict.Reason)
}

// get issues a single non-redirect GET for the current hop.
func (w *Walker) get(ctx context.Context, u *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, wrap(KindTransport, u.String(), err, "build request")
	}
	if w.userAgent != "" {
		req.Header.Set("User-Agent", w.userAgent)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, wrap(KindTransport, u.String(), err, "upstream request failed")
	}
	return resp, nil
}

// nextCandidate resolves the Location header of a redirect response against
// the current URL per relative-reference rules.
func (w *Walker) nextCandidate(current *url.URL, resp *http.Response) (*url.URL, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, failf(KindMissingLocation, current.String(),
			"redirect status %d without Location header", resp.StatusCode)
	}

	next, err := current.Parse(loc)
	if err != nil {
		return nil, wrap(KindMissingLocation, current.String(), err, "ambiguous Location header")
	}

	if s := strings.ToLower(next.Scheme); s != "http" && s != "https" {
		return nil, failf(KindInvalidScheme, next.String(),
			"redirect to scheme %q is not allowed", next.Scheme)
	}
	return next, nil
}

// withHop stamps the redirect depth onto a typed failure.
func withHop(err error, hops int) error {
	var fe *Error
	if errors.As(err, &fe) {
		fe.Hop = hops
	}
	return err
}

// drainClose discards any remaining body bytes and closes the reader so the
// underlying connection can be reused instead of leaking.
func drainClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 32<<10))
	_ = rc.Close()
}
