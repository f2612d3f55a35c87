package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"

	"github.com/fetchguard/fetchguard/internal/guard"
	"github.com/fetchguard/fetchguard/internal/netblock"
)

// fakeResolver maps hostnames to fixed addresses so tests control DNS.
type fakeResolver struct {
	hosts map[string][]string
	calls int
}

func (f *fakeResolver) LookupAddrs(_ context.Context, host string) ([]netip.Addr, error) {
	f.calls++
	raw, ok := f.hosts[host]
	if !ok {
		return nil, &netblock.ResolutionError{Host: host}
	}
	addrs := make([]netip.Addr, 0, len(raw))
	for _, r := range raw {
		addrs = append(addrs, netip.MustParseAddr(r))
	}
	return addrs, nil
}

// hostDoer routes requests to in-memory handlers by hostname, recording
// how many request bodies were opened and closed. No sockets involved.
type hostDoer struct {
	handlers map[string]http.Handler
	requests []string
}

func (d *hostDoer) Do(req *http.Request) (*http.Response, error) {
	d.requests = append(d.requests, req.URL.String())
	h, ok := d.handlers[req.URL.Hostname()]
	if !ok {
		return nil, fmt.Errorf("no route to host %q", req.URL.Hostname())
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

func newTestWalker(t *testing.T, resolver *fakeResolver, doer Doer, opts ...Option) *Walker {
	t.Helper()
	reg, err := netblock.NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	validator := guard.New(reg, resolver, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWalker(validator, doer, logger, opts...)
}

func publicResolver() *fakeResolver {
	return &fakeResolver{hosts: map[string][]string{
		"good.example":  {"93.184.216.34"},
		"other.example": {"151.101.1.140", "2606:2800:220:1::1"},
	}}
}

func TestFetchDirect(t *testing.T) {
	doer := &hostDoer{handlers: map[string]http.Handler{
		"good.example": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("jpegbytes"))
		}),
	}}
	w := newTestWalker(t, publicResolver(), doer)

	resp, err := w.Fetch(context.Background(), "https://good.example/a.jpg")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "jpegbytes" {
		t.Errorf("body = %q, want jpegbytes", body)
	}
	if len(doer.requests) != 1 {
		t.Errorf("issued %d requests, want 1", len(doer.requests))
	}
}

func TestFetchFollowsRedirectChain(t *testing.T) {
	resolver := publicResolver()
	doer := &hostDoer{handlers: map[string]http.Handler{
		"good.example": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/a.jpg":
				// Relative Location, resolved against the current URL.
				w.Header().Set("Location", "/b.jpg")
				w.WriteHeader(http.StatusFound)
			case "/b.jpg":
				w.Header().Set("Content-Type", "image/png")
				_, _ = w.Write([]byte("PNG..."))
			default:
				http.NotFound(w, r)
			}
		}),
	}}

	var hops int
	w := newTestWalker(t, resolver, doer)
	w.OnComplete = func(n int) { hops = n }

	resp, err := w.Fetch(context.Background(), "https://good.example/a.jpg")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "PNG..." {
		t.Errorf("body = %q, want PNG...", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q, want image/png", ct)
	}
	if hops != 1 {
		t.Errorf("hops = %d, want 1", hops)
	}
	// The hostname is re-resolved for every hop, never cached.
	if resolver.calls != 2 {
		t.Errorf("resolver calls = %d, want 2 (one per hop)", resolver.calls)
	}
}

func TestFetchBlocksMidChainRedirectToMetadata(t *testing.T) {
	doer := &hostDoer{handlers: map[string]http.Handler{
		"good.example": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/start" {
				w.Header().Set("Location", "/hop2")
				w.WriteHeader(http.StatusFound)
				return
			}
			w.Header().Set("Location", "http://169.254.169.254/latest/meta-data/")
			w.WriteHeader(http.StatusFound)
		}),
		"169.254.169.254": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("SECRET"))
		}),
	}}

	var blockedKind Kind
	w := newTestWalker(t, publicResolver(), doer)
	w.OnBlocked = func(k Kind) { blockedKind = k }

	_, err := w.Fetch(context.Background(), "https://good.example/start")
	if KindOf(err) != KindBlockedAddress {
		t.Fatalf("err = %v, want KindBlockedAddress", err)
	}
	if blockedKind != KindBlockedAddress {
		t.Errorf("OnBlocked kind = %v", blockedKind)
	}
	// The metadata endpoint itself must never have been requested.
	for _, u := range doer.requests {
		parsed, _ := url.Parse(u)
		if parsed.Hostname() == "169.254.169.254" {
			t.Fatalf("request was issued to blocked address: %s", u)
		}
	}
}

func TestFetchBlocksRedirectToPrivateHostname(t *testing.T) {
	resolver := publicResolver()
	resolver.hosts["internal.example"] = []string{"10.0.0.8"}

	doer := &hostDoer{handlers: map[string]http.Handler{
		"good.example": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Location", "https://internal.example/db")
			w.WriteHeader(http.StatusMovedPermanently)
		}),
	}}
	w := newTestWalker(t, resolver, doer)

	_, err := w.Fetch(context.Background(), "https://good.example/a")
	if KindOf(err) != KindBlockedAddress {
		t.Fatalf("err = %v, want KindBlockedAddress", err)
	}
}

func TestFetchTooManyRedirects(t *testing.T) {
	// Seven safe hops; the limit is five.
	doer := &hostDoer{handlers: map[string]http.Handler{
		"good.example": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := 0
			_, _ = fmt.Sscanf(r.URL.Path, "/hop%d", &n)
			if n >= 7 {
				_, _ = w.Write([]byte("done"))
				return
			}
			w.Header().Set("Location", fmt.Sprintf("/hop%d", n+1))
			w.WriteHeader(http.StatusFound)
		}),
	}}
	w := newTestWalker(t, publicResolver(), doer)

	_, err := w.Fetch(context.Background(), "https://good.example/hop0")
	if KindOf(err) != KindTooManyRedirects {
		t.Fatalf("err = %v, want KindTooManyRedirects", err)
	}
	// 1 initial + 5 followed hops, then the limit trips before hop 6.
	if len(doer.requests) != 6 {
		t.Errorf("issued %d requests, want 6", len(doer.requests))
	}
}

func TestFetchMaxHopsOption(t *testing.T) {
	doer := &hostDoer{handlers: map[string]http.Handler{
		"good.example": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/final" {
				_, _ = w.Write([]byte("ok"))
				return
			}
			w.Header().Set("Location", "/final")
			w.WriteHeader(http.StatusSeeOther)
		}),
	}}
	w := newTestWalker(t, publicResolver(), doer, WithMaxHops(1))

	resp, err := w.Fetch(context.Background(), "https://good.example/a")
	if err != nil {
		t.Fatalf("one hop should be allowed with maxHops=1: %v", err)
	}
	resp.Body.Close()
}

func TestFetchMissingLocation(t *testing.T) {
	doer := &hostDoer{handlers: map[string]http.Handler{
		"good.example": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusFound)
		}),
	}}
	w := newTestWalker(t, publicResolver(), doer)

	_, err := w.Fetch(context.Background(), "https://good.example/a")
	if KindOf(err) != KindMissingLocation {
		t.Fatalf("err = %v, want KindMissingLocation", err)
	}
}

func TestFetchRedirectToBadScheme(t *testing.T) {
	doer := &hostDoer{handlers: map[string]http.Handler{
		"good.example": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Location", "ftp://good.example/x.jpg")
			w.WriteHeader(http.StatusFound)
		}),
	}}
	w := newTestWalker(t, publicResolver(), doer)

	_, err := w.Fetch(context.Background(), "https://good.example/a")
	if KindOf(err) != KindInvalidScheme {
		t.Fatalf("err = %v, want KindInvalidScheme", err)
	}
}

func TestFetchRejectsBadSchemeBeforeAnyRequest(t *testing.T) {
	resolver := publicResolver()
	doer := &hostDoer{handlers: map[string]http.Handler{}}
	w := newTestWalker(t, resolver, doer)

	_, err := w.Fetch(context.Background(), "ftp://good.example/x.jpg")
	if KindOf(err) != KindInvalidScheme {
		t.Fatalf("err = %v, want KindInvalidScheme", err)
	}
	if len(doer.requests) != 0 {
		t.Errorf("requests issued for invalid scheme: %v", doer.requests)
	}
	if resolver.calls != 0 {
		t.Errorf("resolver called %d times before scheme check", resolver.calls)
	}
}

func TestFetchResolutionFailure(t *testing.T) {
	w := newTestWalker(t, &fakeResolver{hosts: map[string][]string{}}, &hostDoer{})

	_, err := w.Fetch(context.Background(), "https://nxdomain.example/a")
	if KindOf(err) != KindResolution {
		t.Fatalf("err = %v, want KindResolution", err)
	}
}

type failingDoer struct{}

func (failingDoer) Do(*http.Request) (*http.Response, error) {
	return nil, fmt.Errorf("connection refused")
}

func TestFetchTransportFailure(t *testing.T) {
	w := newTestWalker(t, publicResolver(), failingDoer{})

	_, err := w.Fetch(context.Background(), "https://good.example/a")
	if KindOf(err) != KindTransport {
		t.Fatalf("err = %v, want KindTransport", err)
	}
}

func TestFetchMalformedURL(t *testing.T) {
	w := newTestWalker(t, publicResolver(), &hostDoer{})

	_, err := w.Fetch(context.Background(), "http://bad\x7f.example/")
	if KindOf(err) != KindInvalidScheme {
		t.Fatalf("err = %v, want KindInvalidScheme", err)
	}
}
