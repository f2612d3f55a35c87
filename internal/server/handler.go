package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fetchguard/fetchguard/internal/cache"
	"github.com/fetchguard/fetchguard/internal/config"
	"github.com/fetchguard/fetchguard/internal/events"
	"github.com/fetchguard/fetchguard/internal/fetch"
	"github.com/fetchguard/fetchguard/internal/guard"
	"github.com/fetchguard/fetchguard/internal/netblock"
	"github.com/fetchguard/fetchguard/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

// Handler serves GET /fetch?url=... — the guarded retrieval endpoint. The
// fetch pipeline (registry, validator, transport, walker) is rebuilt as a
// unit on config reload and swapped atomically, so in-flight requests keep
// the pipeline they started with.
type Handler struct {
	logger   *slog.Logger
	metrics  *observability.Metrics
	emitter  *events.Emitter // nil when audit events are disabled
	store    *cache.Store    // nil when the response cache is disabled
	resolver netblock.Resolver

	mu  sync.RWMutex
	pol *policy
}

// policy is the reloadable part of the handler: everything derived from
// configuration that can change without a restart.
type policy struct {
	walker            *fetch.Walker
	transport         *http.Transport
	sem               *semaphore.Weighted // nil means unlimited
	allowedTypePrefix string
	requestTimeout    time.Duration
	cacheTTL          time.Duration
	clientMaxAge      int
}

// NewHandler builds the fetch handler from configuration. store and emitter
// may be nil when the corresponding features are disabled.
func NewHandler(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics,
	store *cache.Store, emitter *events.Emitter) (*Handler, error) {

	h := &Handler{
		logger:   logger,
		metrics:  metrics,
		emitter:  emitter,
		store:    store,
		resolver: netblock.NewNetResolver(),
	}

	pol, err := h.buildPolicy(cfg)
	if err != nil {
		return nil, err
	}
	h.pol = pol
	return h, nil
}

// buildPolicy constructs a fresh fetch pipeline from configuration.
func (h *Handler) buildPolicy(cfg *config.Config) (*policy, error) {
	registry, err := netblock.NewRegistry(cfg.Blocklist.ExtraCIDRs)
	if err != nil {
		return nil, fmt.Errorf("build blocklist registry: %w", err)
	}

	validator := guard.New(registry, h.resolver, cfg.Blocklist.BlockedHostnames)

	upstreamTimeout := config.MustParseDuration(cfg.Upstream.Timeout, 20*time.Second)
	transport := fetch.NewTransport(registry, fetch.TransportOptions{
		DialTimeout:         config.MustParseDuration(cfg.Upstream.Transport.DialTimeout, 10*time.Second),
		KeepAlive:           config.MustParseDuration(cfg.Upstream.Transport.DialKeepAlive, 30*time.Second),
		TLSHandshakeTimeout: config.MustParseDuration(cfg.Upstream.Transport.TLSHandshakeTimeout, 10*time.Second),
		ResponseTimeout:     upstreamTimeout,
		MaxIdleConns:        cfg.Upstream.MaxIdleConns,
		IdleConnTimeout:     config.MustParseDuration(cfg.Upstream.IdleConnTimeout, 90*time.Second),
	})

	client := fetch.NewClient(transport, upstreamTimeout)

	walker := fetch.NewWalker(validator, client, h.logger,
		fetch.WithMaxHops(cfg.Fetch.MaxHops),
		fetch.WithUserAgent(cfg.Fetch.UserAgent),
	)
	walker.OnComplete = func(hops int) {
		h.metrics.IncFetched()
		h.metrics.ObserveHops(hops)
	}

	var sem *semaphore.Weighted
	if cfg.Fetch.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(cfg.Fetch.MaxConcurrent)
	}

	return &policy{
		walker:            walker,
		transport:         transport,
		sem:               sem,
		allowedTypePrefix: cfg.Fetch.AllowedTypePrefix,
		requestTimeout:    config.MustParseDuration(cfg.Server.RequestTimeout, 30*time.Second),
		cacheTTL:          config.MustParseDuration(cfg.Cache.TTL, 10*time.Minute),
		clientMaxAge:      cfg.Cache.ClientMaxAge,
	}, nil
}

// Reload rebuilds the fetch pipeline from a new configuration and swaps it
// in. The old transport's idle connections are released; in-flight requests
// finish on the old pipeline.
func (h *Handler) Reload(cfg *config.Config) error {
	pol, err := h.buildPolicy(cfg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	old := h.pol
	h.pol = pol
	h.mu.Unlock()

	if old != nil {
		old.transport.CloseIdleConnections()
	}
	h.logger.Info("fetch pipeline reloaded")
	return nil
}

// Close releases the handler's upstream connections.
func (h *Handler) Close() {
	h.mu.RLock()
	pol := h.pol
	h.mu.RUnlock()
	if pol != nil {
		pol.transport.CloseIdleConnections()
	}
}

func (h *Handler) policy() *policy {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pol
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	h.serve(rec, r)

	h.metrics.PromRequestDuration.
		WithLabelValues(r.Method, strconv.Itoa(rec.status)).
		Observe(time.Since(start).Seconds())
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	pol := h.policy()

	ctx := r.Context()
	if pol.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pol.requestTimeout)
		defer cancel()
	}

	ctx, span := otel.Tracer("fetchguard/server").Start(ctx, "fetch")
	span.SetAttributes(attribute.String("fetch.url", rawURL))
	defer span.End()

	// Served from cache without touching the upstream or the valve.
	if h.store != nil {
		if entry, ok := h.store.Get(ctx, rawURL); ok {
			h.writeCached(w, pol, entry)
			return
		}
	}

	// The valve bounds concurrent upstream work. Waiting is bounded by the
	// request context; callers that cannot get a slot in time are shed.
	if pol.sem != nil {
		if err := pol.sem.Acquire(ctx, 1); err != nil {
			writeError(w, http.StatusServiceUnavailable, "server is at capacity")
			return
		}
		defer pol.sem.Release(1)
	}

	resp, err := pol.walker.Fetch(ctx, rawURL)
	if err != nil {
		span.SetStatus(codes.Error, fetch.KindOf(err).String())
		h.fail(w, r, rawURL, err)
		return
	}

	stream, err := fetch.OpenStream(resp, pol.allowedTypePrefix)
	if err != nil {
		span.SetStatus(codes.Error, fetch.KindOf(err).String())
		h.fail(w, r, rawURL, err)
		return
	}
	defer stream.Close()

	h.writeStream(ctx, w, pol, rawURL, stream)
}

// writeCached serves a response straight from the cache.
func (h *Handler) writeCached(w http.ResponseWriter, pol *policy, entry *cache.Entry) {
	hdr := w.Header()
	hdr.Set("Content-Type", entry.ContentType)
	hdr.Set("Content-Length", strconv.Itoa(len(entry.Body)))
	hdr.Set("X-Cache", "HIT")
	setCacheControl(hdr, pol.clientMaxAge)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.Body)
}

// writeStream forwards the upstream body to the client, teeing it into the
// cache when it completes within the size limit.
func (h *Handler) writeStream(ctx context.Context, w http.ResponseWriter, pol *policy,
	rawURL string, stream *fetch.Stream) {

	hdr := w.Header()
	hdr.Set("Content-Type", stream.ContentType)
	if stream.ContentLength >= 0 {
		hdr.Set("Content-Length", strconv.FormatInt(stream.ContentLength, 10))
	}
	if h.store != nil {
		hdr.Set("X-Cache", "MISS")
	}
	setCacheControl(hdr, pol.clientMaxAge)
	w.WriteHeader(http.StatusOK)

	if h.store == nil || pol.cacheTTL <= 0 {
		if _, err := io.Copy(w, stream.Body); err != nil {
			h.logger.Debug("body copy aborted", "url", rawURL, "error", err)
		}
		return
	}

	capture := cache.NewCapture(stream.Body, h.store.MaxBodySize())
	if _, err := io.Copy(w, capture); err != nil {
		h.logger.Debug("body copy aborted", "url", rawURL, "error", err)
		return
	}
	if body, ok := capture.Bytes(); ok {
		// The client already has its bytes; the store happens off the
		// request deadline so a slow cache cannot fail the response.
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		h.store.Set(storeCtx, rawURL, &cache.Entry{
			ContentType: stream.ContentType,
			Body:        body,
			FetchedAt:   time.Now().UTC(),
		}, pol.cacheTTL)
	}
}

// fail maps a fetch failure onto an HTTP status, counts it, and emits an
// audit event for policy rejections. Error bodies carry a generic message;
// the specific reason goes to logs and the audit stream only.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, rawURL string, err error) {
	kind := fetch.KindOf(err)

	var status int
	var msg string
	switch kind {
	case fetch.KindInvalidScheme:
		status, msg = http.StatusBadRequest, "url is not a valid http or https URL"
	case fetch.KindContentType:
		status, msg = http.StatusBadRequest, "upstream content type is not supported"
	case fetch.KindBlockedAddress:
		status, msg = http.StatusForbidden, "url is not allowed"
	case fetch.KindResolution:
		status, msg = http.StatusNotFound, "upstream host could not be resolved"
	case fetch.KindUpstreamStatus:
		status, msg = http.StatusNotFound, "upstream returned an error"
	case fetch.KindMissingLocation, fetch.KindTooManyRedirects, fetch.KindTransport:
		status, msg = http.StatusBadGateway, "upstream fetch failed"
	default:
		status, msg = http.StatusInternalServerError, "internal error"
		h.logger.Error("unclassified fetch failure", "url", rawURL, "error", err)
	}

	switch kind {
	case fetch.KindInvalidScheme, fetch.KindBlockedAddress, fetch.KindResolution, fetch.KindContentType:
		h.metrics.IncBlocked(kind.String())
		h.audit(r, rawURL, err, kind)
	case fetch.KindMissingLocation, fetch.KindTooManyRedirects, fetch.KindUpstreamStatus, fetch.KindTransport:
		h.metrics.IncUpstreamFailures()
	}

	writeError(w, status, msg)
}

// audit reports a rejected fetch to the audit stream.
func (h *Handler) audit(r *http.Request, rawURL string, err error, kind fetch.Kind) {
	if h.emitter == nil {
		return
	}
	ev := events.AuditEvent{
		URL:       rawURL,
		Reason:    kind.String(),
		Detail:    err.Error(),
		ClientIP:  clientIP(r),
		RequestID: r.Header.Get("X-Request-Id"),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	var fe *fetch.Error
	if errors.As(err, &fe) {
		ev.Hop = fe.Hop
	}
	h.emitter.Emit(ev)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setCacheControl(hdr http.Header, maxAge int) {
	if maxAge > 0 {
		hdr.Set("Cache-Control", fmt.Sprintf("public, max-age=%d, immutable", maxAge))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// statusRecorder captures the status code written to the client for the
// request-duration metric.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.written {
		r.status = status
		r.written = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.written = true
	return r.ResponseWriter.Write(b)
}

// Flush lets streamed bodies reach the client incrementally when the
// underlying writer supports it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
