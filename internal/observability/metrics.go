// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for FetchGuard.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the fetch hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	fetched       int64
	blocked       int64
	upstreamFails int64
	cacheHits     int64
	cacheMisses   int64
	eventsDropped int64

	// Prometheus counters for scraping.
	promFetched       prometheus.Counter
	promUpstreamFails prometheus.Counter
	promCacheHits     prometheus.Counter
	promCacheMisses   prometheus.Counter
	promEventsDropped prometheus.Counter

	// Blocked fetches labeled by rejection reason. Reasons come from the
	// closed failure taxonomy, so the label is bounded.
	promBlocked *prometheus.CounterVec

	// Prometheus histograms.
	PromRequestDuration *prometheus.HistogramVec

	// Redirect chain length distribution across completed fetches.
	PromRedirectHops prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fetchguard",
			Name:      "fetches_completed_total",
			Help:      "Total number of fetches that reached a terminal response.",
		}),
		promBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fetchguard",
			Name:      "fetches_blocked_total",
			Help:      "Total number of fetches rejected by URL safety validation.",
		}, []string{"reason"}),
		promUpstreamFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fetchguard",
			Name:      "upstream_failures_total",
			Help:      "Total number of upstream transport or status failures.",
		}),
		promCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fetchguard",
			Name:      "cache_hits_total",
			Help:      "Total number of fetches served from the response cache.",
		}),
		promCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fetchguard",
			Name:      "cache_misses_total",
			Help:      "Total number of fetches that went to the upstream.",
		}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fetchguard",
			Name:      "audit_events_dropped_total",
			Help:      "Total number of audit events dropped due to a full buffer.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fetchguard",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromRedirectHops: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fetchguard",
			Name:      "redirect_hops",
			Help:      "Distribution of redirect chain lengths across completed fetches.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		}),
	}

	return m
}

// IncFetched increments the completed-fetch counter.
func (m *Metrics) IncFetched() {
	atomic.AddInt64(&m.fetched, 1)
	m.promFetched.Inc()
}

// IncBlocked increments the blocked-fetch counter for a rejection reason.
func (m *Metrics) IncBlocked(reason string) {
	atomic.AddInt64(&m.blocked, 1)
	m.promBlocked.WithLabelValues(reason).Inc()
}

// IncUpstreamFailures increments the upstream failure counter.
func (m *Metrics) IncUpstreamFailures() {
	atomic.AddInt64(&m.upstreamFails, 1)
	m.promUpstreamFails.Inc()
}

// IncCacheHit increments the cache hit counter.
func (m *Metrics) IncCacheHit() {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.Inc()
}

// IncCacheMiss increments the cache miss counter.
func (m *Metrics) IncCacheMiss() {
	atomic.AddInt64(&m.cacheMisses, 1)
	m.promCacheMisses.Inc()
}

// IncEventsDropped increments the dropped audit event counter.
func (m *Metrics) IncEventsDropped() {
	atomic.AddInt64(&m.eventsDropped, 1)
	m.promEventsDropped.Inc()
}

// ObserveHops records the redirect chain length of a completed fetch.
func (m *Metrics) ObserveHops(hops int) {
	m.PromRedirectHops.Observe(float64(hops))
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Fetched          int64
	Blocked          int64
	UpstreamFailures int64
	CacheHits        int64
	CacheMisses      int64
	EventsDropped    int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Fetched:          atomic.LoadInt64(&m.fetched),
		Blocked:          atomic.LoadInt64(&m.blocked),
		UpstreamFailures: atomic.LoadInt64(&m.upstreamFails),
		CacheHits:        atomic.LoadInt64(&m.cacheHits),
		CacheMisses:      atomic.LoadInt64(&m.cacheMisses),
		EventsDropped:    atomic.LoadInt64(&m.eventsDropped),
	}
}
