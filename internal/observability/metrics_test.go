package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates metrics with custom registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		assert.NotNil(t, m)
		assert.NotNil(t, m.promFetched)
		assert.NotNil(t, m.promBlocked)
		assert.NotNil(t, m.PromRequestDuration)
		assert.NotNil(t, m.PromRedirectHops)
	})
}

func TestMetricsIncFetched(t *testing.T) {
	t.Run("increments completed fetch counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncFetched()
		m.IncFetched()
		m.IncFetched()

		snap := m.Snapshot()
		assert.Equal(t, int64(3), snap.Fetched)
	})
}

func TestMetricsIncBlocked(t *testing.T) {
	t.Run("increments blocked counter per reason", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncBlocked("blocked_address")
		m.IncBlocked("blocked_address")
		m.IncBlocked("invalid_scheme")

		snap := m.Snapshot()
		assert.Equal(t, int64(3), snap.Blocked)
	})
}

func TestMetricsIncUpstreamFailures(t *testing.T) {
	t.Run("increments upstream failure counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncUpstreamFailures()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.UpstreamFailures)
	})
}

func TestMetricsCacheCounters(t *testing.T) {
	t.Run("tracks hits and misses separately", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncCacheHit()
		m.IncCacheHit()
		m.IncCacheMiss()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.CacheHits)
		assert.Equal(t, int64(1), snap.CacheMisses)
	})
}

func TestMetricsIncEventsDropped(t *testing.T) {
	t.Run("increments dropped event counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncEventsDropped()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.EventsDropped)
	})
}

func TestMetricsSnapshot(t *testing.T) {
	t.Run("returns point-in-time snapshot of all counters", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.IncFetched()
		m.IncFetched()
		m.IncBlocked("resolution_error")
		m.IncUpstreamFailures()
		m.IncCacheHit()
		m.IncCacheMiss()
		m.IncEventsDropped()
		m.ObserveHops(2)

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.Fetched)
		assert.Equal(t, int64(1), snap.Blocked)
		assert.Equal(t, int64(1), snap.UpstreamFailures)
		assert.Equal(t, int64(1), snap.CacheHits)
		assert.Equal(t, int64(1), snap.CacheMisses)
		assert.Equal(t, int64(1), snap.EventsDropped)
	})
}
