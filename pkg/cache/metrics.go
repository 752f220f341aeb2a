package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registrar is the subset of the metric registry the cache package needs.
// Declared locally so pkg/cache does not depend on the metric package.
type Registrar interface {
	RegisterCollector(component, name string, c prometheus.Collector) error
}

// cacheMetrics holds Prometheus metrics for cache operations.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	deletes   prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

// newCacheMetrics creates and registers cache metrics with the registrar.
func newCacheMetrics(registrar Registrar, component string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": component}

	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orgmap", Subsystem: "cache", Name: "hits_total",
			ConstLabels: labels, Help: "Total number of cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orgmap", Subsystem: "cache", Name: "misses_total",
			ConstLabels: labels, Help: "Total number of cache misses",
		}),
		sets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orgmap", Subsystem: "cache", Name: "sets_total",
			ConstLabels: labels, Help: "Total number of cache set operations",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orgmap", Subsystem: "cache", Name: "deletes_total",
			ConstLabels: labels, Help: "Total number of cache delete operations",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orgmap", Subsystem: "cache", Name: "evictions_total",
			ConstLabels: labels, Help: "Total number of cache evictions",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orgmap", Subsystem: "cache", Name: "size",
			ConstLabels: labels, Help: "Current number of entries in cache",
		}),
	}

	for name, c := range map[string]prometheus.Collector{
		"hits_total":      m.hits,
		"misses_total":    m.misses,
		"sets_total":      m.sets,
		"deletes_total":   m.deletes,
		"evictions_total": m.evictions,
		"size":            m.size,
	} {
		if err := registrar.RegisterCollector(component, "cache_"+name, c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *cacheMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) recordSet() {
	if m != nil {
		m.sets.Inc()
	}
}

func (m *cacheMetrics) recordDelete() {
	if m != nil {
		m.deletes.Inc()
	}
}

func (m *cacheMetrics) recordEviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *cacheMetrics) updateSize(size int) {
	if m != nil {
		m.size.Set(float64(size))
	}
}
