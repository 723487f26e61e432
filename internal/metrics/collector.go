// Package metrics exposes the network server's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lorawan_ns"

// Collector owns a private registry with the server's metrics. A nil
// Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	uplinks        *prometheus.CounterVec
	joins          *prometheus.CounterVec
	dedup          *prometheus.CounterVec
	exclusiveWait  *prometheus.HistogramVec
	exclusiveRun   *prometheus.HistogramVec
	cachedDevices  prometheus.Gauge
	cacheEvictions prometheus.Counter
	cacheRefreshes *prometheus.CounterVec
	loads          *prometheus.CounterVec
	adrDecisions   prometheus.Counter
	downlinks      *prometheus.CounterVec
	droppedEvents  prometheus.Counter
}

// NewCollector creates and registers all metrics
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		uplinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uplinks_total",
			Help:      "Data uplinks by processing result.",
		}, []string{"result"}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Join requests by processing result.",
		}, []string{"result"}),
		dedup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deduplication_total",
			Help:      "Concentrator deduplication classifications.",
		}, []string{"result"}),
		exclusiveWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exclusive",
			Name:      "wait_seconds",
			Help:      "Time a frame waited for its device lane.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"state"}),
		exclusiveRun: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exclusive",
			Name:      "run_seconds",
			Help:      "Time spent processing a frame while holding the device lane.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"state"}),
		cachedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "devices",
			Help:      "Devices held by the device cache.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Devices evicted after being unobserved too long.",
		}),
		cacheRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "refreshes_total",
			Help:      "Background twin refreshes by result.",
		}, []string{"result"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "loads_total",
			Help:      "Backing store loads per unknown address by result.",
		}, []string{"result"}),
		adrDecisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adr_decisions_total",
			Help:      "LinkADRReq commands produced.",
		}),
		downlinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downlinks_total",
			Help:      "Downlinks published by kind.",
		}, []string{"kind"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exclusive",
			Name:      "dropped_events_total",
			Help:      "Processor events dropped because the consumer fell behind.",
		}),
	}

	c.registry.MustRegister(
		c.uplinks, c.joins, c.dedup,
		c.exclusiveWait, c.exclusiveRun, c.droppedEvents,
		c.cachedDevices, c.cacheEvictions, c.cacheRefreshes,
		c.loads, c.adrDecisions, c.downlinks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the metrics in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Uplink counts a processed data uplink
func (c *Collector) Uplink(result string) {
	if c == nil {
		return
	}
	c.uplinks.WithLabelValues(result).Inc()
}

// Join counts a processed join request
func (c *Collector) Join(result string) {
	if c == nil {
		return
	}
	c.joins.WithLabelValues(result).Inc()
}

// Deduplication counts a deduplication classification
func (c *Collector) Deduplication(result string) {
	if c == nil {
		return
	}
	c.dedup.WithLabelValues(result).Inc()
}

// Exclusive records the wait and run time of one unit of work
func (c *Collector) Exclusive(state string, wait, run float64) {
	if c == nil {
		return
	}
	c.exclusiveWait.WithLabelValues(state).Observe(wait)
	c.exclusiveRun.WithLabelValues(state).Observe(run)
}

// DroppedEvents adds n dropped processor events
func (c *Collector) DroppedEvents(n uint64) {
	if c == nil || n == 0 {
		return
	}
	c.droppedEvents.Add(float64(n))
}

// CachedDevices sets the device cache size
func (c *Collector) CachedDevices(n int) {
	if c == nil {
		return
	}
	c.cachedDevices.Set(float64(n))
}

// CacheEviction counts an evicted device
func (c *Collector) CacheEviction() {
	if c == nil {
		return
	}
	c.cacheEvictions.Inc()
}

// CacheRefresh counts a background refresh
func (c *Collector) CacheRefresh(ok bool) {
	if c == nil {
		return
	}
	c.cacheRefreshes.WithLabelValues(result(ok)).Inc()
}

// Load counts a loader backing-store load
func (c *Collector) Load(ok bool) {
	if c == nil {
		return
	}
	c.loads.WithLabelValues(result(ok)).Inc()
}

// ADRDecision counts an emitted LinkADRReq
func (c *Collector) ADRDecision() {
	if c == nil {
		return
	}
	c.adrDecisions.Inc()
}

// Downlink counts a published downlink
func (c *Collector) Downlink(kind string) {
	if c == nil {
		return
	}
	c.downlinks.WithLabelValues(kind).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
