// Package metrics exposes the Prometheus collectors for the Observability
// component (C9): preview durations per phase, pool hit rate, install
// skip rate, cache tier usage, and ready-state success rate.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var defaultBuckets = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000}

// Collectors bundles every metric the core registers, mirroring the
// teacher's single PrometheusMetrics struct.
type Collectors struct {
	PreviewPhaseDuration *prometheus.HistogramVec
	PreviewTotal         *prometheus.CounterVec // result=ready|failed|cancelled
	PoolAcquireTotal     *prometheus.CounterVec // outcome=warm|cold|exhausted
	PoolAvailable        prometheus.Gauge
	PoolInUse            prometheus.Gauge
	PoolReplenishing     prometheus.Gauge
	InstallSkipTotal     prometheus.Counter
	InstallTotal         prometheus.Counter
	CacheTierUsage       *prometheus.HistogramVec // tier=1|2|3|4, value=duration ms
	ReadySuccessTotal    prometheus.Counter
	ReadyFailureTotal    prometheus.Counter
	ErrorsByClass        *prometheus.CounterVec
	ActiveSessions       prometheus.Gauge
}

var (
	once    sync.Once
	current *Collectors
)

// Init registers all collectors on a fresh registry (the teacher's
// convention of never reusing the global default registry across
// daemon restarts within the same process, e.g. in tests).
func Init(namespace string, buckets []float64) (*Collectors, *prometheus.Registry) {
	if buckets == nil {
		buckets = defaultBuckets
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collectors{
		PreviewPhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "preview_phase_duration_ms", Buckets: buckets,
		}, []string{"step"}),
		PreviewTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "preview_total",
		}, []string{"result"}),
		PoolAcquireTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_acquire_total",
		}, []string{"outcome"}),
		PoolAvailable:    prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "pool_available"}),
		PoolInUse:        prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "pool_in_use"}),
		PoolReplenishing: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "pool_replenishing"}),
		InstallSkipTotal: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "install_skip_total"}),
		InstallTotal:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "install_total"}),
		CacheTierUsage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cache_tier_duration_ms", Buckets: buckets,
		}, []string{"tier"}),
		ReadySuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ready_success_total"}),
		ReadyFailureTotal: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ready_failure_total"}),
		ErrorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total",
		}, []string{"class"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_sessions"}),
	}

	reg.MustRegister(
		c.PreviewPhaseDuration, c.PreviewTotal, c.PoolAcquireTotal,
		c.PoolAvailable, c.PoolInUse, c.PoolReplenishing,
		c.InstallSkipTotal, c.InstallTotal, c.CacheTierUsage,
		c.ReadySuccessTotal, c.ReadyFailureTotal, c.ErrorsByClass, c.ActiveSessions,
	)
	once.Do(func() { current = c })
	return c, reg
}

// Current returns the process-wide collector set, if Init has run.
func Current() *Collectors { return current }

// InstallSkipRate reports Tier-1 skip rate given totals, used by the
// metrics/stats HTTP surface (§6 /metrics/stats).
func InstallSkipRate(skipped, total float64) float64 {
	if total == 0 {
		return 0
	}
	return skipped / total
}
