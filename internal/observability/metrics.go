package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

// Metrics holds the indexer's Prometheus collectors. Every method is safe on
// a nil receiver so callers can use Current() unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	apiInflight prometheus.Gauge

	cycles         *prometheus.CounterVec
	cycleDuration  *prometheus.HistogramVec
	cycleLag       prometheus.Gauge
	lastXmin       prometheus.Gauge
	invalidated    prometheus.Histogram
	objects        *prometheus.CounterVec
	indexRetries   prometheus.Counter
	poolInflight   prometheus.Gauge
	workerRestarts prometheus.Counter
	listenerErrors *prometheus.CounterVec
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Current() *Metrics {
	return instance
}

// Init registers the collectors once and returns the shared instance.
func Init(log *logger.Logger) *Metrics {
	initOnce.Do(func() {
		instance = newMetrics()
		if log != nil {
			log.Info("metrics initialized")
		}
	})
	return instance
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snoindex_api_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snoindex_api_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		apiInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snoindex_api_inflight_requests",
			Help: "HTTP requests currently being served.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snoindex_cycles_total",
			Help: "Index cycles by outcome.",
		}, []string{"status"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snoindex_cycle_duration_seconds",
			Help:    "Wall time of index cycles.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"kind"}),
		cycleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snoindex_cycle_lag_seconds",
			Help: "Time from the first replayed transaction to the end of the last cycle.",
		}),
		lastXmin: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snoindex_last_xmin",
			Help: "Snapshot xmin of the last persisted cycle.",
		}),
		invalidated: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "snoindex_invalidated_objects",
			Help:    "Size of the invalidation set per cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		objects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snoindex_objects_total",
			Help: "Per-object index outcomes.",
		}, []string{"outcome"}),
		indexRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snoindex_index_retries_total",
			Help: "Document writes retried because the index was unavailable.",
		}),
		poolInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snoindex_pool_inflight_tasks",
			Help: "Tasks dispatched to the worker pool and not yet reported.",
		}),
		workerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snoindex_pool_worker_restarts_total",
			Help: "Workers respawned after a crash.",
		}),
		listenerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snoindex_listener_errors_total",
			Help: "Listener loop errors by class.",
		}, []string{"class"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.cycles, m.cycleDuration, m.cycleLag, m.lastXmin, m.invalidated,
		m.objects, m.indexRetries, m.poolInflight, m.workerRestarts, m.listenerErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.apiRequests.WithLabelValues(strings.ToUpper(method), route, status).Inc()
	m.apiLatency.WithLabelValues(strings.ToUpper(method), route).Observe(dur.Seconds())
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

// CycleObservation is what one finished cycle reports.
type CycleObservation struct {
	Status      string
	FullRebuild bool
	Duration    time.Duration
	Lag         time.Duration
	Xmin        int64
	Invalidated int
	Indexed     int
	Conflicts   int
	Errors      int
}

func (m *Metrics) ObserveCycle(o CycleObservation) {
	if m == nil {
		return
	}
	kind := "incremental"
	if o.FullRebuild {
		kind = "full_rebuild"
	}
	m.cycles.WithLabelValues(o.Status).Inc()
	m.cycleDuration.WithLabelValues(kind).Observe(o.Duration.Seconds())
	if o.Lag > 0 {
		m.cycleLag.Set(o.Lag.Seconds())
	}
	if o.Xmin > 0 {
		m.lastXmin.Set(float64(o.Xmin))
	}
	m.invalidated.Observe(float64(o.Invalidated))
	m.objects.WithLabelValues("indexed").Add(float64(o.Indexed))
	m.objects.WithLabelValues("conflict").Add(float64(o.Conflicts))
	m.objects.WithLabelValues("error").Add(float64(o.Errors))
}

func (m *Metrics) IncCycleFailure(reason string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncIndexRetry() {
	if m == nil {
		return
	}
	m.indexRetries.Inc()
}

func (m *Metrics) SetPoolInflight(n int) {
	if m == nil {
		return
	}
	m.poolInflight.Set(float64(n))
}

func (m *Metrics) IncWorkerRestart() {
	if m == nil {
		return
	}
	m.workerRestarts.Inc()
}

func (m *Metrics) IncListenerError(class string) {
	if m == nil {
		return
	}
	m.listenerErrors.WithLabelValues(class).Inc()
}
