// Package metrics owns the Prometheus registry served on the ops listener:
// HTTP server metrics, build info, and the embed pipeline counters.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/mdembed/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	errorsTotal            *prometheus.CounterVec
	httpPanicTotal         prometheus.Counter
	ratelimitDeniedTotal   *prometheus.CounterVec
	ratelimitCapacityTotal prometheus.Counter

	// process
	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// embed pipeline
	renderTotal      *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	cacheErrorsTotal *prometheus.CounterVec
	cacheBackend     *prometheus.GaugeVec
	cacheSweptTotal  prometheus.Counter
	refreshTotal     *prometheus.CounterVec
}

// registerer wraps MustRegister so each collector is registered as it is built.
type registerer struct{ reg *prometheus.Registry }

func (r registerer) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	r.reg.MustRegister(c)
	return c
}

func (r registerer) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	r.reg.MustRegister(c)
	return c
}

func (r registerer) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	r.reg.MustRegister(g)
	return g
}

func (r registerer) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	r.reg.MustRegister(g)
	return g
}

func (r registerer) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	r.reg.MustRegister(h)
	return h
}

var (
	latencyBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	upstreamBuckets = []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	// rendered fragments run from a few hundred bytes to a few megabytes
	sizeBuckets = prometheus.ExponentialBuckets(256, 4, 10)
)

// New builds a private registry with Go and process collectors. HTTP labels
// are limited to method, route pattern and status to keep cardinality fixed.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r := registerer{reg: reg}

	return &ServerMetrics{
		reg:     reg,
		handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}),

		inflight:               r.gauge("http_inflight_requests", "Current number of in-flight HTTP requests"),
		reqTotal:               r.counterVec("http_requests_total", "Total HTTP requests by method, route, and status", "method", "route", "status"),
		reqDur:                 r.histogramVec("http_request_duration_seconds", "Request latency by method and route", latencyBuckets, "method", "route"),
		respBytes:              r.histogramVec("http_response_size_bytes", "Response size by method and route", sizeBuckets, "method", "route"),
		errorsTotal:            r.counterVec("http_errors_total", "Total 5xx HTTP server errors by method and route (SLI)", "method", "route"),
		httpPanicTotal:         r.counter("http_panic_total", "Total number of recovered httpserver panics"),
		ratelimitDeniedTotal:   r.counterVec("http_requests_rate_limited_total", "Total requests rejected by rate limiter, by limiter", "limiter"),
		ratelimitCapacityTotal: r.counter("http_requests_rate_limited_capacity_total", "Total number of times rate limiter capacity reached"),

		buildInfo: r.gaugeVec("build_info", "Build metadata (value is always 1)",
			"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"),
		profilingActive: r.gauge("profiling_active", "Whether continuous profiling is active (1) or disabled/failed (0)"),

		renderTotal:      r.counterVec("embed_renders_total", "Total embed renders by result (hit, miss, bypass, source_error, render_error)", "result"),
		upstreamDuration: r.histogramVec("embed_upstream_request_duration_seconds", "Latency of source fetches and render API calls", upstreamBuckets, "target"),
		cacheErrorsTotal: r.counterVec("embed_cache_errors_total", "Total cache store errors by operation", "op"),
		cacheBackend:     r.gaugeVec("embed_cache_backend_info", "Configured cache backend (label carries value, gauge is always 1)", "backend"),
		cacheSweptTotal:  r.counter("embed_cache_swept_total", "Total expired entries removed by the disk cache sweeper"),
		refreshTotal:     r.counterVec("embed_refresh_total", "Total cache refresh requests by result", "result"),
	}
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) IncHttpPanic() { m.httpPanicTotal.Inc() }

// SetBuildInfoFromVersion is called once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

// IncRateLimitDenied counts a rejection by the named limiter ("site" or "refresh").
func (m *ServerMetrics) IncRateLimitDenied(limiter string) {
	m.ratelimitDeniedTotal.WithLabelValues(limiter).Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() { m.ratelimitCapacityTotal.Inc() }

func (m *ServerMetrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profilingActive.Set(v)
}

// IncRender implements pipeline.Metrics.
func (m *ServerMetrics) IncRender(result string) {
	m.renderTotal.WithLabelValues(result).Inc()
}

// ObserveUpstream implements pipeline.Metrics. target is "source" or "renderer".
func (m *ServerMetrics) ObserveUpstream(target string, seconds float64) {
	m.upstreamDuration.WithLabelValues(target).Observe(seconds)
}

// IncCacheError implements pipeline.Metrics.
func (m *ServerMetrics) IncCacheError(op string) {
	m.cacheErrorsTotal.WithLabelValues(op).Inc()
}

// IncRefresh implements refresh.Metrics.
func (m *ServerMetrics) IncRefresh(result string) {
	m.refreshTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) SetCacheBackend(backend string) {
	m.cacheBackend.Reset()
	m.cacheBackend.WithLabelValues(backend).Set(1)
}

func (m *ServerMetrics) AddCacheSwept(n int) { m.cacheSweptTotal.Add(float64(n)) }

// RegisterCacheEntries exposes the live entry count of an in-process store.
func (m *ServerMetrics) RegisterCacheEntries(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "embed_cache_entries",
		Help: "Current number of entries in the in-memory cache",
	}, func() float64 { return float64(fn()) }))
}
