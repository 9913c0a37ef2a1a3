// Package prom adapts the observability hooks to Prometheus collectors.
//
// Register the hooks once at startup and expose the registry through
// promhttp:
//
//	m := prom.New(prometheus.DefaultRegisterer)
//	m.Register()
//	mux.Handle("/metrics", promhttp.Handler())
package prom

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/matzehuels/distwatch/pkg/observability"
)

// Metrics holds all Prometheus collectors fed by the hooks.
type Metrics struct {
	// Poll metrics
	PollsTotal   *prometheus.CounterVec
	PollDuration *prometheus.HistogramVec
	Resolved     *prometheus.GaugeVec

	// Install metrics
	InstallsTotal   *prometheus.CounterVec
	InstallDuration *prometheus.HistogramVec
	SweptTotal      prometheus.Counter

	// Cache metrics
	CacheEvents *prometheus.CounterVec
	CacheBytes  prometheus.Counter

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestErrors   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		PollsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distwatch_polls_total",
				Help: "Total number of poll attempts",
			},
			[]string{"name", "tag", "status"},
		),
		PollDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distwatch_poll_duration_seconds",
				Help:    "Poll attempt duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"name", "tag"},
		),
		Resolved: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "distwatch_resolved_info",
				Help: "Currently resolved version per tag (value is always 1)",
			},
			[]string{"name", "tag", "version"},
		),
		InstallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distwatch_installs_total",
				Help: "Total number of physical installs",
			},
			[]string{"name", "status"},
		),
		InstallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distwatch_install_duration_seconds",
				Help:    "Install duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"name"},
		),
		SweptTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "distwatch_cleanup_removed_total",
				Help: "Total number of directories removed by cleanup sweeps",
			},
		),
		CacheEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distwatch_cache_events_total",
				Help: "Cache hits, misses and writes",
			},
			[]string{"key_type", "event"},
		),
		CacheBytes: f.NewCounter(
			prometheus.CounterOpts{
				Name: "distwatch_cache_written_bytes_total",
				Help: "Bytes written to the persistent cache",
			},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distwatch_http_requests_total",
				Help: "Total number of outgoing registry requests",
			},
			[]string{"method", "host", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distwatch_http_request_duration_seconds",
				Help:    "Outgoing request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "host"},
		),
		RequestErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distwatch_http_request_errors_total",
				Help: "Outgoing requests that failed before a response",
			},
			[]string{"method", "host"},
		),
	}
}

// Register installs m as the global poll, install, cache and HTTP hooks.
func (m *Metrics) Register() {
	observability.SetPollHooks(pollHooks{m})
	observability.SetInstallHooks(installHooks{m})
	observability.SetCacheHooks(cacheHooks{m})
	observability.SetHTTPHooks(httpHooks{m})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type pollHooks struct{ m *Metrics }

func (h pollHooks) OnPollStart(context.Context, string, string) {}

func (h pollHooks) OnPollComplete(_ context.Context, name, tag, version string, d time.Duration, err error) {
	h.m.PollsTotal.WithLabelValues(name, tag, status(err)).Inc()
	h.m.PollDuration.WithLabelValues(name, tag).Observe(d.Seconds())
	if err == nil && version != "" {
		h.m.Resolved.DeletePartialMatch(prometheus.Labels{"name": name, "tag": tag})
		h.m.Resolved.WithLabelValues(name, tag, version).Set(1)
	}
}

type installHooks struct{ m *Metrics }

func (h installHooks) OnInstallStart(context.Context, string, string) {}

func (h installHooks) OnInstallComplete(_ context.Context, name, _ string, d time.Duration, err error) {
	h.m.InstallsTotal.WithLabelValues(name, status(err)).Inc()
	h.m.InstallDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (h installHooks) OnSweep(_ context.Context, _ string, removed int) {
	h.m.SweptTotal.Add(float64(removed))
}

type cacheHooks struct{ m *Metrics }

func (h cacheHooks) OnCacheHit(_ context.Context, keyType string) {
	h.m.CacheEvents.WithLabelValues(keyType, "hit").Inc()
}

func (h cacheHooks) OnCacheMiss(_ context.Context, keyType string) {
	h.m.CacheEvents.WithLabelValues(keyType, "miss").Inc()
}

func (h cacheHooks) OnCacheSet(_ context.Context, keyType string, size int) {
	h.m.CacheEvents.WithLabelValues(keyType, "set").Inc()
	h.m.CacheBytes.Add(float64(size))
}

type httpHooks struct{ m *Metrics }

func (h httpHooks) OnRequest(context.Context, string, string, string) {}

func (h httpHooks) OnResponse(_ context.Context, method, host, _ string, code int, d time.Duration) {
	h.m.RequestsTotal.WithLabelValues(method, host, statusClass(code)).Inc()
	h.m.RequestDuration.WithLabelValues(method, host).Observe(d.Seconds())
}

func (h httpHooks) OnError(_ context.Context, method, host, _ string, _ error) {
	h.m.RequestErrors.WithLabelValues(method, host).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
