// Package metrics exposes Prometheus collectors for suppression passes, tabs
// and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "focusshield"

// Metrics holds every collector. It implements engine.Recorder.
type Metrics struct {
	reg *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Engine metrics
	Passes       *prometheus.CounterVec
	PassDuration prometheus.Histogram
	Suppressed   prometheus.Counter
	RuleFailures *prometheus.CounterVec

	// Tab metrics
	TabsOpen     prometheus.Gauge
	Messages     *prometheus.CounterVec
	StoreReloads prometheus.Counter
}

// New registers the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "route"},
		),

		Passes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "suppression_passes_total",
				Help:      "Suppression passes by trigger",
			},
			[]string{"trigger"},
		),
		PassDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "suppression_pass_duration_seconds",
				Help:      "Time spent in one suppression pass",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
		),
		Suppressed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "suppressed_elements_total",
				Help:      "Elements hidden by suppression passes",
			},
		),
		RuleFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_failures_total",
				Help:      "Selector rules that failed to compile or query",
			},
			[]string{"family"},
		),

		TabsOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tabs_open",
				Help:      "Number of open tabs",
			},
		),
		Messages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Handled messages by type and outcome",
			},
			[]string{"type", "ok"},
		),
		StoreReloads: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_reloads_total",
				Help:      "Settings changes picked up from the store",
			},
		),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObservePass records one suppression pass.
func (m *Metrics) ObservePass(trigger string, hidden int, d time.Duration) {
	m.Passes.WithLabelValues(trigger).Inc()
	m.PassDuration.Observe(d.Seconds())
	if hidden > 0 {
		m.Suppressed.Add(float64(hidden))
	}
}

// RuleFailure counts a failed selector of the given family.
func (m *Metrics) RuleFailure(family string) {
	m.RuleFailures.WithLabelValues(family).Inc()
}

// Message counts a handled message.
func (m *Metrics) Message(kind string, ok bool) {
	m.Messages.WithLabelValues(kind, strconv.FormatBool(ok)).Inc()
}

// Middleware records request counts and latency labelled by the chi route
// pattern rather than the raw path, keeping tab ids out of the label set.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
