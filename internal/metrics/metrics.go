// Package metrics holds the Prometheus collectors for svcbus.
//
// Every Registry owns its own prometheus.Registry so several buses can run in
// one process (tests, embedded use) without duplicate-registration panics.
// All recording methods are safe on a nil *Registry, which records nothing.
//
// # Metric names
//
//	svcbus_envelopes_published_total{topic,priority}
//	svcbus_deliveries_total{topic,outcome}         outcome = ok | failed
//	svcbus_retries_total{topic,priority}
//	svcbus_abandoned_total{topic,priority}
//	svcbus_persist_errors_total{op}                op = persist | remove | load
//	svcbus_pending_deliveries
//	svcbus_handler_duration_seconds{topic}
//	svcbus_services{status}                        status = active | inactive
//	svcbus_heartbeats_total
//	svcbus_http_requests_total{method,path,status}
//	svcbus_http_request_duration_seconds{method,path}
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "svcbus"

// Registry holds all svcbus application metrics.
type Registry struct {
	reg *prometheus.Registry

	published       *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	retries         *prometheus.CounterVec
	abandoned       *prometheus.CounterVec
	persistErrors   *prometheus.CounterVec
	pending         prometheus.Gauge
	handlerDuration *prometheus.HistogramVec

	services   *prometheus.GaugeVec
	heartbeats prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates a Registry with every collector registered, plus the Go
// runtime and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "envelopes_published_total",
			Help: "Envelopes accepted by Publish.",
		}, []string{"topic", "priority"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Handler invocations by outcome.",
		}, []string{"topic", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_total",
			Help: "Retries scheduled after a failed delivery.",
		}, []string{"topic", "priority"}),
		abandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "abandoned_total",
			Help: "Deliveries given up on after exhausting retries.",
		}, []string{"topic", "priority"}),
		persistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "persist_errors_total",
			Help: "Persistence store operations that failed.",
		}, []string{"op"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_deliveries",
			Help: "Deliveries waiting for a scheduled retry.",
		}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "handler_duration_seconds",
			Help:    "Time spent inside subscriber handlers.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"topic"}),
		services: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "services",
			Help: "Known services by registry status.",
		}, []string{"status"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeats_total",
			Help: "Liveness signals observed by the registry.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Operator HTTP requests by method, path and status code.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "Operator HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	r.reg.MustRegister(
		r.published, r.deliveries, r.retries, r.abandoned, r.persistErrors,
		r.pending, r.handlerDuration, r.services, r.heartbeats,
		r.httpRequests, r.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler renders all metrics in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// ─── bus ──────────────────────────────────────────────────────────────────────

func (r *Registry) Published(topic, priority string) {
	if r == nil {
		return
	}
	r.published.WithLabelValues(topic, priority).Inc()
}

// Delivered records one handler invocation and how long it took.
func (r *Registry) Delivered(topic string, ok bool, d time.Duration) {
	if r == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	r.deliveries.WithLabelValues(topic, outcome).Inc()
	r.handlerDuration.WithLabelValues(topic).Observe(d.Seconds())
}

func (r *Registry) Retried(topic, priority string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(topic, priority).Inc()
}

func (r *Registry) Abandoned(topic, priority string) {
	if r == nil {
		return
	}
	r.abandoned.WithLabelValues(topic, priority).Inc()
}

func (r *Registry) PersistError(op string) {
	if r == nil {
		return
	}
	r.persistErrors.WithLabelValues(op).Inc()
}

func (r *Registry) SetPending(n int) {
	if r == nil {
		return
	}
	r.pending.Set(float64(n))
}

// ─── registry ─────────────────────────────────────────────────────────────────

func (r *Registry) SetServices(active, inactive int) {
	if r == nil {
		return
	}
	r.services.WithLabelValues("active").Set(float64(active))
	r.services.WithLabelValues("inactive").Set(float64(inactive))
}

func (r *Registry) Heartbeat() {
	if r == nil {
		return
	}
	r.heartbeats.Inc()
}

// ─── http ─────────────────────────────────────────────────────────────────────

// HTTPRequest records one operator API request. path should be the route
// pattern, not the raw URL, to keep label cardinality bounded.
func (r *Registry) HTTPRequest(method, path string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
