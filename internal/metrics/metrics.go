// Package metrics holds the Prometheus collectors of the checkout service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "checkout"

// ServerMetrics counts HTTP requests per route.
type ServerMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

// Domain counts checkout and reconciliation outcomes and gateway calls.
type Domain struct {
	Checkouts    *prometheus.CounterVec
	Events       *prometheus.CounterVec
	GatewayCalls *prometheus.CounterVec
	OutboxSent   prometheus.Counter
}

// Registry bundles a registry with every collector registered on it.
type Registry struct {
	reg    *prometheus.Registry
	Server *ServerMetrics
	Domain *Domain
}

// New registers all collectors on a fresh registry. Each call is
// independent, so tests can build as many as they need.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		reg:    reg,
		Server: NewServerMetrics(reg, "http"),
		Domain: NewDomain(reg),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func NewServerMetrics(reg prometheus.Registerer, subsystem string) *ServerMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"route", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"route"})

	reg.MustRegister(requests, latency)
	return &ServerMetrics{Requests: requests, LatencyMS: latency}
}

func NewDomain(reg prometheus.Registerer) *Domain {
	d := &Domain{
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by source and outcome.",
		}, []string{"source", "outcome"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_events_total",
			Help:      "Payment events applied by kind and outcome.",
		}, []string{"kind", "outcome"}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Payment gateway calls by operation and result.",
		}, []string{"op", "result"}),
		OutboxSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox records published.",
		}),
	}
	reg.MustRegister(d.Checkouts, d.Events, d.GatewayCalls, d.OutboxSent)
	return d
}

// NopDomain returns collectors registered nowhere.
func NopDomain() *Domain {
	return NewDomain(prometheus.NewRegistry())
}
