// Package metrics defines the gateway's Prometheus instrumentation. The
// registry is injected by the owner; nothing registers globally.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every gateway series.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	AuthFailures     *prometheus.CounterVec
	RateLimitDenials *prometheus.CounterVec
	UpstreamErrors   *prometheus.CounterVec

	RequestDuration  *prometheus.HistogramVec
	UpstreamDuration *prometheus.HistogramVec

	InFlight  prometheus.Gauge
	PoolInUse prometheus.GaugeFunc
	StoreUp   *prometheus.GaugeVec
}

// New builds and registers all series on a fresh registry. poolInUse reports
// the upstream pool's current in-flight count.
func New(poolInUse func() int64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_requests_total",
			Help: "Requests processed, by route, method, and status.",
		}, []string{"route", "method", "status"}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_auth_failures_total",
			Help: "Authentication failures by reason.",
		}, []string{"reason"}),
		RateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_ratelimit_denials_total",
			Help: "Rate limit denials by rule.",
		}, []string{"rule"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_upstream_errors_total",
			Help: "Upstream failures by kind.",
		}, []string{"kind"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "passage_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "passage_upstream_duration_seconds",
			Help:    "Upstream round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "passage_inflight_requests",
			Help: "Requests currently being processed.",
		}),
		StoreUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "passage_store_up",
			Help: "Backing store availability (1 up, 0 down).",
		}, []string{"store"}),
	}
	m.PoolInUse = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "passage_upstream_pool_in_use",
		Help: "Upstream requests currently in flight.",
	}, func() float64 {
		if poolInUse == nil {
			return 0
		}
		return float64(poolInUse())
	})

	reg.MustRegister(
		m.RequestsTotal, m.AuthFailures, m.RateLimitDenials, m.UpstreamErrors,
		m.RequestDuration, m.UpstreamDuration,
		m.InFlight, m.PoolInUse, m.StoreUp,
	)
	return m
}

// ObserveRequest records the per-request series in one call.
func (m *Metrics) ObserveRequest(route, method string, status int, total, upstream time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(total.Seconds())
	if upstream > 0 {
		m.UpstreamDuration.WithLabelValues(route).Observe(upstream.Seconds())
	}
}

// SetStoreUp flips the availability gauge for a named store.
func (m *Metrics) SetStoreUp(store string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	m.StoreUp.WithLabelValues(store).Set(v)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
