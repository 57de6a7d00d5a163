// Package metrics holds the Prometheus collectors for reconciliation.
//
// All methods are nil-safe so components can run without metrics wired.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/payment-reconciler/generic"
)

type Metrics struct {
	registry *prometheus.Registry

	ReconcileTotal     *prometheus.CounterVec
	WebhookRejected    *prometheus.CounterVec
	GatewayCallSeconds *prometheus.HistogramVec
	SweepPayments      *prometheus.CounterVec
	SweepDuration      prometheus.Histogram

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, so tests can build as
// many instances as they like.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ReconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_events_total",
				Help: "Payment events reconciled, by gateway, origin and outcome",
			},
			[]string{"gateway", "origin", "outcome"},
		),
		WebhookRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_webhook_rejected_total",
				Help: "Webhooks rejected before reconciliation, by gateway and error code",
			},
			[]string{"gateway", "code"},
		),
		GatewayCallSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconciler_gateway_call_duration_seconds",
				Help:    "Outbound gateway call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"gateway", "op", "result"},
		),
		SweepPayments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_sweep_payments_total",
				Help: "Pending payments handled by the sweep, by result",
			},
			[]string{"result"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reconciler_sweep_duration_seconds",
				Help:    "Duration of a reconciliation sweep",
				Buckets: prometheus.DefBuckets,
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}

	m.registry.MustRegister(
		m.ReconcileTotal,
		m.WebhookRejected,
		m.GatewayCallSeconds,
		m.SweepPayments,
		m.SweepDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Reconciled(gatewayName, origin, outcome string) {
	if m == nil {
		return
	}
	m.ReconcileTotal.WithLabelValues(gatewayName, origin, outcome).Inc()
}

func (m *Metrics) Rejected(gatewayName string, err error) {
	if m == nil {
		return
	}
	m.WebhookRejected.WithLabelValues(gatewayName, generic.ErrorCode(err)).Inc()
}

// ObserveGatewayCall matches gateway.CallObserver.
func (m *Metrics) ObserveGatewayCall(gatewayName, op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = generic.ErrorCode(err)
	}
	m.GatewayCallSeconds.WithLabelValues(gatewayName, op, result).Observe(elapsed.Seconds())
}

func (m *Metrics) SweepResult(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SweepPayments.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) SweepFinished(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(elapsed.Seconds())
}

// Middleware records request count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		m.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	})
}
