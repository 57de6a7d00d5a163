package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payment-reconciler/generic"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Reconciled("paystack", "webhook", "applied")
	m.Reconciled("paystack", "webhook", "applied")
	m.Reconciled("paystack", "webhook", "duplicate")
	m.Rejected("monnify", &generic.AuthenticationError{Gateway: "monnify", Reason: "signature mismatch"})
	m.SweepResult("expired", 3)
	m.SweepResult("unknown", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconcileTotal.WithLabelValues("paystack", "webhook", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookRejected.WithLabelValues("monnify", "unauthenticated")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SweepPayments.WithLabelValues("expired")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Reconciled("x", "y", "z")
		m.ObserveGatewayCall("x", "verify", time.Second, nil)
		m.SweepFinished(time.Second)
	})
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/ord-1", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/orders/{id}", "GET", "418")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}
