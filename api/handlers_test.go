/*
handlers_test.go - HTTP tests for the reconciler API

Tests for:
- Webhook acknowledgement policy (200 / 401 / 404) and duplicates
- Callback redirects never trusting the query-string status
- Checkout, ledger and statement endpoints
- Admin actor requirement, corrections and sweeps
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payment-reconciler/gateway"
	"github.com/warp/payment-reconciler/gateway/paystack"
	"github.com/warp/payment-reconciler/generic"
	memstore "github.com/warp/payment-reconciler/generic/store"
	"github.com/warp/payment-reconciler/metrics"
	"github.com/warp/payment-reconciler/reconcile"
	"github.com/warp/payment-reconciler/report"
)

const paystackSecret = "sk_test_api"

// stubGateway answers verifications from a map and accepts every checkout.
type stubGateway struct {
	mu      sync.Mutex
	answers map[generic.TxRef]gateway.PaymentEvent
}

func (g *stubGateway) Name() string { return "stub" }

func (g *stubGateway) ParseWebhook(http.Header, []byte) (gateway.PaymentEvent, error) {
	return gateway.PaymentEvent{}, generic.NewValidationError("body", "stub has no webhooks")
}

func (g *stubGateway) Verify(_ context.Context, req gateway.VerifyRequest) (gateway.PaymentEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ev, ok := g.answers[req.TxRef]; ok {
		return ev, nil
	}
	return gateway.PaymentEvent{TxRef: req.TxRef, Gateway: "stub", Status: gateway.StatusPending}, nil
}

func (g *stubGateway) CreateTransaction(_ context.Context, req gateway.CheckoutRequest) (gateway.CheckoutResult, error) {
	return gateway.CheckoutResult{RedirectURL: "https://stub.example/pay/" + string(req.TxRef), TransactionID: "stub-trx"}, nil
}

func (g *stubGateway) answer(ref generic.TxRef, status gateway.EventStatus, amount string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.answers[ref] = gateway.PaymentEvent{TxRef: ref, Gateway: "stub", Status: status, AmountPaid: generic.MustParseMoney(amount)}
}

type testEnv struct {
	t       *testing.T
	store   *memstore.TxMemory
	engine  *reconcile.Engine
	stub    *stubGateway
	metrics *metrics.Metrics
	handler *Handler
	router  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.NewTxMemory()
	stub := &stubGateway{answers: map[generic.TxRef]gateway.PaymentEvent{}}
	m := metrics.New()
	engine := reconcile.NewEngine(store,
		gateway.NewRegistry(paystack.New(paystack.Config{SecretKey: paystackSecret}), stub),
		reconcile.WithLogger(logger),
		reconcile.WithMetrics(m),
	)
	h := NewHandler(engine, m, logger)
	h.Callback.SuccessURL = "https://shop.example/thanks"
	h.Callback.FailureURL = "https://shop.example/failed"
	h.Callback.PendingURL = "https://shop.example/pending"
	h.Sweep.MinAge = 0

	return &testEnv{t: t, store: store, engine: engine, stub: stub, metrics: m, handler: h, router: NewRouter(h, nil)}
}

func (e *testEnv) do(method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(e.t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) admin(method, path string, body any) *httptest.ResponseRecorder {
	return e.do(method, path, body, http.Header{ActorHeader: {"admin-1"}})
}

// seedOrder creates a customer and an order for amount, and returns the order.
func (e *testEnv) seedOrder(id, amount string) generic.Order {
	e.t.Helper()
	ctx := context.Background()
	if u, _ := e.store.GetUser(ctx, "usr-1"); u == nil {
		_, err := e.engine.RegisterUser(ctx, generic.User{ID: "usr-1", Email: "ada@example.com", Name: "Ada", Currency: "NGN"})
		require.NoError(e.t, err)
	}
	o, err := e.engine.PlaceOrder(ctx, reconcile.PlaceOrderRequest{ID: generic.OrderID(id), CustomerID: "usr-1", Amount: generic.MustParseMoney(amount)})
	require.NoError(e.t, err)
	return o
}

func (e *testEnv) seedPayment(ref generic.TxRef, gw string, o generic.Order) {
	e.t.Helper()
	now := time.Now().UTC()
	require.NoError(e.t, e.store.CreatePayment(context.Background(), generic.Payment{
		TxRef:     ref,
		OrderID:   o.ID,
		UserID:    o.CustomerID,
		Gateway:   gw,
		Status:    generic.TxPending,
		Amount:    o.Outstanding(),
		Currency:  "NGN",
		CreatedAt: now.Add(-time.Minute),
		UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))
}

func (e *testEnv) order(id string) generic.Order {
	e.t.Helper()
	o, err := e.store.GetOrder(context.Background(), generic.OrderID(id))
	require.NoError(e.t, err)
	require.NotNil(e.t, o)
	return *o
}

func paystackWebhook(body string) http.Header {
	h := http.Header{}
	h.Set(paystack.SignatureHeader, gateway.HMACSHA512Hex(paystack.SignatureHeader).Sign(paystackSecret, []byte(body)))
	return h
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// WEBHOOKS
// =============================================================================

func TestWebhook_AppliesAndAcknowledgesDuplicates(t *testing.T) {
	// GIVEN: an order with a pending paystack payment
	env := newTestEnv(t)
	o := env.seedOrder("ord-1", "1000")
	env.seedPayment("paystack-abc", "paystack", o)
	body := `{"event":"charge.success","data":{"id":1,"reference":"paystack-abc","amount":100000,"currency":"NGN","status":"success","channel":"card"}}`

	// WHEN: the signed webhook arrives
	rec := env.do(http.MethodPost, "/webhooks/paystack", body, paystackWebhook(body))

	// THEN: it is applied and acknowledged
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ack := decodeBody[WebhookAck](t, rec)
	assert.Equal(t, "applied", ack.Outcome)
	assert.Equal(t, generic.PaymentPaid, env.order("ord-1").PaymentStatus)

	// WHEN: the gateway retries the same delivery
	rec = env.do(http.MethodPost, "/webhooks/paystack", body, paystackWebhook(body))

	// THEN: still 200, nothing changes
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decodeBody[WebhookAck](t, rec).Outcome)
	assert.True(t, env.order("ord-1").AmountPaid.Equal(generic.MustParseMoney("1000")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ReconcileTotal.WithLabelValues("paystack", "webhook", "applied")))
}

func TestWebhook_BadSignatureIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder("ord-1", "1000")
	env.seedPayment("paystack-abc", "paystack", o)
	body := `{"event":"charge.success","data":{"reference":"paystack-abc","amount":100000,"status":"success"}}`
	header := paystackWebhook(`{"tampered":true}`)

	rec := env.do(http.MethodPost, "/webhooks/paystack", body, header)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, generic.PaymentNotPaid, env.order("ord-1").PaymentStatus)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.WebhookRejected.WithLabelValues("paystack", "unauthenticated")))
}

func TestWebhook_OrphanIsAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	body := `{"event":"charge.success","data":{"reference":"paystack-unknown","amount":5000,"status":"success"}}`

	rec := env.do(http.MethodPost, "/webhooks/paystack", body, paystackWebhook(body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "orphaned", decodeBody[WebhookAck](t, rec).Outcome)

	logs := env.admin(http.MethodGet, "/api/admin/logs?action=payment_orphaned", nil)
	require.Equal(t, http.StatusOK, logs.Code)
	assert.Len(t, decodeBody[map[string][]AdminLogDTO](t, logs)["logs"], 1)
}

func TestWebhook_UnknownGateway(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/webhooks/nope", `{}`, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhook_OversizedBody(t *testing.T) {
	env := newTestEnv(t)
	env.handler.MaxWebhookBytes = 16

	rec := env.do(http.MethodPost, "/webhooks/paystack", strings.Repeat("x", 64), nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// CALLBACK
// =============================================================================

func redirectTarget(t *testing.T, rec *httptest.ResponseRecorder) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	u, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return u
}

func TestCallback_IgnoresClaimedStatus(t *testing.T) {
	// GIVEN: the redirect claims success but the gateway says failed
	env := newTestEnv(t)
	o := env.seedOrder("ord-1", "1000")
	env.seedPayment("stub-1", "stub", o)
	env.stub.answer("stub-1", gateway.StatusFailed, "0")

	rec := env.do(http.MethodGet, "/payments/callback?tx_ref=stub-1&status=successful", nil, nil)

	u := redirectTarget(t, rec)
	assert.Equal(t, "/failed", u.Path)
	assert.Equal(t, "stub-1", u.Query().Get("ref"))
	assert.Equal(t, "payment_failed", u.Query().Get("reason"))
	assert.Equal(t, generic.OrderCancelled, env.order("ord-1").Status)
}

func TestCallback_Outcomes(t *testing.T) {
	tests := []struct {
		name   string
		status gateway.EventStatus
		amount string
		path   string
		reason string
	}{
		{"confirmed", gateway.StatusSuccessful, "1000", "/thanks", ""},
		{"underpaid", gateway.StatusSuccessful, "400", "/pending", "partial_payment"},
		{"still pending", gateway.StatusPending, "0", "/pending", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			o := env.seedOrder("ord-1", "1000")
			env.seedPayment("stub-1", "stub", o)
			env.stub.answer("stub-1", tt.status, tt.amount)

			u := redirectTarget(t, env.do(http.MethodGet, "/payments/callback?reference=stub-1", nil, nil))

			assert.Equal(t, tt.path, u.Path)
			assert.Equal(t, tt.reason, u.Query().Get("reason"))
		})
	}
}

func TestCallback_AlreadySettledByWebhook(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder("ord-1", "1000")
	env.seedPayment("stub-1", "stub", o)
	env.stub.answer("stub-1", gateway.StatusSuccessful, "1000")
	_, err := env.engine.VerifyPayment(context.Background(), "stub-1", "", gateway.OriginWebhook)
	require.NoError(t, err)

	u := redirectTarget(t, env.do(http.MethodGet, "/payments/callback?tx_ref=stub-1", nil, nil))

	assert.Equal(t, "/thanks", u.Path)
}

func TestCallback_MissingReference(t *testing.T) {
	env := newTestEnv(t)

	u := redirectTarget(t, env.do(http.MethodGet, "/payments/callback?status=successful", nil, nil))

	assert.Equal(t, "/failed", u.Path)
	assert.Equal(t, "invalid_request", u.Query().Get("reason"))
}

// =============================================================================
// CUSTOMER FLOW
// =============================================================================

func TestCheckoutFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/users", CreateUserRequest{ID: "usr-9", Email: "grace@example.com", Name: "Grace", Currency: "NGN"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/orders", `{"id":"ord-9","customer_id":"usr-9","amount":"2500.50","items":[]}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decodeBody[OrderDTO](t, rec)
	assert.Equal(t, "pending", order.Status)

	rec = env.do(http.MethodPost, "/api/orders/ord-9/checkout", CheckoutRequest{Gateway: "stub"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	checkout := decodeBody[CheckoutDTO](t, rec)
	assert.True(t, strings.HasPrefix(checkout.TxRef, "stub-"))
	assert.True(t, checkout.Amount.Equal(generic.MustParseMoney("2500.50")))
	assert.Equal(t, "https://stub.example/pay/"+checkout.TxRef, checkout.RedirectURL)

	rec = env.do(http.MethodGet, "/api/orders/ord-9", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[OrderDTO](t, rec)
	require.Len(t, got.Payments, 1)
	assert.Equal(t, "pending", got.Payments[0].Status)
}

func TestCheckout_UnknownOrder(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/orders/ord-missing/checkout", CheckoutRequest{Gateway: "stub"}, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[ErrorResponse](t, rec).Code)
}

func TestLedgerAndStatement(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder("ord-1", "1000")
	env.seedPayment("stub-1", "stub", o)
	env.stub.answer("stub-1", gateway.StatusSuccessful, "600")
	_, err := env.engine.VerifyPayment(context.Background(), "stub-1", "", gateway.OriginCallback)
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/api/users/usr-1/ledger", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	ledger := decodeBody[LedgerDTO](t, rec)
	assert.True(t, ledger.Balance.Equal(generic.MustParseMoney("400")))
	assert.True(t, ledger.Consistent)
	require.Len(t, ledger.Orders, 1)
	assert.True(t, ledger.Orders[0].Booked)

	rec = env.do(http.MethodGet, "/api/users/usr-1/statement.xlsx", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, report.ContentType, rec.Header().Get("Content-Type"))
	assert.NotZero(t, rec.Body.Len())

	rec = env.do(http.MethodGet, "/api/users/usr-nobody/ledger", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdmin_RequiresActor(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder("ord-1", "1000")

	rec := env.do(http.MethodPut, "/api/admin/orders/ord-1/status", AdminStatusRequest{Status: "cancelled"}, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, generic.OrderPending, env.order("ord-1").Status)
}

func TestAdmin_SetPaymentIsAudited(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder("ord-1", "1000")

	rec := env.admin(http.MethodPut, "/api/admin/orders/ord-1/payment", AdminPaymentRequest{AmountPaid: generic.MustParseMoney("1000"), Reason: "cash at counter"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[OrderDTO](t, rec)
	assert.Equal(t, "paid", got.PaymentStatus)
	require.Len(t, got.EditHistory, 1)
	assert.Equal(t, "admin-1", got.EditHistory[0].Actor)

	rec = env.admin(http.MethodGet, "/api/admin/logs?target_id=ord-1", nil)
	logs := decodeBody[map[string][]AdminLogDTO](t, rec)["logs"]
	require.Len(t, logs, 1)
	assert.Equal(t, "order_payment_set", logs[0].Action)
	assert.Equal(t, "admin-1", logs[0].ActorID)
}

func TestAdmin_InvalidTransitionIs422(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder("ord-1", "1000")

	rec := env.admin(http.MethodPut, "/api/admin/orders/ord-1/status", AdminStatusRequest{Status: "fulfilled"})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_transition", decodeBody[ErrorResponse](t, rec).Code)
}

func TestAdmin_Stock(t *testing.T) {
	env := newTestEnv(t)

	rec := env.admin(http.MethodPost, "/api/admin/products", CreateProductRequest{ID: "sku-1", Name: "Kettle", Stock: 3})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.admin(http.MethodPut, "/api/admin/products/sku-1/stock", StockUpdateRequest{NewStock: 10, Note: "delivery"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entry := decodeBody[StockEntryDTO](t, rec)
	assert.Equal(t, 7, entry.QuantityChange)
	assert.Equal(t, "admin_update", entry.Type)

	rec = env.admin(http.MethodGet, "/api/admin/products/sku-1/stock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[map[string][]StockEntryDTO](t, rec)["history"]
	require.Len(t, history, 2)
	assert.Equal(t, "initial", history[0].Type)
}

func TestAdmin_SweepAndRuns(t *testing.T) {
	// GIVEN: a pending payment the gateway has since confirmed
	env := newTestEnv(t)
	o := env.seedOrder("ord-1", "1000")
	env.seedPayment("stub-1", "stub", o)
	env.stub.answer("stub-1", gateway.StatusSuccessful, "1000")

	rec := env.admin(http.MethodGet, "/api/admin/payments/pending?older_than=30s", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[map[string][]PaymentDTO](t, rec)["payments"], 1)

	// WHEN: an admin triggers a sweep
	rec = env.admin(http.MethodPost, "/api/admin/reconciliation/sweep", nil)

	// THEN: the payment is applied and the run recorded
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decodeBody[RunDTO](t, rec)
	assert.Equal(t, 1, run.Applied)
	assert.Equal(t, "admin:admin-1", run.Trigger)
	assert.Equal(t, generic.PaymentPaid, env.order("ord-1").PaymentStatus)

	rec = env.admin(http.MethodGet, "/api/admin/reconciliation/runs", nil)
	runs := decodeBody[map[string][]RunDTO](t, rec)["runs"]
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestMetricsAndHealth(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil, nil).Code)

	rec := env.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}
