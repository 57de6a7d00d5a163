/*
handlers.go - HTTP API handlers for the payment reconciler

PURPOSE:
  Exposes the reconcile engine via REST. Handles HTTP request/response,
  JSON serialization, and delegates every state change to reconcile.Engine.

ENDPOINTS:
  Gateways:
    POST   /webhooks/{gateway}                 Signed webhook delivery
    GET    /payments/callback                  Customer redirect after payment

  Customers:
    POST   /api/users                          Register customer
    GET    /api/users/{id}                     Customer with balance
    GET    /api/users/{id}/ledger              Ledger with conservation check
    GET    /api/users/{id}/statement.xlsx      Ledger statement workbook
    POST   /api/users/{id}/virtual-account     Issue a bank-transfer account

  Orders:
    POST   /api/orders                         Place order
    GET    /api/orders/{id}                    Order with payment attempts
    POST   /api/orders/{id}/checkout           Start a gateway payment

  Admin (X-Actor header required):
    PUT    /api/admin/orders/{id}/payment      Manual payment correction
    PUT    /api/admin/orders/{id}/status       Manual status correction
    GET    /api/admin/logs                     Audit trail
    GET    /api/admin/payments/pending         Pending payments
    POST   /api/admin/reconciliation/sweep     Run a sweep now
    GET    /api/admin/reconciliation/runs      Sweep history
    POST   /api/admin/products                 Create product
    PUT    /api/admin/products/{id}/stock      Set stock level
    GET    /api/admin/products/{id}/stock      Stock history

ERROR HANDLING:
  Errors are rendered from the generic error taxonomy:
  - 400: ValidationError
  - 401: AuthenticationError (bad webhook signature, missing actor)
  - 404: NotFoundError
  - 409: ConflictError
  - 422: InvalidTransitionError
  - 503: TransientError (gateways retry webhooks on this)

  Webhooks are the exception: every business outcome (duplicate, orphan,
  stale event, cancelled order) is acknowledged with 200 so the gateway
  stops retrying. The audit log has the details.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cast"
	"github.com/warp/payment-reconciler/config"
	"github.com/warp/payment-reconciler/gateway"
	"github.com/warp/payment-reconciler/generic"
	"github.com/warp/payment-reconciler/metrics"
	"github.com/warp/payment-reconciler/reconcile"
	"github.com/warp/payment-reconciler/report"
)

const defaultMaxWebhookBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *reconcile.Engine
	Metrics  *metrics.Metrics
	Callback config.CallbackConfig
	Sweep    reconcile.SweepConfig

	MaxWebhookBytes int64

	logger *slog.Logger
	now    func() time.Time
}

// NewHandler creates a handler around engine. m may be nil.
func NewHandler(engine *reconcile.Engine, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:          engine,
		Metrics:         m,
		Callback:        config.Defaults().Callback,
		Sweep:           reconcile.DefaultSweepConfig(),
		MaxWebhookBytes: defaultMaxWebhookBytes,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// GATEWAY ENDPOINTS
// =============================================================================

// Webhook receives a signed gateway notification.
// POST /webhooks/{gateway}
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "gateway")
	adapter, err := h.Engine.Gateways().Get(name)
	if err != nil {
		h.Metrics.Rejected(name, err)
		writeAppError(w, "Unknown gateway", err)
		return
	}

	// The signature covers the exact bytes, so the body is read once and
	// handed to the adapter untouched.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.MaxWebhookBytes))
	if err != nil {
		err = generic.NewValidationError("body", "unreadable or too large")
		h.Metrics.Rejected(name, err)
		writeAppError(w, "Invalid webhook body", err)
		return
	}

	ev, err := adapter.ParseWebhook(r.Header, body)
	if err != nil {
		h.Metrics.Rejected(name, err)
		h.logger.Warn("[Webhook] Rejected delivery",
			"gateway", name,
			"code", generic.ErrorCode(err),
			"error", err,
		)
		writeAppError(w, "Webhook rejected", err)
		return
	}
	ev.Origin = gateway.OriginWebhook
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = h.now()
	}

	res, err := h.Engine.Reconcile(r.Context(), ev)
	switch {
	case err == nil, isBusinessOutcome(err):
		writeJSON(w, http.StatusOK, WebhookAck{Received: true, TxRef: string(ev.TxRef), Outcome: string(res.Outcome)})
	case generic.IsRetryable(err):
		writeAppError(w, "Temporarily unavailable", err)
	default:
		h.logger.Error("[Webhook] Reconcile failed", "gateway", name, "tx_ref", ev.TxRef, "error", err)
		writeAppError(w, "Webhook not processed", err)
	}
}

// isBusinessOutcome reports errors that describe the event rather than a
// failure to process it; the audit log already holds them.
func isBusinessOutcome(err error) bool {
	return generic.IsNotFound(err) ||
		errors.Is(err, generic.ErrConflict) ||
		errors.Is(err, generic.ErrInvalidTransition)
}

// callbackRefKeys are the query parameters gateways use for our txRef on
// the customer redirect.
var callbackRefKeys = []string{"tx_ref", "reference", "trxref", "paymentReference", "ref"}

// PaymentCallback verifies a payment when the customer is redirected back.
// The status in the query string is never trusted.
// GET /payments/callback
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var ref string
	for _, k := range callbackRefKeys {
		if ref = q.Get(k); ref != "" {
			break
		}
	}
	if ref == "" {
		h.redirect(w, r, h.Callback.FailureURL, "", generic.ErrorCode(generic.ErrValidation))
		return
	}

	txRef := generic.TxRef(ref)
	res, err := h.Engine.VerifyPayment(r.Context(), txRef, q.Get("transaction_id"), gateway.OriginCallback)
	status := res.PaymentStatus
	if err != nil && (errors.Is(err, generic.ErrConflict) || errors.Is(err, generic.ErrInvalidTransition)) {
		// Already settled, usually by the webhook; report what we hold.
		if p, gerr := h.Engine.Store().GetPayment(r.Context(), txRef); gerr == nil && p != nil {
			status, err = p.Status, nil
		}
	}

	switch {
	case err != nil && generic.IsRetryable(err):
		h.redirect(w, r, h.Callback.PendingURL, ref, generic.ErrorCode(err))
	case err != nil:
		h.logger.Warn("[Callback] Verification failed", "tx_ref", ref, "error", err)
		h.redirect(w, r, h.Callback.FailureURL, ref, generic.ErrorCode(err))
	case status == generic.TxSuccessful:
		h.redirect(w, r, h.Callback.SuccessURL, ref, "")
	case status == generic.TxFailed:
		h.redirect(w, r, h.Callback.FailureURL, ref, "payment_failed")
	case status == generic.TxPartial:
		h.redirect(w, r, h.Callback.PendingURL, ref, "partial_payment")
	default:
		h.redirect(w, r, h.Callback.PendingURL, ref, "")
	}
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, target, ref, reason string) {
	u, err := url.Parse(target)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Bad callback URL", err)
		return
	}
	q := u.Query()
	if ref != "" {
		q.Set("ref", ref)
	}
	if reason != "" {
		q.Set("reason", reason)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// =============================================================================
// CUSTOMER ENDPOINTS
// =============================================================================

// CreateUser registers a customer.
// POST /api/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := h.Engine.RegisterUser(r.Context(), generic.User{
		ID:       generic.UserID(req.ID),
		Email:    req.Email,
		Name:     req.Name,
		Currency: req.Currency,
	})
	if err != nil {
		writeAppError(w, "Failed to create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// GetUser returns a customer with their balance.
// GET /api/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, err := h.Engine.Store().GetUser(r.Context(), generic.UserID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get user", err)
		return
	}
	if u == nil {
		writeAppError(w, "User not found", generic.NewNotFound("user", id))
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*u))
}

// GetLedger returns the customer's ledger and whether it reconciles with
// their orders.
// GET /api/users/{id}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	view, err := h.Engine.Ledger(r.Context(), generic.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeAppError(w, "Failed to load ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(view))
}

// GetStatement streams the ledger as an XLSX workbook.
// GET /api/users/{id}/statement.xlsx
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := h.Engine.Ledger(r.Context(), generic.UserID(id))
	if err != nil {
		writeAppError(w, "Failed to load ledger", err)
		return
	}
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="statement-%s.xlsx"`, id))
	if err := report.WriteStatement(w, view, h.now()); err != nil {
		// Headers are gone; all we can do is log.
		h.logger.Error("[Statement] Write failed", "user_id", id, "error", err)
	}
}

// IssueVirtualAccount assigns a dedicated bank-transfer account.
// POST /api/users/{id}/virtual-account
func (h *Handler) IssueVirtualAccount(w http.ResponseWriter, r *http.Request) {
	var req IssueAccountRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	actor := r.Header.Get(ActorHeader)
	if actor == "" {
		actor = id
	}
	acct, err := h.Engine.IssueVirtualAccount(r.Context(), generic.UserID(id), req.Gateway, actor)
	if err != nil {
		writeAppError(w, "Failed to issue virtual account", err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// =============================================================================
// ORDER ENDPOINTS
// =============================================================================

// CreateOrder places an order.
// POST /api/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := h.Engine.PlaceOrder(r.Context(), reconcile.PlaceOrderRequest{
		ID:         generic.OrderID(req.ID),
		CustomerID: generic.UserID(req.CustomerID),
		Amount:     req.Amount,
		Currency:   req.Currency,
		Items:      req.Items,
	})
	if err != nil {
		writeAppError(w, "Failed to create order", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(o, nil))
}

// GetOrder returns an order with its payment attempts.
// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := generic.OrderID(chi.URLParam(r, "id"))
	o, err := h.Engine.Store().GetOrder(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get order", err)
		return
	}
	if o == nil {
		writeAppError(w, "Order not found", generic.NewNotFound("order", string(id)))
		return
	}
	payments, err := h.Engine.Store().ListPaymentsByOrder(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*o, payments))
}

// Checkout starts a payment for the order's outstanding amount.
// POST /api/orders/{id}/checkout
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Checkout(r.Context(), reconcile.CheckoutRequest{
		OrderID:     generic.OrderID(chi.URLParam(r, "id")),
		Gateway:     req.Gateway,
		Phone:       req.Phone,
		RedirectURL: req.RedirectURL,
	})
	if err != nil {
		if res.TxRef != "" && generic.IsRetryable(err) {
			// The gateway may have the transaction; the sweep will find out.
			writeJSON(w, http.StatusAccepted, ErrorResponse{
				Error:   "Payment initiation timed out",
				Code:    generic.ErrorCode(err),
				Details: map[string]string{"tx_ref": string(res.TxRef)},
			})
			return
		}
		writeAppError(w, "Checkout failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, CheckoutDTO{
		TxRef:         string(res.TxRef),
		Gateway:       res.Gateway,
		Amount:        res.Amount,
		RedirectURL:   res.RedirectURL,
		TransactionID: res.TransactionID,
		ExpiresAt:     res.Payment.ExpiresAt.Format(time.RFC3339),
	})
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// SetOrderPayment overrides an order's amount paid.
// PUT /api/admin/orders/{id}/payment
func (h *Handler) SetOrderPayment(w http.ResponseWriter, r *http.Request) {
	var req AdminPaymentRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := h.Engine.AdminSetPayment(r.Context(), reconcile.AdminPaymentRequest{
		OrderID:       generic.OrderID(chi.URLParam(r, "id")),
		Amount:        req.AmountPaid,
		PaymentStatus: generic.PaymentStatus(req.PaymentStatus),
		Actor:         actorFrom(r.Context()),
		Reason:        req.Reason,
	})
	if err != nil {
		writeAppError(w, "Failed to set payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o, nil))
}

// SetOrderStatus overrides an order's status.
// PUT /api/admin/orders/{id}/status
func (h *Handler) SetOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req AdminStatusRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := h.Engine.AdminSetStatus(r.Context(), reconcile.AdminStatusRequest{
		OrderID: generic.OrderID(chi.URLParam(r, "id")),
		Status:  generic.OrderStatus(req.Status),
		Actor:   actorFrom(r.Context()),
		Reason:  req.Reason,
	})
	if err != nil {
		writeAppError(w, "Failed to set status", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o, nil))
}

// ListAdminLogs queries the audit trail.
// GET /api/admin/logs?actor=&target_type=&target_id=&action=&limit=
func (h *Handler) ListAdminLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := generic.AdminLogFilter{Limit: cast.ToInt(q.Get("limit"))}
	if v := q.Get("actor"); v != "" {
		filter.ActorID = &v
	}
	if v := q.Get("target_type"); v != "" {
		filter.TargetType = &v
	}
	if v := q.Get("target_id"); v != "" {
		filter.TargetID = &v
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, generic.AdminAction(a))
	}

	logs, err := h.Engine.Store().QueryAdminLogs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query logs", err)
		return
	}
	dtos := make([]AdminLogDTO, 0, len(logs))
	for _, l := range logs {
		dtos = append(dtos, toAdminLogDTO(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": dtos})
}

// ListPendingPayments returns payments still awaiting an outcome.
// GET /api/admin/payments/pending?older_than=10m&limit=
func (h *Handler) ListPendingPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var age time.Duration
	if v := q.Get("older_than"); v != "" {
		d, err := cast.ToDurationE(v)
		if err != nil {
			writeAppError(w, "Invalid older_than", generic.NewValidationError("older_than", err.Error()))
			return
		}
		age = d
	}
	payments, err := h.Engine.Store().ListPendingPayments(r.Context(), h.now().Add(-age), cast.ToInt(q.Get("limit")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payments", err)
		return
	}
	dtos := make([]PaymentDTO, 0, len(payments))
	for _, p := range payments {
		dtos = append(dtos, toPaymentDTO(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": dtos})
}

// TriggerSweep runs one reconciliation sweep synchronously.
// POST /api/admin/reconciliation/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	run, err := h.Engine.Sweep(r.Context(), h.Sweep, "admin:"+actorFrom(r.Context()))
	if err != nil {
		writeAppError(w, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// ListReconciliationRuns returns sweep history, newest first.
// GET /api/admin/reconciliation/runs?limit=
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	limit := cast.ToInt(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	runs, err := h.Engine.Store().ListReconciliationRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get reconciliation runs", err)
		return
	}
	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// CreateProduct adds a product with its initial stock.
// POST /api/admin/products
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.Engine.CreateProduct(r.Context(), generic.Product{
		ID:    generic.ProductID(req.ID),
		Name:  req.Name,
		Stock: req.Stock,
	}, actorFrom(r.Context()))
	if err != nil {
		writeAppError(w, "Failed to create product", err)
		return
	}
	writeJSON(w, http.StatusCreated, toStockEntryDTO(entry))
}

// UpdateStock sets a product's stock level and appends a history entry.
// PUT /api/admin/products/{id}/stock
func (h *Handler) UpdateStock(w http.ResponseWriter, r *http.Request) {
	var req StockUpdateRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.Engine.UpdateStock(r.Context(), reconcile.StockUpdate{
		ProductID: generic.ProductID(chi.URLParam(r, "id")),
		NewStock:  req.NewStock,
		Type:      generic.StockEntryType(req.Type),
		Origin:    generic.StockOrigin(req.Origin),
		Actor:     actorFrom(r.Context()),
		Note:      req.Note,
	})
	if err != nil {
		writeAppError(w, "Failed to update stock", err)
		return
	}
	writeJSON(w, http.StatusOK, toStockEntryDTO(entry))
}

// StockHistory returns a product's stock entries in order.
// GET /api/admin/products/{id}/stock
func (h *Handler) StockHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.Engine.Store().StockHistory(r.Context(), generic.ProductID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get stock history", err)
		return
	}
	dtos := make([]StockEntryDTO, 0, len(history))
	for _, e := range history {
		dtos = append(dtos, toStockEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": dtos})
}

// =============================================================================
// HELPERS
// =============================================================================

// ActorHeader names the admin performing a request. Authentication sits in
// front of this service; we only record who it said was acting.
const ActorHeader = "X-Actor"

type actorKey struct{}

// RequireActor rejects admin requests without an actor.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := r.Header.Get(ActorHeader)
		if actor == "" {
			writeAppError(w, "Missing actor", &generic.AuthenticationError{Gateway: "admin", Reason: "X-Actor header is required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeAppError(w, "Invalid request body", generic.NewValidationError("body", err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeAppError maps the error taxonomy to a status and a stable code.
func writeAppError(w http.ResponseWriter, message string, err error) {
	writeJSON(w, generic.HTTPStatus(err), ErrorResponse{
		Error:   message,
		Code:    generic.ErrorCode(err),
		Details: err.Error(),
	})
}
