/*
Package reconcile applies gateway payment events to orders exactly once.

PURPOSE:
  The Engine is the orchestrator between the gateway adapters and the
  store. Webhooks, browser callbacks, the verification sweep and the
  expiry policy all hand it a gateway.PaymentEvent; it decides whether
  the event is new, drives the order state machine and persists the
  Payment, Order, User and stock changes in one unit of work.

RECONCILE FLOW:
  1. Lock the txRef (Locker) so deliveries of the same txRef serialize
  2. Inside WithTx:
     a. Load the Payment; missing => orphan audit note (or a virtual
        account claim for "va-<orderID>")
     b. Idempotency: same status + same amount => duplicate, no effects
     c. Load Order + User, Transition(order, event)
     d. Persist Payment, Order, User ledger, stock entries, audit entries
  3. After commit: notify the customer, count the outcome

  Optimistic version conflicts re-run step 2 (bounded).

RESULT vs ERROR:
  Business outcomes that the gateway must not retry come back as taxonomy
  errors (NotFound for orphans, Conflict for duplicates and stale events,
  InvalidTransition for events against cancelled orders). The audit
  entries describing them are committed before the error is returned.
  TransientError means nothing was applied and a retry is safe.

SEE ALSO:
  - generic/order.go: Transition
  - sweeper.go: Pull verification and expiry
  - admin.go: Admin corrections
  - checkout.go: Checkout, virtual accounts, callback verification
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payment-reconciler/audit"
	"github.com/warp/payment-reconciler/gateway"
	"github.com/warp/payment-reconciler/generic"
	"github.com/warp/payment-reconciler/metrics"
	"github.com/warp/payment-reconciler/notify"
)

const (
	// maxAttempts bounds retries of a unit of work after a version conflict.
	maxAttempts = 3

	// DefaultPendingTTL is how long a checkout may stay unconfirmed.
	DefaultPendingTTL = 30 * time.Minute

	virtualAccountPrefix = "va-"
)

// Outcome classifies what Reconcile did with an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeOrphaned  Outcome = "orphaned"
	OutcomePending   Outcome = "pending"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
)

// Result is the acknowledgement returned to the boundary.
type Result struct {
	TxRef         generic.TxRef
	Outcome       Outcome
	PaymentStatus generic.PaymentRecordStatus
	Order         *generic.Order
	LedgerDelta   generic.Money
	Detail        string
}

// Engine reconciles payment events against orders.
type Engine struct {
	store    generic.TxStore
	gateways *gateway.Registry
	locker   Locker
	audit    *audit.Logger
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	pendingTTL time.Duration
}

type Option func(*Engine)

func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

func WithNotifier(n notify.Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithPendingTTL sets how long a checkout payment may stay pending before
// the sweep expires it.
func WithPendingTTL(d time.Duration) Option { return func(e *Engine) { e.pendingTTL = d } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithLogger(logger *slog.Logger) Option { return func(e *Engine) { e.logger = logger } }

// NewEngine wires the engine to its store and gateways. The store is owned
// by the caller, which opens it at startup and closes it at shutdown.
func NewEngine(store generic.TxStore, gateways *gateway.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		gateways:   gateways,
		locker:     NewKeyedMutex(),
		notifier:   notify.LogNotifier{},
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		pendingTTL: DefaultPendingTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.gateways == nil {
		e.gateways = gateway.NewRegistry()
	}
	e.audit = audit.NewLogger(e.logger).WithClock(e.now)
	return e
}

func (e *Engine) Store() generic.TxStore { return e.store }

func (e *Engine) Gateways() *gateway.Registry { return e.gateways }

// =============================================================================
// RECONCILE
// =============================================================================

// Reconcile applies ev exactly once. See the package doc for how business
// outcomes map to errors.
func (e *Engine) Reconcile(ctx context.Context, ev gateway.PaymentEvent) (Result, error) {
	if err := validateEvent(ev); err != nil {
		e.metrics.Reconciled(ev.Gateway, string(ev.Origin), string(OutcomeRejected))
		return Result{TxRef: ev.TxRef, Outcome: OutcomeRejected}, err
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = e.now()
	}

	unlock, err := e.locker.Lock(ctx, "tx:"+string(ev.TxRef))
	if err != nil {
		return Result{TxRef: ev.TxRef}, err
	}
	defer unlock()

	var u *unit
	err = e.withRetry(ctx, func(tx generic.Store) error {
		u = &unit{engine: e, tx: tx, ev: ev, now: e.now()}
		return u.run(ctx)
	})
	if err != nil {
		e.logger.Error("[Reconcile] Unit of work failed",
			"tx_ref", ev.TxRef, "gateway", ev.Gateway, "origin", ev.Origin, "error", err)
		return Result{TxRef: ev.TxRef}, err
	}

	e.afterCommit(ctx, u)
	return u.result, u.outcomeErr
}

// withRetry runs fn in a transaction, re-running it when an optimistic
// version check fails.
func (e *Engine) withRetry(ctx context.Context, fn func(tx generic.Store) error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = e.store.WithTx(ctx, fn)
		if !errors.Is(err, generic.ErrConcurrentModification) {
			return err
		}
		e.logger.Debug("[Reconcile] Version conflict, retrying", "attempt", attempt)
	}
	return generic.NewTransient("unit of work", err)
}

func validateEvent(ev gateway.PaymentEvent) error {
	if ev.TxRef == "" {
		return generic.NewValidationError("tx_ref", "required")
	}
	if ev.Gateway == "" {
		return generic.NewValidationError("gateway", "required")
	}
	switch ev.Status {
	case gateway.StatusSuccessful, gateway.StatusPartial:
		if !ev.AmountPaid.IsPositive() {
			return generic.NewValidationError("amount_paid", "confirmed payment must be positive")
		}
	case gateway.StatusFailed, gateway.StatusPending:
	default:
		return generic.NewValidationError("status", fmt.Sprintf("unknown event status %q", ev.Status))
	}
	return nil
}

func (e *Engine) afterCommit(ctx context.Context, u *unit) {
	e.metrics.Reconciled(u.ev.Gateway, string(u.ev.Origin), string(u.result.Outcome))

	for _, n := range u.notifications {
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.logger.Warn("[Reconcile] Notification failed", "tx_ref", u.ev.TxRef, "kind", n.Kind, "error", err)
		}
	}

	attrs := []any{
		"tx_ref", u.ev.TxRef,
		"gateway", u.ev.Gateway,
		"origin", u.ev.Origin,
		"status", u.ev.Status,
		"outcome", u.result.Outcome,
	}
	if u.result.Detail != "" {
		attrs = append(attrs, "detail", u.result.Detail)
	}
	if u.outcomeErr != nil {
		e.logger.Warn("[Reconcile] "+generic.ErrorCode(u.outcomeErr), attrs...)
		return
	}
	e.logger.Info("[Reconcile] Done", attrs...)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// unit is one attempt at reconciling one event inside one transaction.
type unit struct {
	engine *Engine
	tx     generic.Store
	ev     gateway.PaymentEvent
	now    time.Time

	result        Result
	outcomeErr    error
	notifications []notify.Notification
}

// finish records a business outcome. The transaction still commits.
func (u *unit) finish(outcome Outcome, detail string, err error) error {
	u.result.TxRef = u.ev.TxRef
	u.result.Outcome = outcome
	u.result.Detail = detail
	u.outcomeErr = err
	return nil
}

func (u *unit) anomaly(ctx context.Context, p *generic.Payment, detail string, outErr error) error {
	details := map[string]any{
		"gateway":       u.ev.Gateway,
		"event_status":  string(u.ev.Status),
		"event_amount":  u.ev.AmountPaid.String(),
		"origin":        string(u.ev.Origin),
		"raw_reference": u.ev.RawReference,
		"reason":        detail,
	}
	if p != nil {
		details["payment_status"] = string(p.Status)
		details["payment_amount_paid"] = p.AmountPaid.String()
		details["order_id"] = string(p.OrderID)
	}
	if _, err := u.engine.audit.Record(ctx, u.tx, audit.Entry{
		Action:     generic.ActionPaymentAnomaly,
		TargetType: "payment",
		TargetID:   string(u.ev.TxRef),
		Details:    details,
	}); err != nil {
		return err
	}
	if p != nil {
		u.result.PaymentStatus = p.Status
	}
	return u.finish(OutcomeIgnored, detail, outErr)
}

func (u *unit) run(ctx context.Context) error {
	ev := u.ev

	p, err := u.tx.GetPayment(ctx, ev.TxRef)
	if err != nil {
		return generic.NewTransient("load payment", err)
	}
	if p == nil {
		p, err = u.claimOrOrphan(ctx)
		if err != nil || p == nil {
			return err
		}
	}
	u.result.PaymentStatus = p.Status

	if ev.Status == gateway.StatusPending {
		return u.finish(OutcomePending, "gateway reports the payment as pending", nil)
	}
	if p.Gateway != ev.Gateway {
		return u.anomaly(ctx, p, fmt.Sprintf("payment belongs to gateway %s", p.Gateway),
			&generic.ConflictError{TxRef: ev.TxRef, Reason: "gateway mismatch"})
	}

	target := targetStatus(*p, ev)

	// Idempotency: the same status with the same money is a redelivery.
	if target == p.Status && (target == generic.TxFailed || ev.AmountPaid.Equal(p.AmountPaid)) {
		return u.finish(OutcomeDuplicate, "already applied",
			&generic.ConflictError{TxRef: ev.TxRef, Reason: "duplicate delivery"})
	}

	switch {
	case p.Status == generic.TxSuccessful:
		return u.anomaly(ctx, p, fmt.Sprintf("%s event after successful payment", target),
			&generic.ConflictError{TxRef: ev.TxRef, Reason: "payment already successful"})
	case p.Status == generic.TxPartial && target == generic.TxFailed:
		return u.anomaly(ctx, p, "failure reported after partial payment was confirmed",
			&generic.ConflictError{TxRef: ev.TxRef, Reason: "payment already partially paid"})
	case target.Confirmed() && ev.AmountPaid.LessThan(p.AmountPaid):
		return u.anomaly(ctx, p, fmt.Sprintf("confirmed amount %s below recorded %s", ev.AmountPaid, p.AmountPaid),
			&generic.ConflictError{TxRef: ev.TxRef, Reason: "stale amount"})
	}

	return u.apply(ctx, *p, target)
}

// targetStatus maps the event onto the payment record. A confirmation below
// the requested amount is Partial whatever the provider called it.
func targetStatus(p generic.Payment, ev gateway.PaymentEvent) generic.PaymentRecordStatus {
	if ev.Status == gateway.StatusFailed {
		return generic.TxFailed
	}
	if ev.AmountPaid.GreaterThanOrEqual(p.Amount) {
		return generic.TxSuccessful
	}
	return generic.TxPartial
}

// claimOrOrphan handles an event whose txRef we never issued. A transfer to
// a customer's virtual account with a "va-<orderID>" reference claims a new
// Payment; anything else is written down as orphaned.
func (u *unit) claimOrOrphan(ctx context.Context) (*generic.Payment, error) {
	ev := u.ev
	if ev.Confirmed() && strings.HasPrefix(string(ev.TxRef), virtualAccountPrefix) {
		p, reason, err := u.claim(ctx)
		if err != nil || p != nil {
			return p, err
		}
		return nil, u.orphan(ctx, reason)
	}
	return nil, u.orphan(ctx, "no payment recorded for txRef")
}

func (u *unit) claim(ctx context.Context) (*generic.Payment, string, error) {
	orderID := generic.OrderID(strings.TrimPrefix(string(u.ev.TxRef), virtualAccountPrefix))
	order, err := u.tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, "", generic.NewTransient("load order", err)
	}
	if order == nil {
		return nil, "virtual account transfer for unknown order", nil
	}
	user, err := u.tx.GetUser(ctx, order.CustomerID)
	if err != nil {
		return nil, "", generic.NewTransient("load user", err)
	}
	if user == nil || user.VirtualAccount == nil || user.VirtualAccount.Gateway != u.ev.Gateway {
		return nil, "customer holds no virtual account on this gateway", nil
	}

	p := generic.Payment{
		TxRef:                u.ev.TxRef,
		OrderID:              order.ID,
		UserID:               order.CustomerID,
		Gateway:              u.ev.Gateway,
		Method:               "bank_transfer",
		Status:               generic.TxPending,
		Amount:               order.Outstanding(),
		AmountPaid:           decimal.Zero,
		Currency:             order.Currency,
		GatewayTransactionID: u.ev.TransactionID,
		CreatedAt:            u.now,
		UpdatedAt:            u.now,
	}
	if err := u.tx.CreatePayment(ctx, p); err != nil {
		if errors.Is(err, generic.ErrDuplicateTxRef) {
			return nil, "", generic.ErrConcurrentModification
		}
		return nil, "", generic.NewTransient("create payment", err)
	}
	p.Version = 1
	return &p, "", nil
}

func (u *unit) orphan(ctx context.Context, reason string) error {
	_, err := u.engine.audit.Record(ctx, u.tx, audit.Entry{
		Action:     generic.ActionPaymentOrphaned,
		TargetType: "payment",
		TargetID:   string(u.ev.TxRef),
		Details: map[string]any{
			"gateway":       u.ev.Gateway,
			"event_status":  string(u.ev.Status),
			"event_amount":  u.ev.AmountPaid.String(),
			"raw_reference": u.ev.RawReference,
			"origin":        string(u.ev.Origin),
			"reason":        reason,
		},
	})
	if err != nil {
		return err
	}
	return u.finish(OutcomeOrphaned, reason, generic.NewNotFound("payment", string(u.ev.TxRef)))
}

// apply moves the payment to target and drives the order through the state
// machine, persisting everything through u.tx.
func (u *unit) apply(ctx context.Context, p generic.Payment, target generic.PaymentRecordStatus) error {
	ev := u.ev

	order, err := u.tx.GetOrder(ctx, p.OrderID)
	if err != nil {
		return generic.NewTransient("load order", err)
	}
	if order == nil {
		return u.anomaly(ctx, &p, "payment references a missing order", generic.NewNotFound("order", string(p.OrderID)))
	}
	user, err := u.tx.GetUser(ctx, order.CustomerID)
	if err != nil {
		return generic.NewTransient("load user", err)
	}
	if user == nil {
		return u.anomaly(ctx, &p, "order references a missing customer", generic.NewNotFound("user", string(order.CustomerID)))
	}

	var orderEvent generic.OrderEvent
	if target.Confirmed() {
		delta := ev.AmountPaid.Sub(p.AmountPaid)
		orderEvent = generic.PaymentConfirmed(order.AmountPaid.Add(delta), u.now)
	} else {
		orderEvent = generic.PaymentFailedEvent(u.now)
	}

	priorStatus := p.Status
	p.Status = target
	if target.Confirmed() {
		p.AmountPaid = ev.AmountPaid
	}
	if ev.Method != "" {
		p.Method = ev.Method
	}
	if p.GatewayTransactionID == "" {
		p.GatewayTransactionID = ev.TransactionID
	}
	p.UpdatedAt = u.now
	if err := u.savePayment(ctx, p); err != nil {
		return err
	}
	u.result.PaymentStatus = p.Status

	res, err := generic.Transition(*order, orderEvent)
	if err != nil {
		var it *generic.InvalidTransitionError
		if !errors.As(err, &it) {
			return err
		}
		// Money or a failure arrived for a cancelled order: keep the payment
		// record truthful and hand the order to an operator.
		return u.anomaly(ctx, &p, it.Error(), err)
	}

	if err := u.persistTransition(ctx, *user, res); err != nil {
		return err
	}

	if ev.Origin == gateway.OriginExpiry {
		if _, err := u.engine.audit.Record(ctx, u.tx, audit.Entry{
			Action:     generic.ActionPaymentExpired,
			TargetType: "payment",
			TargetID:   string(p.TxRef),
			Details: map[string]any{
				"order_id":   string(p.OrderID),
				"expired_at": p.ExpiresAt,
				"order_kept": !res.Changed,
			},
		}); err != nil {
			return err
		}
	}

	o := res.Order
	u.result.Order = &o
	u.result.LedgerDelta = res.LedgerDelta
	u.queueNotification(*user, res, p, priorStatus)
	return u.finish(OutcomeApplied, "", nil)
}

func (u *unit) savePayment(ctx context.Context, p generic.Payment) error {
	if err := u.tx.UpdatePayment(ctx, p); err != nil {
		if errors.Is(err, generic.ErrConcurrentModification) {
			return err
		}
		return generic.NewTransient("update payment", err)
	}
	return nil
}

// persistTransition writes the order, the customer ledger and any stock
// movement the transition asked for.
func (u *unit) persistTransition(ctx context.Context, user generic.User, res generic.TransitionResult) error {
	next := res.Order
	dirty := res.Changed
	if ref := u.ev.RawReference; ref != "" && u.ev.Confirmed() {
		key := u.ev.Gateway + "_reference"
		if next.PaymentDetails[key] != ref {
			if next.PaymentDetails == nil {
				next.PaymentDetails = map[string]string{}
			}
			next.PaymentDetails[key] = ref
			next.PaymentDetails["last_tx_ref"] = string(u.ev.TxRef)
			dirty = true
		}
	}
	if dirty {
		next.UpdatedAt = u.now
		if err := saveOrder(ctx, u.tx, next); err != nil {
			return err
		}
	}

	if err := applyLedger(ctx, u.tx, user, res, u.now); err != nil {
		return err
	}
	return u.engine.applyStock(ctx, u.tx, next, res, generic.SystemActor, u.now)
}

func (u *unit) queueNotification(user generic.User, res generic.TransitionResult, p generic.Payment, prior generic.PaymentRecordStatus) {
	n := notify.Notification{
		UserID:   user.ID,
		Email:    user.Email,
		OrderID:  p.OrderID,
		TxRef:    p.TxRef,
		Amount:   p.AmountPaid.String(),
		Balance:  user.LedgerBalance.Add(res.LedgerDelta).String(),
		Currency: user.Currency,
	}
	switch {
	case p.Status == generic.TxSuccessful && res.Order.PaymentStatus == generic.PaymentPaid:
		n.Kind = notify.PaymentConfirmed
	case p.Status.Confirmed():
		n.Kind = notify.PaymentPartial
	case p.Status == generic.TxFailed && res.Changed && prior == generic.TxPending:
		n.Kind = notify.PaymentFailed
		n.Amount = p.Amount.String()
	default:
		return
	}
	u.notifications = append(u.notifications, n)
}

// =============================================================================
// SHARED PERSISTENCE STEPS
// =============================================================================

func saveOrder(ctx context.Context, tx generic.Store, o generic.Order) error {
	if err := tx.SaveOrder(ctx, o); err != nil {
		if errors.Is(err, generic.ErrConcurrentModification) {
			return err
		}
		return generic.NewTransient("save order", err)
	}
	return nil
}

// applyLedger moves the customer's balance and lifetime value by the
// transition's deltas.
func applyLedger(ctx context.Context, tx generic.Store, user generic.User, res generic.TransitionResult, now time.Time) error {
	if res.LedgerDelta.IsZero() && res.PaymentDifference.IsZero() {
		return nil
	}
	user.LedgerBalance = user.LedgerBalance.Add(res.LedgerDelta)
	user.LifetimeValue = user.LifetimeValue.Add(res.PaymentDifference)
	user.UpdatedAt = now
	if err := tx.SaveUser(ctx, user); err != nil {
		if errors.Is(err, generic.ErrConcurrentModification) {
			return err
		}
		return generic.NewTransient("save user", err)
	}
	return nil
}

// applyStock writes Sale or Restock entries when the transition asked for
// them, and saves the products' new levels. An item whose product is no
// longer in the catalogue is audited as a stock anomaly and skipped; the
// money side of the transition still commits.
func (e *Engine) applyStock(ctx context.Context, tx generic.Store, order generic.Order, res generic.TransitionResult, actor string, now time.Time) error {
	if !res.CommitStock && !res.ReleaseStock {
		return nil
	}

	ids := make([]generic.ProductID, 0, len(order.Items))
	for _, item := range order.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := tx.GetProducts(ctx, ids)
	if err != nil {
		return generic.NewTransient("load products", err)
	}

	movement, build := "sale", generic.SaleEntries
	if res.ReleaseStock {
		movement, build = "restock", generic.RestockEntries
	}

	known := order
	known.Items = make([]generic.OrderItem, 0, len(order.Items))
	for _, item := range order.Items {
		if _, ok := products[item.ProductID]; ok {
			known.Items = append(known.Items, item)
			continue
		}
		if _, err := e.audit.Record(ctx, tx, audit.Entry{
			Actor:      actor,
			Action:     generic.ActionStockAnomaly,
			TargetType: "product",
			TargetID:   string(item.ProductID),
			Details: map[string]any{
				"order_id": string(order.ID),
				"quantity": item.Quantity,
				"movement": movement,
				"reason":   "product not in catalogue, stock not moved",
			},
		}); err != nil {
			return err
		}
		e.logger.Warn("[Stock] Unknown product on order, stock not moved",
			"order_id", order.ID, "product_id", item.ProductID, "movement", movement)
	}
	if len(known.Items) == 0 {
		return nil
	}

	entries, updated, err := build(known, products, actor, now)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := tx.AppendStockEntry(ctx, entry); err != nil {
			return generic.NewTransient("append stock entry", err)
		}
	}
	for _, p := range updated {
		if err := tx.SaveProduct(ctx, p); err != nil {
			return generic.NewTransient("save product", err)
		}
	}
	return nil
}
