package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/payment-reconciler/audit"
	"github.com/warp/payment-reconciler/gateway"
	"github.com/warp/payment-reconciler/generic"
	"github.com/warp/payment-reconciler/notify"
)

// =============================================================================
// ORDERS & CUSTOMERS
// =============================================================================

// PlaceOrderRequest is a submitted cart. Pricing happens upstream; Amount is
// what the customer owes.
type PlaceOrderRequest struct {
	ID         generic.OrderID
	CustomerID generic.UserID
	Amount     generic.Money
	Currency   string
	Items      []generic.OrderItem
}

// PlaceOrder records a new Pending / NotPaid order.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (generic.Order, error) {
	if !req.Amount.IsPositive() {
		return generic.Order{}, generic.NewValidationError("amount", "must be positive")
	}
	for _, item := range req.Items {
		if item.ProductID == "" || item.Quantity <= 0 {
			return generic.Order{}, generic.NewValidationError("items", fmt.Sprintf("invalid item %q x %d", item.ProductID, item.Quantity))
		}
	}
	if req.ID == "" {
		req.ID = generic.OrderID("ord-" + uuid.NewString())
	}

	now := e.now()
	order := generic.Order{
		ID:            req.ID,
		CustomerID:    req.CustomerID,
		Amount:        req.Amount,
		AmountPaid:    decimal.Zero,
		Currency:      req.Currency,
		Status:        generic.OrderPending,
		PaymentStatus: generic.PaymentNotPaid,
		Items:         req.Items,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := e.store.WithTx(ctx, func(tx generic.Store) error {
		user, err := tx.GetUser(ctx, req.CustomerID)
		if err != nil {
			return generic.NewTransient("load user", err)
		}
		if user == nil {
			return generic.NewNotFound("user", string(req.CustomerID))
		}
		if order.Currency == "" {
			order.Currency = user.Currency
		}
		if len(order.Items) > 0 {
			ids := make([]generic.ProductID, 0, len(order.Items))
			for _, item := range order.Items {
				ids = append(ids, item.ProductID)
			}
			products, err := tx.GetProducts(ctx, ids)
			if err != nil {
				return generic.NewTransient("load products", err)
			}
			for _, id := range ids {
				if _, ok := products[id]; !ok {
					return generic.NewValidationError("items", fmt.Sprintf("unknown product %q", id))
				}
			}
		}
		if err := tx.SaveOrder(ctx, order); err != nil {
			if errors.Is(err, generic.ErrConcurrentModification) {
				return generic.NewValidationError("id", fmt.Sprintf("order %s already exists", order.ID))
			}
			return generic.NewTransient("save order", err)
		}
		return nil
	})
	if err != nil {
		return generic.Order{}, err
	}
	order.Version = 1
	return order, nil
}

// RegisterUser creates a customer with a zero ledger.
func (e *Engine) RegisterUser(ctx context.Context, u generic.User) (generic.User, error) {
	if u.ID == "" {
		return generic.User{}, generic.NewValidationError("id", "required")
	}
	now := e.now()
	u.LedgerBalance = decimal.Zero
	u.LifetimeValue = decimal.Zero
	u.Version = 0
	u.CreatedAt, u.UpdatedAt = now, now
	if err := e.store.SaveUser(ctx, u); err != nil {
		if errors.Is(err, generic.ErrConcurrentModification) {
			return generic.User{}, generic.NewValidationError("id", fmt.Sprintf("user %s already exists", u.ID))
		}
		return generic.User{}, generic.NewTransient("save user", err)
	}
	u.Version = 1
	return u, nil
}

// =============================================================================
// CHECKOUT
// =============================================================================

type CheckoutRequest struct {
	OrderID     generic.OrderID
	Gateway     string
	Phone       string
	RedirectURL string
}

type CheckoutResult struct {
	TxRef         generic.TxRef
	Gateway       string
	Amount        generic.Money
	RedirectURL   string
	TransactionID string
	Payment       generic.Payment
}

// NewTxRef returns a fresh, never reused transaction reference.
func NewTxRef(gatewayName string) generic.TxRef {
	return generic.TxRef(gatewayName + "-" + uuid.NewString())
}

// Checkout opens a gateway transaction for the order's outstanding amount.
//
// The Payment row is written before the gateway is called so a webhook can
// never arrive for a txRef we do not know. A gateway timeout leaves it
// pending for the sweep; any other gateway error fails it.
func (e *Engine) Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	initiator, ok := e.gateways.Initiator(req.Gateway)
	if !ok {
		return CheckoutResult{}, generic.NewValidationError("gateway", fmt.Sprintf("%q cannot initiate payments", req.Gateway))
	}

	var (
		payment generic.Payment
		order   generic.Order
		user    generic.User
	)
	err := e.store.WithTx(ctx, func(tx generic.Store) error {
		o, err := tx.GetOrder(ctx, req.OrderID)
		if err != nil {
			return generic.NewTransient("load order", err)
		}
		if o == nil {
			return generic.NewNotFound("order", string(req.OrderID))
		}
		if o.Status == generic.OrderCancelled || o.Status == generic.OrderFulfilled {
			return &generic.InvalidTransitionError{OrderID: o.ID, From: o.Status, Event: "checkout", Reason: "order is closed"}
		}
		if !o.Outstanding().IsPositive() {
			return generic.NewValidationError("order", "nothing outstanding")
		}
		u, err := tx.GetUser(ctx, o.CustomerID)
		if err != nil {
			return generic.NewTransient("load user", err)
		}
		if u == nil {
			return generic.NewNotFound("user", string(o.CustomerID))
		}
		order, user = *o, *u

		now := e.now()
		payment = generic.Payment{
			TxRef:      NewTxRef(req.Gateway),
			OrderID:    o.ID,
			UserID:     o.CustomerID,
			Gateway:    req.Gateway,
			Status:     generic.TxPending,
			Amount:     o.Outstanding(),
			AmountPaid: decimal.Zero,
			Currency:   o.Currency,
			CreatedAt:  now,
			UpdatedAt:  now,
			ExpiresAt:  now.Add(e.pendingTTL),
		}
		if ra, ok := initiator.(gateway.ReferenceAssigner); ok {
			payment.GatewayTransactionID = ra.NewTransactionID()
		}
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return generic.NewTransient("create payment", err)
		}
		return nil
	})
	if err != nil {
		return CheckoutResult{}, err
	}
	payment.Version = 1

	created, callErr := initiator.CreateTransaction(ctx, gateway.CheckoutRequest{
		TxRef:       payment.TxRef,
		OrderID:     order.ID,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Email:       user.Email,
		Name:        user.Name,
		Phone:       req.Phone,
		RedirectURL: req.RedirectURL,

		TransactionID: payment.GatewayTransactionID,
	})
	if callErr != nil {
		if errors.Is(callErr, generic.ErrGatewayTimeout) {
			e.logger.Warn("[Checkout] Gateway timed out, payment left pending", "tx_ref", payment.TxRef, "gateway", req.Gateway)
			return CheckoutResult{TxRef: payment.TxRef, Gateway: req.Gateway, Payment: payment}, callErr
		}
		e.failCheckout(ctx, payment, callErr)
		return CheckoutResult{}, callErr
	}

	err = e.withRetry(ctx, func(tx generic.Store) error {
		p, err := tx.GetPayment(ctx, payment.TxRef)
		if err != nil {
			return generic.NewTransient("load payment", err)
		}
		if p == nil {
			return generic.NewNotFound("payment", string(payment.TxRef))
		}
		if p.GatewayTransactionID == "" {
			p.GatewayTransactionID = created.TransactionID
		}
		p.UpdatedAt = e.now()
		if err := tx.UpdatePayment(ctx, *p); err != nil {
			return err
		}
		payment = *p
		payment.Version++

		o, err := tx.GetOrder(ctx, order.ID)
		if err != nil {
			return generic.NewTransient("load order", err)
		}
		if o == nil {
			return generic.NewNotFound("order", string(order.ID))
		}
		if o.PaymentDetails == nil {
			o.PaymentDetails = map[string]string{}
		}
		o.PaymentDetails["gateway"] = req.Gateway
		o.PaymentDetails["tx_ref"] = string(payment.TxRef)
		for k, v := range created.Details {
			o.PaymentDetails[k] = v
		}
		return saveOrder(ctx, tx, *o)
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	e.logger.Info("[Checkout] Transaction created", "tx_ref", payment.TxRef, "gateway", req.Gateway,
		"order_id", order.ID, "amount", payment.Amount.String())
	return CheckoutResult{
		TxRef:         payment.TxRef,
		Gateway:       req.Gateway,
		Amount:        payment.Amount,
		RedirectURL:   created.RedirectURL,
		TransactionID: created.TransactionID,
		Payment:       payment,
	}, nil
}

// failCheckout marks a payment the gateway refused as failed. The order is
// left alone so the customer can try again.
func (e *Engine) failCheckout(ctx context.Context, payment generic.Payment, cause error) {
	err := e.withRetry(ctx, func(tx generic.Store) error {
		p, err := tx.GetPayment(ctx, payment.TxRef)
		if err != nil || p == nil {
			return err
		}
		if p.Status != generic.TxPending {
			return nil
		}
		p.Status = generic.TxFailed
		p.UpdatedAt = e.now()
		return tx.UpdatePayment(ctx, *p)
	})
	if err != nil {
		e.logger.Error("[Checkout] Could not fail payment", "tx_ref", payment.TxRef, "error", err)
		return
	}
	e.logger.Warn("[Checkout] Gateway refused transaction", "tx_ref", payment.TxRef, "error", cause)
}

// =============================================================================
// VIRTUAL ACCOUNTS
// =============================================================================

// IssueVirtualAccount gives the customer a dedicated bank-transfer account.
// A customer who already has one gets it back unchanged.
func (e *Engine) IssueVirtualAccount(ctx context.Context, userID generic.UserID, gatewayName, actor string) (generic.VirtualAccount, error) {
	issuer, ok := e.gateways.Issuer(gatewayName)
	if !ok {
		return generic.VirtualAccount{}, generic.NewValidationError("gateway", fmt.Sprintf("%q cannot issue virtual accounts", gatewayName))
	}

	unlock, err := e.locker.Lock(ctx, "user:"+string(userID))
	if err != nil {
		return generic.VirtualAccount{}, err
	}
	defer unlock()

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return generic.VirtualAccount{}, generic.NewTransient("load user", err)
	}
	if user == nil {
		return generic.VirtualAccount{}, generic.NewNotFound("user", string(userID))
	}
	if user.VirtualAccount != nil {
		return *user.VirtualAccount, nil
	}

	account, err := issuer.IssueVirtualAccount(ctx, gateway.AccountRequest{
		UserID:   user.ID,
		Email:    user.Email,
		Name:     user.Name,
		Currency: user.Currency,
	})
	if err != nil {
		return generic.VirtualAccount{}, err
	}
	if account.Gateway == "" {
		account.Gateway = gatewayName
	}

	var saved generic.User
	err = e.withRetry(ctx, func(tx generic.Store) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return generic.NewTransient("load user", err)
		}
		if u == nil {
			return generic.NewNotFound("user", string(userID))
		}
		u.VirtualAccount = &account
		u.UpdatedAt = e.now()
		if err := tx.SaveUser(ctx, *u); err != nil {
			return err
		}
		saved = *u

		_, err = e.audit.Record(ctx, tx, audit.Entry{
			Actor:      actor,
			Action:     generic.ActionAccountIssued,
			TargetType: "user",
			TargetID:   string(userID),
			Details: map[string]any{
				"gateway":        account.Gateway,
				"account_number": account.AccountNumber,
				"bank_name":      account.BankName,
				"reference":      account.Reference,
			},
		})
		return err
	})
	if err != nil {
		return generic.VirtualAccount{}, err
	}

	if err := e.notifier.Notify(ctx, notify.Notification{
		Kind:           notify.VirtualAccountIssued,
		UserID:         saved.ID,
		Email:          saved.Email,
		Currency:       saved.Currency,
		VirtualAccount: &account,
	}); err != nil {
		e.logger.Warn("[Checkout] Virtual account notification failed", "user_id", userID, "error", err)
	}
	return account, nil
}

// =============================================================================
// PULL VERIFICATION
// =============================================================================

// VerifyPayment asks the payment's gateway for the truth about txRef and
// reconciles the answer. Browser callbacks and the sweep both come through
// here; nothing the caller claims about the status is trusted.
func (e *Engine) VerifyPayment(ctx context.Context, ref generic.TxRef, transactionID string, origin gateway.EventOrigin) (Result, error) {
	p, err := e.store.GetPayment(ctx, ref)
	if err != nil {
		return Result{TxRef: ref}, generic.NewTransient("load payment", err)
	}
	if p == nil {
		return Result{TxRef: ref, Outcome: OutcomeOrphaned}, generic.NewNotFound("payment", string(ref))
	}
	return e.verify(ctx, *p, transactionID, origin)
}

func (e *Engine) verify(ctx context.Context, p generic.Payment, transactionID string, origin gateway.EventOrigin) (Result, error) {
	verifier, ok := e.gateways.Verifier(p.Gateway)
	if !ok {
		return Result{TxRef: p.TxRef}, generic.NewValidationError("gateway", fmt.Sprintf("%q cannot verify payments", p.Gateway))
	}
	if transactionID == "" {
		transactionID = p.GatewayTransactionID
	}

	ev, err := verifier.Verify(ctx, gateway.VerifyRequest{TxRef: p.TxRef, TransactionID: transactionID})
	if err != nil {
		return Result{TxRef: p.TxRef, PaymentStatus: p.Status}, gatewayError{err}
	}
	if ev.TxRef == "" {
		ev.TxRef = p.TxRef
	}
	if ev.TxRef != p.TxRef {
		return Result{TxRef: p.TxRef, Outcome: OutcomeRejected},
			generic.NewValidationError("transaction_id", "verified transaction belongs to "+string(ev.TxRef))
	}
	if ev.Gateway == "" {
		ev.Gateway = p.Gateway
	}
	ev.Origin = origin
	return e.Reconcile(ctx, ev)
}

// gatewayError marks an error raised by the verifier itself, as opposed to
// one raised while reconciling its answer. Only the former says anything
// about the gateway's record of a payment.
type gatewayError struct{ err error }

func (g gatewayError) Error() string { return g.err.Error() }

func (g gatewayError) Unwrap() error { return g.err }

func fromGateway(err error) bool {
	var g gatewayError
	return errors.As(err, &g)
}

// =============================================================================
// LEDGER VIEW
// =============================================================================

type OrderLedgerLine struct {
	OrderID       generic.OrderID
	Status        generic.OrderStatus
	PaymentStatus generic.PaymentStatus
	Amount        generic.Money
	AmountPaid    generic.Money
	Booked        bool
	Contribution  generic.Money
}

// LedgerView compares the stored balance with the balance derived from the
// customer's orders.
type LedgerView struct {
	User          generic.User
	Balance       generic.Money
	Derived       generic.Money
	LifetimeValue generic.Money
	Consistent    bool
	Orders        []OrderLedgerLine
	Payments      []generic.Payment
}

func (e *Engine) Ledger(ctx context.Context, userID generic.UserID) (LedgerView, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return LedgerView{}, generic.NewTransient("load user", err)
	}
	if user == nil {
		return LedgerView{}, generic.NewNotFound("user", string(userID))
	}
	orders, err := e.store.ListOrdersByCustomer(ctx, userID)
	if err != nil {
		return LedgerView{}, generic.NewTransient("list orders", err)
	}

	view := LedgerView{
		User:          *user,
		Balance:       user.LedgerBalance,
		Derived:       generic.DeriveLedgerBalance(orders),
		LifetimeValue: user.LifetimeValue,
	}
	view.Consistent = view.Derived.Equal(view.Balance)

	for _, o := range orders {
		view.Orders = append(view.Orders, OrderLedgerLine{
			OrderID:       o.ID,
			Status:        o.Status,
			PaymentStatus: o.PaymentStatus,
			Amount:        o.Amount,
			AmountPaid:    o.AmountPaid,
			Booked:        o.LedgerBooked,
			Contribution:  generic.LedgerContribution(o),
		})
		payments, err := e.store.ListPaymentsByOrder(ctx, o.ID)
		if err != nil {
			return LedgerView{}, generic.NewTransient("list payments", err)
		}
		view.Payments = append(view.Payments, payments...)
	}
	return view, nil
}
