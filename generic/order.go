/*
order.go - Order state machine

PURPOSE:
  The single authoritative writer of Order.Status and Order.PaymentStatus.
  Gateway handlers, the expiry sweep and admin endpoints all describe what
  happened as an OrderEvent and let Transition decide the next state.

STATES:
  Pending -> Processing -> Fulfilled
  Pending/Processing -> Cancelled

  PaymentStatus is an orthogonal axis with two pinned combinations:
    - Cancelled freezes PaymentStatus (no further ledger mutation)
    - Fulfilled requires PaymentStatus in {Paid, Partial}

EVENTS:
  PaymentConfirmed(amount)        gateway confirmed cumulative amount paid
  PaymentFailed                   gateway reported failure / payment expired
  AdminStatusSet(status)          manual status correction
  AdminPaymentSet(amount, status) manual payment correction

CRITICAL INVARIANTS:
  1. PaymentFailed never overwrites a prior successful (full or partial) payment
  2. Any event against a Cancelled order is an InvalidTransitionError
  3. Admin events append an EditRecord with the prior snapshot
  4. PaymentStatus == Paid  <=>  AmountPaid >= Amount

SEE ALSO:
  - ledger.go: ApplyPaymentDelta
  - reconcile/engine.go: Persists TransitionResult atomically
*/
package generic

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EVENTS
// =============================================================================

type OrderEventKind string

const (
	EventPaymentConfirmed OrderEventKind = "payment_confirmed"
	EventPaymentFailed    OrderEventKind = "payment_failed"
	EventAdminStatusSet   OrderEventKind = "admin_status_set"
	EventAdminPaymentSet  OrderEventKind = "admin_payment_set"
)

type OrderEvent struct {
	Kind OrderEventKind

	// Amount is the order's new cumulative amount paid
	// (PaymentConfirmed, AdminPaymentSet).
	Amount Money
	// Status is the requested order status (AdminStatusSet).
	Status OrderStatus
	// PaymentStatus is an optional explicit payment status (AdminPaymentSet).
	PaymentStatus PaymentStatus

	Actor  string
	Reason string
	At     time.Time
}

func PaymentConfirmed(amount Money, at time.Time) OrderEvent {
	return OrderEvent{Kind: EventPaymentConfirmed, Amount: amount, Actor: SystemActor, At: at}
}

func PaymentFailedEvent(at time.Time) OrderEvent {
	return OrderEvent{Kind: EventPaymentFailed, Actor: SystemActor, At: at}
}

func AdminStatusSet(status OrderStatus, actor, reason string, at time.Time) OrderEvent {
	return OrderEvent{Kind: EventAdminStatusSet, Status: status, Actor: actor, Reason: reason, At: at}
}

func AdminPaymentSet(amount Money, status PaymentStatus, actor, reason string, at time.Time) OrderEvent {
	return OrderEvent{Kind: EventAdminPaymentSet, Amount: amount, PaymentStatus: status, Actor: actor, Reason: reason, At: at}
}

// TransitionResult describes the new order state and the side effects the
// caller must persist alongside it.
type TransitionResult struct {
	Order   Order
	Changed bool

	// LedgerDelta is the total change to the customer's ledger balance,
	// including the booking charge when the order is booked by this event.
	LedgerDelta Money
	// PaymentDifference is the change in AmountPaid (drives LifetimeValue).
	PaymentDifference Money
	Booked            bool

	// CommitStock asks the caller to write Sale entries for the items.
	CommitStock bool
	// ReleaseStock asks the caller to write Restock entries for the items.
	ReleaseStock bool

	// Edited is true when an EditRecord was appended (admin events).
	Edited bool
}

func unchanged(order Order) TransitionResult {
	return TransitionResult{Order: order, LedgerDelta: decimal.Zero, PaymentDifference: decimal.Zero}
}

// =============================================================================
// TRANSITION
// =============================================================================

// Transition applies ev to order and returns the resulting state. The input
// order is never mutated.
func Transition(order Order, ev OrderEvent) (TransitionResult, error) {
	if order.Status == OrderCancelled {
		return TransitionResult{}, &InvalidTransitionError{
			OrderID: order.ID, From: order.Status, Event: string(ev.Kind),
			Reason: "order is cancelled",
		}
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	switch ev.Kind {
	case EventPaymentConfirmed:
		return applyPaymentConfirmed(order, ev)
	case EventPaymentFailed:
		return applyPaymentFailed(order, ev)
	case EventAdminStatusSet:
		return applyAdminStatus(order, ev)
	case EventAdminPaymentSet:
		return applyAdminPayment(order, ev)
	}
	return TransitionResult{}, NewValidationError("event", fmt.Sprintf("unknown order event %q", ev.Kind))
}

func applyPaymentConfirmed(order Order, ev OrderEvent) (TransitionResult, error) {
	if !ev.Amount.IsPositive() {
		return TransitionResult{}, NewValidationError("amount_paid", "confirmed payment must be positive")
	}
	if ev.Amount.LessThan(order.AmountPaid) {
		return TransitionResult{}, NewValidationError("amount_paid",
			fmt.Sprintf("confirmed total %s is below already paid %s", ev.Amount, order.AmountPaid))
	}

	change, err := ApplyPaymentDelta(order, ev.Amount, OriginGateway)
	if err != nil {
		return TransitionResult{}, err
	}

	next := order.Clone()
	next.AmountPaid = ev.Amount
	next.PaymentStatus = change.PaymentStatus
	if next.Status == OrderPending {
		next.Status = OrderProcessing
	}

	res := TransitionResult{
		Order:             next,
		LedgerDelta:       change.LedgerDelta,
		PaymentDifference: change.PaymentDifference,
	}
	book(&res)
	commitOnProcessing(&res)
	res.Changed = stateDiffers(order, res.Order) || res.Booked
	if res.Changed {
		res.Order.UpdatedAt = ev.At
	}
	return res, nil
}

func applyPaymentFailed(order Order, ev OrderEvent) (TransitionResult, error) {
	// A failed attempt never overwrites money already received.
	if order.AmountPaid.IsPositive() || order.PaymentStatus == PaymentPaid || order.PaymentStatus == PaymentPartial {
		return unchanged(order), nil
	}

	next := order.Clone()
	next.Status = OrderCancelled
	next.PaymentStatus = PaymentFailed
	next.UpdatedAt = ev.At

	res := unchanged(next)
	res.Changed = true
	if order.StockCommitted {
		res.ReleaseStock = true
		res.Order.StockCommitted = false
	}
	return res, nil
}

func applyAdminStatus(order Order, ev OrderEvent) (TransitionResult, error) {
	if !ev.Status.Valid() {
		return TransitionResult{}, NewValidationError("status", fmt.Sprintf("unknown order status %q", ev.Status))
	}
	if ev.Status == order.Status {
		return unchanged(order), nil
	}
	if !edgeAllowed(order.Status, ev.Status) {
		return TransitionResult{}, &InvalidTransitionError{
			OrderID: order.ID, From: order.Status, Event: string(ev.Kind),
			Reason: fmt.Sprintf("no edge to %s", ev.Status),
		}
	}
	if ev.Status == OrderFulfilled && !fulfillable(order.PaymentStatus) {
		return TransitionResult{}, &InvalidTransitionError{
			OrderID: order.ID, From: order.Status, Event: string(ev.Kind),
			Reason: fmt.Sprintf("fulfilment requires paid or partial payment, have %s", order.PaymentStatus),
		}
	}

	next := order.Clone()
	next.Status = ev.Status
	res := unchanged(next)
	res.Changed = true

	if ev.Status == OrderCancelled && order.StockCommitted {
		res.ReleaseStock = true
		res.Order.StockCommitted = false
	}
	commitOnProcessing(&res)
	appendEdit(&res, order, ev)
	return res, nil
}

func applyAdminPayment(order Order, ev OrderEvent) (TransitionResult, error) {
	change, err := ApplyPaymentDelta(order, ev.Amount, OriginAdmin)
	if err != nil {
		return TransitionResult{}, err
	}

	status := change.PaymentStatus
	if ev.PaymentStatus != "" {
		if err := checkExplicitPaymentStatus(order, ev.Amount, ev.PaymentStatus); err != nil {
			return TransitionResult{}, err
		}
		status = ev.PaymentStatus
	}

	if order.Status == OrderFulfilled && !fulfillable(status) {
		return TransitionResult{}, &InvalidTransitionError{
			OrderID: order.ID, From: order.Status, Event: string(ev.Kind),
			Reason: fmt.Sprintf("fulfilled order cannot move to payment status %s", status),
		}
	}

	next := order.Clone()
	next.AmountPaid = ev.Amount
	next.PaymentStatus = status

	res := TransitionResult{
		Order:             next,
		LedgerDelta:       change.LedgerDelta,
		PaymentDifference: change.PaymentDifference,
	}
	if ev.Amount.IsPositive() {
		book(&res)
	}
	res.Changed = stateDiffers(order, res.Order) || res.Booked
	if !res.Changed {
		return unchanged(order), nil
	}
	appendEdit(&res, order, ev)
	return res, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func edgeAllowed(from, to OrderStatus) bool {
	switch from {
	case OrderPending:
		return to == OrderProcessing || to == OrderCancelled
	case OrderProcessing:
		return to == OrderFulfilled || to == OrderCancelled
	}
	return false
}

func fulfillable(s PaymentStatus) bool {
	return s == PaymentPaid || s == PaymentPartial
}

func checkExplicitPaymentStatus(order Order, amount Money, status PaymentStatus) error {
	if !status.Valid() {
		return NewValidationError("payment_status", fmt.Sprintf("unknown payment status %q", status))
	}
	full := amount.GreaterThanOrEqual(order.Amount)
	zero := !amount.IsPositive()
	ok := false
	switch status {
	case PaymentPaid:
		ok = full
	case PaymentPartial, PaymentIncomplete:
		ok = !full && !zero
	case PaymentNotPaid, PaymentFailed:
		ok = zero
	}
	if !ok {
		return NewValidationError("payment_status",
			fmt.Sprintf("status %s is inconsistent with amount paid %s of %s", status, amount, order.Amount))
	}
	return nil
}

// book charges the order amount to the ledger the first time money lands.
func book(res *TransitionResult) {
	if res.Order.LedgerBooked {
		return
	}
	res.LedgerDelta = res.LedgerDelta.Add(res.Order.Amount)
	res.Order.LedgerBooked = true
	res.Booked = true
}

func commitOnProcessing(res *TransitionResult) {
	if res.Order.Status == OrderProcessing && !res.Order.StockCommitted && len(res.Order.Items) > 0 {
		res.CommitStock = true
		res.Order.StockCommitted = true
	}
}

func appendEdit(res *TransitionResult, prior Order, ev OrderEvent) {
	res.Order.EditHistory = append(res.Order.EditHistory, EditRecord{
		At:       ev.At,
		Actor:    ev.Actor,
		Reason:   ev.Reason,
		Previous: prior.Snapshot(),
	})
	res.Order.UpdatedAt = ev.At
	res.Edited = true
}

func stateDiffers(a, b Order) bool {
	return a.Status != b.Status ||
		a.PaymentStatus != b.PaymentStatus ||
		!a.AmountPaid.Equal(b.AmountPaid) ||
		a.StockCommitted != b.StockCommitted
}
