/*
ledger.go - Ledger arithmetic

PURPOSE:
  Computes how a change in an order's confirmed payments moves the
  customer's running ledger balance, and which payment status results.
  Pure functions, no persistence.

LEDGER MODEL:
  ledgerBalance > 0 means the customer owes the store. It moves only by:
    + order amount, when the order is booked (first confirmed payment)
    - payment delta, whenever amountPaid changes

  For every booked order the contribution is amount - amountPaid, so
  summing over a customer's booked orders reproduces ledgerBalance.

EXAMPLE:
  Order amount 1000, booked, gateway confirms 700:
    booking      +1000
    payment       -700
    ledger net    +300  (shortfall carried as customer debt)

SEE ALSO:
  - order.go: State machine that calls ApplyPaymentDelta
  - reconcile/engine.go: Books orders and persists ledger deltas
*/
package generic

import "github.com/shopspring/decimal"

// PaymentOrigin distinguishes gateway-confirmed money from admin edits.
type PaymentOrigin string

const (
	OriginGateway PaymentOrigin = "gateway"
	OriginAdmin   PaymentOrigin = "admin"
)

// LedgerChange is the result of ApplyPaymentDelta.
type LedgerChange struct {
	PaymentDifference Money
	LedgerDelta       Money
	PaymentStatus     PaymentStatus
}

// ApplyPaymentDelta computes the ledger delta and resulting payment status
// when an order's cumulative confirmed payments move to newAmountPaid.
//
// Between zero and the full amount the status depends on origin: a gateway
// confirmation is Partial (money received), an admin entry is Incomplete.
func ApplyPaymentDelta(order Order, newAmountPaid Money, origin PaymentOrigin) (LedgerChange, error) {
	if newAmountPaid.IsNegative() {
		return LedgerChange{}, NewValidationError("amount_paid", "must not be negative")
	}

	diff := newAmountPaid.Sub(order.AmountPaid)
	change := LedgerChange{
		PaymentDifference: diff,
		LedgerDelta:       diff.Neg(),
	}

	switch {
	case newAmountPaid.GreaterThanOrEqual(order.Amount):
		change.PaymentStatus = PaymentPaid
	case !newAmountPaid.IsPositive():
		change.PaymentStatus = PaymentNotPaid
	case origin == OriginGateway:
		change.PaymentStatus = PaymentPartial
	default:
		change.PaymentStatus = PaymentIncomplete
	}
	return change, nil
}

// BookingDelta is the ledger charge applied when an order is first booked.
func BookingDelta(order Order) Money {
	if order.LedgerBooked {
		return decimal.Zero
	}
	return order.Amount
}

// LedgerContribution is what one order adds to its customer's ledger.
func LedgerContribution(order Order) Money {
	if !order.LedgerBooked {
		return decimal.Zero
	}
	return order.Outstanding()
}

// DeriveLedgerBalance recomputes a customer's balance from their orders.
// Used for audits; the stored balance is maintained incrementally.
func DeriveLedgerBalance(orders []Order) Money {
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(LedgerContribution(o))
	}
	return total
}
