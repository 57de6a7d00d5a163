package generic_test

import (
	"errors"
	"testing"

	"github.com/warp/payment-reconciler/generic"
)

func TestApplyPaymentDelta(t *testing.T) {
	tests := []struct {
		name       string
		paid       string
		newPaid    string
		origin     generic.PaymentOrigin
		wantStatus generic.PaymentStatus
		wantDelta  string
	}{
		{"gateway full", "0", "1000", generic.OriginGateway, generic.PaymentPaid, "-1000"},
		{"gateway overpay", "0", "1200", generic.OriginGateway, generic.PaymentPaid, "-1200"},
		{"gateway partial", "0", "400", generic.OriginGateway, generic.PaymentPartial, "-400"},
		{"admin partial is incomplete", "0", "400", generic.OriginAdmin, generic.PaymentIncomplete, "-400"},
		{"admin top up", "400", "1000", generic.OriginAdmin, generic.PaymentPaid, "-600"},
		{"admin reversal", "400", "0", generic.OriginAdmin, generic.PaymentNotPaid, "400"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrder("1000")
			o.AmountPaid = money(tt.paid)

			change, err := generic.ApplyPaymentDelta(o, money(tt.newPaid), tt.origin)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if change.PaymentStatus != tt.wantStatus {
				t.Errorf("expected %s, got %s", tt.wantStatus, change.PaymentStatus)
			}
			assertMoney(t, "ledger delta", tt.wantDelta, change.LedgerDelta)
			if !change.PaymentDifference.Equal(change.LedgerDelta.Neg()) {
				t.Errorf("payment difference %s should mirror ledger delta %s", change.PaymentDifference, change.LedgerDelta)
			}
		})
	}
}

func TestApplyPaymentDelta_NegativeRejected(t *testing.T) {
	_, err := generic.ApplyPaymentDelta(newOrder("1000"), money("-1"), generic.OriginAdmin)

	if !errors.Is(err, generic.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDeriveLedgerBalance_MatchesIncrementalUpdates(t *testing.T) {
	// GIVEN: Three orders driven through the state machine
	// WHEN: Summing their ledger deltas as the engine would
	// THEN: The derived balance equals the running total

	running := money("0")
	apply := func(o generic.Order, ev generic.OrderEvent) generic.Order {
		res := mustTransition(t, o, ev)
		running = running.Add(res.LedgerDelta)
		return res.Order
	}

	a := apply(newOrder("1000"), generic.PaymentConfirmed(money("700"), at))
	b := newOrder("250")
	b.ID = "ord-2"
	b = apply(b, generic.PaymentConfirmed(money("250"), at))
	c := newOrder("900")
	c.ID = "ord-3"
	c = apply(c, generic.PaymentFailedEvent(at))

	derived := generic.DeriveLedgerBalance([]generic.Order{a, b, c})

	assertMoney(t, "derived", "300", derived)
	assertMoney(t, "running", "300", running)
}

func TestLedgerContribution_UnbookedOrderOwesNothing(t *testing.T) {
	o := newOrder("1000")

	assertMoney(t, "contribution", "0", generic.LedgerContribution(o))
	assertMoney(t, "booking delta", "1000", generic.BookingDelta(o))

	o.LedgerBooked = true
	assertMoney(t, "booking delta once booked", "0", generic.BookingDelta(o))
}

func TestMinorUnits(t *testing.T) {
	if got := generic.ToMinorUnits(money("1000.505")); got != 100051 {
		t.Errorf("expected 100051, got %d", got)
	}
	if got := generic.ToMinorUnits(money("25")); got != 2500 {
		t.Errorf("expected 2500, got %d", got)
	}
	assertMoney(t, "from minor", "1.5", generic.FromMinorUnits(150))
}
