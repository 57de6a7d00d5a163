/*
Package gateway defines the capability interfaces every payment provider
implements and the canonical event they normalize into.

PURPOSE:
  Card, bank-transfer and mobile-money providers all speak different JSON.
  Each provider package translates its own payloads into a PaymentEvent so
  the reconciliation engine never sees provider specifics.

CAPABILITIES:
  Adapter              - mandatory: name + verified webhook parsing (push)
  Verifier             - optional: synchronous verify/query call (pull)
  Initiator            - optional: create-transaction at checkout
  VirtualAccountIssuer - optional: issue a dedicated bank-transfer account

  Capabilities are discovered with type assertions, the same way the
  registry hands out adapters by name.

STATUS NORMALIZATION:
  Successful | Partial | Failed | Pending. An unrecognized provider status
  is Pending, which the engine treats as "no state change".

AMOUNTS:
  PaymentEvent.AmountPaid is always major units. Outbound calls carry the
  amount in minor units (ToMinorUnits); inbound payloads are converted per
  provider.

SEE ALSO:
  - signature.go: HMAC verification helpers
  - fields.go: Tolerant payload reader
  - client.go: Bounded-timeout outbound HTTP client
*/
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/warp/payment-reconciler/generic"
)

// EventStatus is the canonical outcome a provider reported.
type EventStatus string

const (
	StatusSuccessful EventStatus = "successful"
	StatusPartial    EventStatus = "partial"
	StatusFailed     EventStatus = "failed"
	StatusPending    EventStatus = "pending"
)

// EventOrigin records how the engine learned about an event.
type EventOrigin string

const (
	OriginWebhook  EventOrigin = "webhook"
	OriginCallback EventOrigin = "callback"
	OriginSweep    EventOrigin = "sweep"
	OriginExpiry   EventOrigin = "expiry"
)

// PaymentEvent is the provider-agnostic notification the engine reconciles.
type PaymentEvent struct {
	TxRef   generic.TxRef
	Gateway string
	Status  EventStatus

	// AmountPaid is the cumulative amount the provider confirmed for this
	// txRef, in major units.
	AmountPaid generic.Money
	Currency   string

	// RawReference is the provider's own reference (flw_ref, MNFY|..., etc).
	RawReference  string
	TransactionID string
	Method        string

	Origin     EventOrigin
	ReceivedAt time.Time
}

// Confirmed reports whether the event carries money received.
func (e PaymentEvent) Confirmed() bool {
	return e.Status == StatusSuccessful || e.Status == StatusPartial
}

// Adapter is the capability every provider implements.
type Adapter interface {
	Name() string

	// ParseWebhook verifies the signature over the raw body and then
	// normalizes the payload. A bad signature is an AuthenticationError;
	// an unparseable payload is a ValidationError.
	ParseWebhook(header http.Header, body []byte) (PaymentEvent, error)
}

// VerifyRequest identifies a transaction for a pull verification.
type VerifyRequest struct {
	TxRef         generic.TxRef
	TransactionID string
}

// Verifier performs a synchronous verification against the provider.
// A call that runs out of time returns an error wrapping
// generic.ErrGatewayTimeout: the outcome is unknown, not failed.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (PaymentEvent, error)
}

// CheckoutRequest is what a provider needs to open a transaction.
type CheckoutRequest struct {
	TxRef         generic.TxRef
	OrderID       generic.OrderID
	Amount        generic.Money // major units; adapters send ToMinorUnits(Amount)
	Currency      string
	Email         string
	Name          string
	Phone         string
	RedirectURL   string
	// TransactionID is set when the provider lets the merchant pick the
	// transaction id (see ReferenceAssigner). It is already stored on the
	// payment by the time the provider is called.
	TransactionID string
}

// CheckoutResult carries where to send the customer and the correlation
// fields worth keeping on the order.
type CheckoutResult struct {
	RedirectURL   string
	TransactionID string
	Details       map[string]string
}

// Initiator creates a transaction at checkout time.
type Initiator interface {
	CreateTransaction(ctx context.Context, req CheckoutRequest) (CheckoutResult, error)
}

// ReferenceAssigner is implemented by providers whose transaction id is
// chosen by the merchant rather than returned by the provider. Checkout
// stores the id before calling CreateTransaction, so a call that times out
// can still be verified later.
type ReferenceAssigner interface {
	NewTransactionID() string
}

// AccountRequest asks a provider for a dedicated bank-transfer account.
type AccountRequest struct {
	UserID   generic.UserID
	Email    string
	Name     string
	Currency string
}

// VirtualAccountIssuer issues dedicated virtual accounts.
type VirtualAccountIssuer interface {
	IssueVirtualAccount(ctx context.Context, req AccountRequest) (generic.VirtualAccount, error)
}

// NormalizeStatus maps a provider status through table, defaulting to
// Pending for anything it does not know.
func NormalizeStatus(table map[string]EventStatus, raw string) EventStatus {
	if s, ok := table[raw]; ok {
		return s
	}
	return StatusPending
}
