/*
Package generic provides the core of the payment reconciliation engine.

PURPOSE:
  This package contains the gateway-agnostic types and pure rules for
  reconciling payments against orders. Whichever gateway confirmed the
  money (card, bank transfer, mobile money), the same ledger arithmetic,
  stock accounting and order state machine apply.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: fixed-point currency amount (decimal.Decimal, major units)
  - Order: what the customer owes and what has been confirmed paid
  - Payment: one gateway transaction, keyed by its txRef
  - User: the ledger-relevant fields of a customer
  - StockHistoryEntry / AdminLog: append-only records

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for every amount, minor units only at the gateway edge
  2. Idempotency: a Payment's TxRef is the deduplication key
  3. Auditability: admin corrections leave EditHistory and AdminLog entries
  4. Immutability: stock history and admin logs are never rewritten

SEE ALSO:
  - ledger.go: Ledger arithmetic (payment deltas)
  - stock.go: Stock accounting
  - order.go: Order state machine
  - store.go: Persistence interfaces
*/
package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Money is a fixed-point amount in major currency units (e.g. 1000.50 NGN).
type Money = decimal.Decimal

var minorUnitFactor = decimal.NewFromInt(100)

// ToMinorUnits converts a major-unit amount to the gateway's minor unit
// (cents/kobo), rounding half away from zero.
func ToMinorUnits(m Money) int64 {
	return m.Mul(minorUnitFactor).Round(0).IntPart()
}

// FromMinorUnits converts a minor-unit integer back to major units.
func FromMinorUnits(v int64) Money {
	return decimal.NewFromInt(v).Div(minorUnitFactor)
}

func NewMoney(value float64) Money { return decimal.NewFromFloat(value) }

func MustParseMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrderID string
type UserID string
type ProductID string
type TxRef string

// =============================================================================
// ORDER
// =============================================================================

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderFulfilled  OrderStatus = "fulfilled"
	OrderCancelled  OrderStatus = "cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderProcessing, OrderFulfilled, OrderCancelled:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentNotPaid    PaymentStatus = "not_paid"
	PaymentIncomplete PaymentStatus = "incomplete"
	PaymentPartial    PaymentStatus = "partial"
	PaymentPaid       PaymentStatus = "paid"
	PaymentFailed     PaymentStatus = "failed"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentNotPaid, PaymentIncomplete, PaymentPartial, PaymentPaid, PaymentFailed:
		return true
	}
	return false
}

type OrderItem struct {
	ProductID ProductID `json:"product_id"`
	Quantity  int       `json:"quantity"`
}

// OrderSnapshot is the prior state captured in an EditRecord.
type OrderSnapshot struct {
	Status        OrderStatus   `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Amount        Money         `json:"amount"`
	AmountPaid    Money         `json:"amount_paid"`
	Items         []OrderItem   `json:"items"`
}

// EditRecord is one entry of an order's append-only edit history.
type EditRecord struct {
	At       time.Time     `json:"at"`
	Actor    string        `json:"actor"`
	Reason   string        `json:"reason,omitempty"`
	Previous OrderSnapshot `json:"previous"`
}

type Order struct {
	ID             OrderID
	CustomerID     UserID
	Amount         Money
	AmountPaid     Money
	Currency       string
	Status         OrderStatus
	PaymentStatus  PaymentStatus
	Items          []OrderItem
	EditHistory    []EditRecord
	PaymentDetails map[string]string

	// LedgerBooked is set once the order amount has been charged to the
	// customer's ledger (first confirmed payment).
	LedgerBooked bool
	// StockCommitted is set once Sale entries were written for the items.
	StockCommitted bool

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outstanding is what the customer still owes on this order.
func (o Order) Outstanding() Money { return o.Amount.Sub(o.AmountPaid) }

func (o Order) Snapshot() OrderSnapshot {
	items := make([]OrderItem, len(o.Items))
	copy(items, o.Items)
	return OrderSnapshot{
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		Amount:        o.Amount,
		AmountPaid:    o.AmountPaid,
		Items:         items,
	}
}

// Clone returns a deep copy so state machine transitions never alias the input.
func (o Order) Clone() Order {
	c := o
	c.Items = append([]OrderItem(nil), o.Items...)
	c.EditHistory = append([]EditRecord(nil), o.EditHistory...)
	if o.PaymentDetails != nil {
		c.PaymentDetails = make(map[string]string, len(o.PaymentDetails))
		for k, v := range o.PaymentDetails {
			c.PaymentDetails[k] = v
		}
	}
	return c
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentRecordStatus string

const (
	TxPending    PaymentRecordStatus = "pending"
	TxSuccessful PaymentRecordStatus = "successful"
	TxPartial    PaymentRecordStatus = "partial"
	TxFailed     PaymentRecordStatus = "failed"
)

// Terminal reports whether the status is final for idempotency purposes.
func (s PaymentRecordStatus) Terminal() bool {
	return s == TxSuccessful || s == TxFailed
}

// Confirmed reports whether the status represents money received.
func (s PaymentRecordStatus) Confirmed() bool {
	return s == TxSuccessful || s == TxPartial
}

type Payment struct {
	TxRef                TxRef
	OrderID              OrderID
	UserID               UserID
	Gateway              string
	Method               string
	Status               PaymentRecordStatus
	Amount               Money // requested at checkout
	AmountPaid           Money // confirmed by the gateway
	Currency             string
	GatewayTransactionID string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether a still-pending payment has outlived its TTL.
func (p Payment) Expired(now time.Time) bool {
	return p.Status == TxPending && !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// =============================================================================
// USER
// =============================================================================

// VirtualAccount is a gateway-issued bank transfer destination.
type VirtualAccount struct {
	Gateway       string `json:"gateway"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
	BankName      string `json:"bank_name"`
	Reference     string `json:"reference"`
}

type User struct {
	ID    UserID
	Email string
	Name  string
	// LedgerBalance is positive when the customer owes the store.
	LedgerBalance  Money
	LifetimeValue  Money
	Currency       string
	VirtualAccount *VirtualAccount

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// STOCK
// =============================================================================

type Product struct {
	ID        ProductID
	Name      string
	Stock     int
	UpdatedAt time.Time
}

type StockEntryType string

const (
	StockInitial     StockEntryType = "initial"
	StockAdminUpdate StockEntryType = "admin_update"
	StockSale        StockEntryType = "sale"
	StockRestock     StockEntryType = "restock"
	StockCorrection  StockEntryType = "correction"
)

func (t StockEntryType) Valid() bool {
	switch t {
	case StockInitial, StockAdminUpdate, StockSale, StockRestock, StockCorrection:
		return true
	}
	return false
}

type StockHistoryEntry struct {
	ID             string
	ProductID      ProductID
	Date           time.Time
	QuantityChange int
	NewStockLevel  int
	Type           StockEntryType
	UpdatedBy      string
	Reference      string // order ID or free-form note
}

// =============================================================================
// ADMIN LOG
// =============================================================================

type AdminAction string

const (
	ActionPaymentReconciled AdminAction = "payment_reconciled"
	ActionPaymentOrphaned   AdminAction = "payment_orphaned"
	ActionPaymentAnomaly    AdminAction = "payment_anomaly"
	ActionPaymentExpired    AdminAction = "payment_expired"
	ActionOrderPaymentSet   AdminAction = "order_payment_set"
	ActionOrderStatusSet    AdminAction = "order_status_set"
	ActionStockUpdated      AdminAction = "stock_updated"
	ActionStockAnomaly      AdminAction = "stock_anomaly"
	ActionAccountIssued     AdminAction = "virtual_account_issued"
)

// AdminLog is an immutable audit entry. Never updated or deleted.
type AdminLog struct {
	ID         string
	ActorID    string
	Action     AdminAction
	TargetType string // "order", "payment", "product", "user"
	TargetID   string
	Details    map[string]any
	Timestamp  time.Time
}

type AdminLogFilter struct {
	ActorID    *string
	TargetType *string
	TargetID   *string
	Actions    []AdminAction
	Limit      int
}

// SystemActor is the actor recorded for gateway-driven changes.
const SystemActor = "system"
