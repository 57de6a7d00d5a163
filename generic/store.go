/*
store.go - Persistence interface for payments, orders, users, stock and audit

PURPOSE:
  Defines the interface between the reconciliation logic and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:   Reads and writes of every durable record
  TxStore: Store + WithTx, the unit of work used by the engine

ATOMIC UNIT OF WORK:
  Reconciling a payment writes the Payment, the Order and the User (and
  possibly stock entries and an admin log). WithTx makes that all-or-nothing:
  if any write fails, none are visible, and the still-pending Payment lets
  the next attempt redo the whole thing.

OPTIMISTIC CONCURRENCY:
  Payment, Order and User carry a Version. UpdatePayment/SaveOrder/SaveUser
  only succeed when the stored version equals the given one and bump it;
  otherwise they return ErrConcurrentModification. Version 0 means insert.

APPEND-ONLY RECORDS:
  StockHistoryEntry and AdminLog have Append methods only. No update, no delete.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (WAL)
  - generic/store/memory.go: In-memory for tests

SEE ALSO:
  - reconcile/engine.go: Uses TxStore.WithTx for every reconciliation
*/
package generic

import (
	"context"
	"time"
)

// Store handles persistence of reconciliation state.
// Get* methods return (nil, nil) when the record does not exist.
type Store interface {
	// Payments (keyed by txRef, which is immutable)
	CreatePayment(ctx context.Context, p Payment) error
	UpdatePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, ref TxRef) (*Payment, error)
	ListPaymentsByOrder(ctx context.Context, orderID OrderID) ([]Payment, error)
	// ListPendingPayments returns pending payments created at or before cutoff,
	// oldest first.
	ListPendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]Payment, error)

	// Orders
	SaveOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id OrderID) (*Order, error)
	ListOrdersByCustomer(ctx context.Context, customerID UserID) ([]Order, error)

	// Users
	SaveUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id UserID) (*User, error)

	// Products and stock history (append-only)
	SaveProduct(ctx context.Context, p Product) error
	GetProducts(ctx context.Context, ids []ProductID) (map[ProductID]Product, error)
	AppendStockEntry(ctx context.Context, e StockHistoryEntry) error
	StockHistory(ctx context.Context, id ProductID) ([]StockHistoryEntry, error)

	// Admin log (append-only)
	AppendAdminLog(ctx context.Context, entry AdminLog) error
	QueryAdminLogs(ctx context.Context, filter AdminLogFilter) ([]AdminLog, error)

	// Reconciliation sweep runs
	SaveReconciliationRun(ctx context.Context, run ReconciliationRun) error
	ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// ReconciliationRun records one sweep over pending payments.
type ReconciliationRun struct {
	ID          string
	StartedAt   time.Time
	CompletedAt *time.Time
	Trigger     string // "scheduler", "admin", "cli"
	Scanned     int
	Applied     int
	Expired     int
	Unknown     int // verification timed out or was indeterminate
	Errors      int
	Status      string // running, completed, failed
	Error       string
}
