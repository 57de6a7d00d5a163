/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.Store and generic.TxStore using SQLite. In production,
  the same patterns apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  payments:            One row per gateway transaction, keyed by tx_ref
  orders:              Orders with items, edit history and payment details (JSON)
  users:               Ledger-relevant customer fields
  products:            Current stock level
  stock_history:       Append-only stock movements
  admin_logs:          Append-only audit trail
  reconciliation_runs: Sweep bookkeeping

APPEND-ONLY ENFORCEMENT:
  stock_history and admin_logs carry triggers that abort any UPDATE or
  DELETE, so the append-only contract holds even for ad-hoc SQL.

OPTIMISTIC CONCURRENCY:
  payments, orders and users have a version column. Updates are
  "UPDATE ... WHERE key = ? AND version = ?"; zero affected rows means
  another writer won and ErrConcurrentModification is returned.

CONCURRENCY:
  The pool is limited to one connection. SQLite allows a single writer
  anyway, and it keeps ":memory:" databases shared across calls. A
  WithTx holds that connection until commit, so every other call waits.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better crash recovery.

USAGE:
  store, err := sqlite.New("./data/reconciler.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/payment-reconciler/generic"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	queries
	db *sql.DB
}

var (
	_ generic.TxStore = (*Store)(nil)
	_ generic.Store   = queries{}
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable (health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS payments (
		tx_ref TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		gateway TEXT NOT NULL,
		method TEXT,
		status TEXT NOT NULL,
		amount TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		currency TEXT NOT NULL,
		gateway_tx_id TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		expires_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payments_order ON payments(order_id);
	-- Sweep hot path: oldest pending first
	CREATE INDEX IF NOT EXISTS idx_payments_pending
		ON payments(status, created_at) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		items_json TEXT NOT NULL,
		edit_history_json TEXT NOT NULL,
		payment_details_json TEXT,
		ledger_booked BOOLEAN NOT NULL DEFAULT FALSE,
		stock_committed BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_customer ON orders(customer_id, created_at);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT,
		name TEXT,
		ledger_balance TEXT NOT NULL,
		lifetime_value TEXT NOT NULL,
		currency TEXT NOT NULL,
		virtual_account_json TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		stock INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stock_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		product_id TEXT NOT NULL,
		date TEXT NOT NULL,
		quantity_change INTEGER NOT NULL,
		new_stock_level INTEGER NOT NULL,
		type TEXT NOT NULL,
		updated_by TEXT NOT NULL,
		reference TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_stock_history_product ON stock_history(product_id, seq);

	CREATE TRIGGER IF NOT EXISTS stock_history_no_update BEFORE UPDATE ON stock_history
	BEGIN SELECT RAISE(ABORT, 'stock_history is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS stock_history_no_delete BEFORE DELETE ON stock_history
	BEGIN SELECT RAISE(ABORT, 'stock_history is append-only'); END;

	CREATE TABLE IF NOT EXISTS admin_logs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		details_json TEXT,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_admin_logs_target ON admin_logs(target_type, target_id);
	CREATE INDEX IF NOT EXISTS idx_admin_logs_actor ON admin_logs(actor_id);

	CREATE TRIGGER IF NOT EXISTS admin_logs_no_update BEFORE UPDATE ON admin_logs
	BEGIN SELECT RAISE(ABORT, 'admin_logs is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS admin_logs_no_delete BEFORE DELETE ON admin_logs
	BEGIN SELECT RAISE(ABORT, 'admin_logs is append-only'); END;

	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		trigger TEXT NOT NULL,
		status TEXT NOT NULL,
		scanned INTEGER DEFAULT 0,
		applied INTEGER DEFAULT 0,
		expired INTEGER DEFAULT 0,
		unknown INTEGER DEFAULT 0,
		errors INTEGER DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return generic.NewTransient("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return generic.NewTransient("commit transaction", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements generic.Store over a querier.
type queries struct {
	q querier
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `tx_ref, order_id, user_id, gateway, method, status, amount, amount_paid,
	currency, gateway_tx_id, version, created_at, updated_at, expires_at`

func (s queries) CreatePayment(ctx context.Context, p generic.Payment) error {
	query := `INSERT INTO payments (` + paymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`

	_, err := s.q.ExecContext(ctx, query,
		p.TxRef, p.OrderID, p.UserID, p.Gateway, p.Method, p.Status,
		p.Amount.String(), p.AmountPaid.String(), p.Currency,
		nullString(p.GatewayTransactionID),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt), nullTime(p.ExpiresAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateTxRef
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (s queries) UpdatePayment(ctx context.Context, p generic.Payment) error {
	query := `
		UPDATE payments SET
			status = ?, amount_paid = ?, gateway_tx_id = ?, method = ?,
			updated_at = ?, expires_at = ?, version = version + 1
		WHERE tx_ref = ? AND version = ?
	`
	res, err := s.q.ExecContext(ctx, query,
		p.Status, p.AmountPaid.String(), nullString(p.GatewayTransactionID), p.Method,
		formatTime(p.UpdatedAt), nullTime(p.ExpiresAt),
		p.TxRef, p.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return s.checkVersioned(ctx, res, "payments", "tx_ref", string(p.TxRef), "payment")
}

func (s queries) GetPayment(ctx context.Context, ref generic.TxRef) (*generic.Payment, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE tx_ref = ?`, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment: %w", err)
	}
	payments, err := scanPayments(rows)
	if err != nil || len(payments) == 0 {
		return nil, err
	}
	return &payments[0], nil
}

func (s queries) ListPaymentsByOrder(ctx context.Context, orderID generic.OrderID) ([]generic.Payment, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = ? ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	return scanPayments(rows)
}

func (s queries) ListPendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]generic.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = 'pending' AND created_at <= ?
		ORDER BY created_at ASC`
	args := []any{formatTime(cutoff)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending payments: %w", err)
	}
	return scanPayments(rows)
}

func scanPayments(rows *sql.Rows) ([]generic.Payment, error) {
	defer rows.Close()

	var payments []generic.Payment
	for rows.Next() {
		var (
			p                              generic.Payment
			amount, amountPaid             string
			method, gatewayTxID, expiresAt sql.NullString
			createdAt, updatedAt           string
		)
		if err := rows.Scan(
			&p.TxRef, &p.OrderID, &p.UserID, &p.Gateway, &method, &p.Status,
			&amount, &amountPaid, &p.Currency, &gatewayTxID, &p.Version,
			&createdAt, &updatedAt, &expiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Method = method.String
		p.Amount = generic.MustParseMoney(amount)
		p.AmountPaid = generic.MustParseMoney(amountPaid)
		p.GatewayTransactionID = gatewayTxID.String
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		p.ExpiresAt = parseTime(expiresAt.String)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// =============================================================================
// ORDERS
// =============================================================================

const orderColumns = `id, customer_id, amount, amount_paid, currency, status, payment_status,
	items_json, edit_history_json, payment_details_json, ledger_booked, stock_committed,
	version, created_at, updated_at`

func (s queries) SaveOrder(ctx context.Context, o generic.Order) error {
	itemsJSON, _ := json.Marshal(nonNilItems(o.Items))
	historyJSON, _ := json.Marshal(nonNilHistory(o.EditHistory))
	detailsJSON, _ := json.Marshal(o.PaymentDetails)

	if o.Version == 0 {
		query := `INSERT INTO orders (` + orderColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`
		_, err := s.q.ExecContext(ctx, query,
			o.ID, o.CustomerID, o.Amount.String(), o.AmountPaid.String(), o.Currency,
			o.Status, o.PaymentStatus, string(itemsJSON), string(historyJSON), string(detailsJSON),
			o.LedgerBooked, o.StockCommitted, formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return generic.ErrConcurrentModification
			}
			return fmt.Errorf("failed to insert order: %w", err)
		}
		return nil
	}

	query := `
		UPDATE orders SET
			amount = ?, amount_paid = ?, currency = ?, status = ?, payment_status = ?,
			items_json = ?, edit_history_json = ?, payment_details_json = ?,
			ledger_booked = ?, stock_committed = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	res, err := s.q.ExecContext(ctx, query,
		o.Amount.String(), o.AmountPaid.String(), o.Currency, o.Status, o.PaymentStatus,
		string(itemsJSON), string(historyJSON), string(detailsJSON),
		o.LedgerBooked, o.StockCommitted, formatTime(o.UpdatedAt),
		o.ID, o.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return s.checkVersioned(ctx, res, "orders", "id", string(o.ID), "order")
}

func (s queries) GetOrder(ctx context.Context, id generic.OrderID) (*generic.Order, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	orders, err := scanOrders(rows)
	if err != nil || len(orders) == 0 {
		return nil, err
	}
	return &orders[0], nil
}

func (s queries) ListOrdersByCustomer(ctx context.Context, customerID generic.UserID) ([]generic.Order, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE customer_id = ? ORDER BY created_at ASC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]generic.Order, error) {
	defer rows.Close()

	var orders []generic.Order
	for rows.Next() {
		var (
			o                      generic.Order
			amount, amountPaid     string
			itemsJSON, historyJSON string
			detailsJSON            sql.NullString
			createdAt, updatedAt   string
		)
		if err := rows.Scan(
			&o.ID, &o.CustomerID, &amount, &amountPaid, &o.Currency, &o.Status, &o.PaymentStatus,
			&itemsJSON, &historyJSON, &detailsJSON, &o.LedgerBooked, &o.StockCommitted,
			&o.Version, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Amount = generic.MustParseMoney(amount)
		o.AmountPaid = generic.MustParseMoney(amountPaid)
		if err := json.Unmarshal([]byte(itemsJSON), &o.Items); err != nil {
			return nil, fmt.Errorf("failed to decode items of order %s: %w", o.ID, err)
		}
		if err := json.Unmarshal([]byte(historyJSON), &o.EditHistory); err != nil {
			return nil, fmt.Errorf("failed to decode edit history of order %s: %w", o.ID, err)
		}
		if detailsJSON.Valid && detailsJSON.String != "" && detailsJSON.String != "null" {
			json.Unmarshal([]byte(detailsJSON.String), &o.PaymentDetails)
		}
		o.CreatedAt = parseTime(createdAt)
		o.UpdatedAt = parseTime(updatedAt)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// =============================================================================
// USERS
// =============================================================================

func (s queries) SaveUser(ctx context.Context, u generic.User) error {
	var vaJSON sql.NullString
	if u.VirtualAccount != nil {
		b, _ := json.Marshal(u.VirtualAccount)
		vaJSON = sql.NullString{String: string(b), Valid: true}
	}

	if u.Version == 0 {
		query := `
			INSERT INTO users (id, email, name, ledger_balance, lifetime_value, currency,
				virtual_account_json, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		`
		_, err := s.q.ExecContext(ctx, query,
			u.ID, u.Email, u.Name, u.LedgerBalance.String(), u.LifetimeValue.String(), u.Currency,
			vaJSON, formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return generic.ErrConcurrentModification
			}
			return fmt.Errorf("failed to insert user: %w", err)
		}
		return nil
	}

	query := `
		UPDATE users SET
			email = ?, name = ?, ledger_balance = ?, lifetime_value = ?, currency = ?,
			virtual_account_json = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	res, err := s.q.ExecContext(ctx, query,
		u.Email, u.Name, u.LedgerBalance.String(), u.LifetimeValue.String(), u.Currency,
		vaJSON, formatTime(u.UpdatedAt), u.ID, u.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return s.checkVersioned(ctx, res, "users", "id", string(u.ID), "user")
}

func (s queries) GetUser(ctx context.Context, id generic.UserID) (*generic.User, error) {
	var (
		u                    generic.User
		email, name, vaJSON  sql.NullString
		balance, lifetime    string
		createdAt, updatedAt string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, email, name, ledger_balance, lifetime_value, currency,
			virtual_account_json, version, created_at, updated_at
		FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &email, &name, &balance, &lifetime, &u.Currency, &vaJSON, &u.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	u.Email = email.String
	u.Name = name.String
	u.LedgerBalance = generic.MustParseMoney(balance)
	u.LifetimeValue = generic.MustParseMoney(lifetime)
	if vaJSON.Valid && vaJSON.String != "" {
		var va generic.VirtualAccount
		if err := json.Unmarshal([]byte(vaJSON.String), &va); err == nil {
			u.VirtualAccount = &va
		}
	}
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

// =============================================================================
// PRODUCTS & STOCK HISTORY
// =============================================================================

func (s queries) SaveProduct(ctx context.Context, p generic.Product) error {
	query := `
		INSERT INTO products (id, name, stock, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			stock = excluded.stock,
			updated_at = excluded.updated_at
	`
	_, err := s.q.ExecContext(ctx, query, p.ID, p.Name, p.Stock, formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

func (s queries) GetProducts(ctx context.Context, ids []generic.ProductID) (map[generic.ProductID]generic.Product, error) {
	out := make(map[generic.ProductID]generic.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, stock, updated_at FROM products WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p generic.Product
		var updatedAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.Stock, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		p.UpdatedAt = parseTime(updatedAt)
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (s queries) AppendStockEntry(ctx context.Context, e generic.StockHistoryEntry) error {
	query := `
		INSERT INTO stock_history (id, product_id, date, quantity_change, new_stock_level, type, updated_by, reference)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.q.ExecContext(ctx, query,
		e.ID, e.ProductID, formatTime(e.Date), e.QuantityChange, e.NewStockLevel, e.Type, e.UpdatedBy,
		nullString(e.Reference),
	)
	if err != nil {
		return fmt.Errorf("failed to append stock entry: %w", err)
	}
	return nil
}

func (s queries) StockHistory(ctx context.Context, id generic.ProductID) ([]generic.StockHistoryEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, product_id, date, quantity_change, new_stock_level, type, updated_by, reference
		FROM stock_history WHERE product_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock history: %w", err)
	}
	defer rows.Close()

	var entries []generic.StockHistoryEntry
	for rows.Next() {
		var e generic.StockHistoryEntry
		var date string
		var reference sql.NullString
		if err := rows.Scan(&e.ID, &e.ProductID, &date, &e.QuantityChange, &e.NewStockLevel,
			&e.Type, &e.UpdatedBy, &reference); err != nil {
			return nil, fmt.Errorf("failed to scan stock entry: %w", err)
		}
		e.Date = parseTime(date)
		e.Reference = reference.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// ADMIN LOG
// =============================================================================

func (s queries) AppendAdminLog(ctx context.Context, entry generic.AdminLog) error {
	detailsJSON, _ := json.Marshal(entry.Details)
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO admin_logs (id, actor_id, action, target_type, target_id, details_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ActorID, entry.Action, entry.TargetType, entry.TargetID,
		string(detailsJSON), formatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append admin log: %w", err)
	}
	return nil
}

func (s queries) QueryAdminLogs(ctx context.Context, f generic.AdminLogFilter) ([]generic.AdminLog, error) {
	var (
		where []string
		args  []any
	)
	if f.ActorID != nil {
		where = append(where, "actor_id = ?")
		args = append(args, *f.ActorID)
	}
	if f.TargetType != nil {
		where = append(where, "target_type = ?")
		args = append(args, *f.TargetType)
	}
	if f.TargetID != nil {
		where = append(where, "target_id = ?")
		args = append(args, *f.TargetID)
	}
	if len(f.Actions) > 0 {
		where = append(where, "action IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.Actions)), ",")+")")
		for _, a := range f.Actions {
			args = append(args, a)
		}
	}

	query := `SELECT id, actor_id, action, target_type, target_id, details_json, timestamp FROM admin_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query admin logs: %w", err)
	}
	defer rows.Close()

	var logs []generic.AdminLog
	for rows.Next() {
		var e generic.AdminLog
		var detailsJSON sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID, &detailsJSON, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan admin log: %w", err)
		}
		if detailsJSON.Valid && detailsJSON.String != "" {
			json.Unmarshal([]byte(detailsJSON.String), &e.Details)
		}
		e.Timestamp = parseTime(ts)
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

func (s queries) SaveReconciliationRun(ctx context.Context, r generic.ReconciliationRun) error {
	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*r.CompletedAt), Valid: true}
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO reconciliation_runs (id, trigger, status, scanned, applied, expired, unknown,
			errors, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			scanned = excluded.scanned,
			applied = excluded.applied,
			expired = excluded.expired,
			unknown = excluded.unknown,
			errors = excluded.errors,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		r.ID, r.Trigger, r.Status, r.Scanned, r.Applied, r.Expired, r.Unknown, r.Errors,
		nullString(r.Error), formatTime(r.StartedAt), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation run: %w", err)
	}
	return nil
}

func (s queries) ListReconciliationRuns(ctx context.Context, limit int) ([]generic.ReconciliationRun, error) {
	query := `SELECT id, trigger, status, scanned, applied, expired, unknown, errors, error,
		started_at, completed_at FROM reconciliation_runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []generic.ReconciliationRun
	for rows.Next() {
		var r generic.ReconciliationRun
		var errText, completedAt sql.NullString
		var startedAt string
		if err := rows.Scan(&r.ID, &r.Trigger, &r.Status, &r.Scanned, &r.Applied, &r.Expired,
			&r.Unknown, &r.Errors, &errText, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation run: %w", err)
		}
		r.Error = errText.String
		r.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// checkVersioned turns a zero-row optimistic update into NotFound or
// ErrConcurrentModification.
func (s queries) checkVersioned(ctx context.Context, res sql.Result, table, keyCol, key, kind string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var count int
	if err := s.q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", table, keyCol), key,
	).Scan(&count); err != nil {
		return fmt.Errorf("failed to check %s existence: %w", kind, err)
	}
	if count == 0 {
		return generic.NewNotFound(kind, key)
	}
	return generic.ErrConcurrentModification
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nonNilItems(items []generic.OrderItem) []generic.OrderItem {
	if items == nil {
		return []generic.OrderItem{}
	}
	return items
}

func nonNilHistory(h []generic.EditRecord) []generic.EditRecord {
	if h == nil {
		return []generic.EditRecord{}
	}
	return h
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
