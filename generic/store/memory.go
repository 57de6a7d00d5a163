// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/payment-reconciler/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	payments map[generic.TxRef]generic.Payment
	orders   map[generic.OrderID]generic.Order
	users    map[generic.UserID]generic.User
	products map[generic.ProductID]generic.Product
	stock    map[generic.ProductID][]generic.StockHistoryEntry
	logs     []generic.AdminLog
	runs     []generic.ReconciliationRun
}

func NewMemory() *Memory {
	return &Memory{
		payments: make(map[generic.TxRef]generic.Payment),
		orders:   make(map[generic.OrderID]generic.Order),
		users:    make(map[generic.UserID]generic.User),
		products: make(map[generic.ProductID]generic.Product),
		stock:    make(map[generic.ProductID][]generic.StockHistoryEntry),
	}
}

var (
	_ generic.Store   = (*Memory)(nil)
	_ generic.TxStore = (*TxMemory)(nil)
	_ generic.Store   = view{}
)

// view implements generic.Store over a Memory whose lock is held by the caller.
type view struct {
	m *Memory
}

func (m *Memory) locked(write bool, fn func(v view) error) error {
	if write {
		m.mu.Lock()
		defer m.mu.Unlock()
	} else {
		m.mu.RLock()
		defer m.mu.RUnlock()
	}
	return fn(view{m: m})
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) CreatePayment(ctx context.Context, p generic.Payment) error {
	return m.locked(true, func(v view) error { return v.CreatePayment(ctx, p) })
}

func (v view) CreatePayment(_ context.Context, p generic.Payment) error {
	if _, exists := v.m.payments[p.TxRef]; exists {
		return generic.ErrDuplicateTxRef
	}
	p.Version = 1
	v.m.payments[p.TxRef] = p
	return nil
}

func (m *Memory) UpdatePayment(ctx context.Context, p generic.Payment) error {
	return m.locked(true, func(v view) error { return v.UpdatePayment(ctx, p) })
}

func (v view) UpdatePayment(_ context.Context, p generic.Payment) error {
	current, ok := v.m.payments[p.TxRef]
	if !ok {
		return generic.NewNotFound("payment", string(p.TxRef))
	}
	if current.Version != p.Version {
		return generic.ErrConcurrentModification
	}
	// txRef, order and user are immutable once created
	p.OrderID, p.UserID, p.CreatedAt = current.OrderID, current.UserID, current.CreatedAt
	p.Version++
	v.m.payments[p.TxRef] = p
	return nil
}

func (m *Memory) GetPayment(ctx context.Context, ref generic.TxRef) (*generic.Payment, error) {
	var out *generic.Payment
	err := m.locked(false, func(v view) error {
		var err error
		out, err = v.GetPayment(ctx, ref)
		return err
	})
	return out, err
}

func (v view) GetPayment(_ context.Context, ref generic.TxRef) (*generic.Payment, error) {
	p, ok := v.m.payments[ref]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) ListPaymentsByOrder(ctx context.Context, orderID generic.OrderID) ([]generic.Payment, error) {
	var out []generic.Payment
	err := m.locked(false, func(v view) error {
		var err error
		out, err = v.ListPaymentsByOrder(ctx, orderID)
		return err
	})
	return out, err
}

func (v view) ListPaymentsByOrder(_ context.Context, orderID generic.OrderID) ([]generic.Payment, error) {
	var out []generic.Payment
	for _, p := range v.m.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListPendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]generic.Payment, error) {
	var out []generic.Payment
	err := m.locked(false, func(v view) error {
		var err error
		out, err = v.ListPendingPayments(ctx, cutoff, limit)
		return err
	})
	return out, err
}

func (v view) ListPendingPayments(_ context.Context, cutoff time.Time, limit int) ([]generic.Payment, error) {
	var out []generic.Payment
	for _, p := range v.m.payments {
		if p.Status == generic.TxPending && !p.CreatedAt.After(cutoff) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// ORDERS
// =============================================================================

func (m *Memory) SaveOrder(ctx context.Context, o generic.Order) error {
	return m.locked(true, func(v view) error { return v.SaveOrder(ctx, o) })
}

func (v view) SaveOrder(_ context.Context, o generic.Order) error {
	current, exists := v.m.orders[o.ID]
	if exists && current.Version != o.Version {
		return generic.ErrConcurrentModification
	}
	if !exists && o.Version != 0 {
		return generic.NewNotFound("order", string(o.ID))
	}
	o = o.Clone()
	o.Version++
	v.m.orders[o.ID] = o
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, id generic.OrderID) (*generic.Order, error) {
	var out *generic.Order
	err := m.locked(false, func(v view) error {
		var err error
		out, err = v.GetOrder(ctx, id)
		return err
	})
	return out, err
}

func (v view) GetOrder(_ context.Context, id generic.OrderID) (*generic.Order, error) {
	o, ok := v.m.orders[id]
	if !ok {
		return nil, nil
	}
	c := o.Clone()
	return &c, nil
}

func (m *Memory) ListOrdersByCustomer(ctx context.Context, customerID generic.UserID) ([]generic.Order, error) {
	var out []generic.Order
	err := m.locked(false, func(v view) error {
		var err error
		out, err = v.ListOrdersByCustomer(ctx, customerID)
		return err
	})
	return out, err
}

func (v view) ListOrdersByCustomer(_ context.Context, customerID generic.UserID) ([]generic.Order, error) {
	var out []generic.Order
	for _, o := range v.m.orders {
		if o.CustomerID == customerID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// USERS
// =============================================================================

func (m *Memory) SaveUser(ctx context.Context, u generic.User) error {
	return m.locked(true, func(v view) error { return v.SaveUser(ctx, u) })
}

func (v view) SaveUser(_ context.Context, u generic.User) error {
	current, exists := v.m.users[u.ID]
	if exists && current.Version != u.Version {
		return generic.ErrConcurrentModification
	}
	if !exists && u.Version != 0 {
		return generic.NewNotFound("user", string(u.ID))
	}
	if u.VirtualAccount != nil {
		va := *u.VirtualAccount
		u.VirtualAccount = &va
	}
	u.Version++
	v.m.users[u.ID] = u
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id generic.UserID) (*generic.User, error) {
	var out *generic.User
	err := m.locked(false, func(v view) error {
		var err error
		out, err = v.GetUser(ctx, id)
		return err
	})
	return out, err
}

func (v view) GetUser(_ context.Context, id generic.UserID) (*generic.User, error) {
	u, ok := v.m.users[id]
	if !ok {
		return nil, nil
	}
	if u.VirtualAccount != nil {
		va := *u.VirtualAccount
		u.VirtualAccount = &va
	}
	return &u, nil
}

// =============================================================================
// PRODUCTS & STOCK
// =============================================================================

func (m *Memory) SaveProduct(ctx context.Context, p generic.Product) error {
	return m.locked(true, func(v view) error { return v.SaveProduct(ctx, p) })
}

func (v view) SaveProduct(_ context.Context, p generic.Product) error {
	v.m.products[p.ID] = p
	return nil
}

func (m *Memory) GetProducts(ctx context.Context, ids []generic.ProductID) (map[generic.ProductID]generic.Product, error) {
	var out map[generic.ProductID]generic.Product
	err := m.locked(false, func(v view) error {
		var err error
		out, err = v.GetProducts(ctx, ids)
		return err
	})
	return out, err
}

func (v view) GetProducts(_ context.Context, ids []generic.ProductID) (map[generic.ProductID]generic.Product, error) {
	out := make(map[generic.ProductID]generic.Product, len(ids))
	for _, id := range ids {
		if p, ok := v.m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *Memory) AppendStockEntry(ctx context.Context, e generic.StockHistoryEntry) error {
	return m.locked(true, func(v view) error { return v.AppendStockEntry(ctx, e) })
}

func (v view) AppendStockEntry(_ context.Context, e generic.StockHistoryEntry) error {
	v.m.stock[e.ProductID] = append(v.m.stock[e.ProductID], e)
	return nil
}

func (m *Memory) StockHistory(ctx context.Context, id generic.ProductID) ([]generic.StockHistoryEntry, error) {
	var out []generic.StockHistoryEntry
	err := m.locked(false, func(v view) error {
		var err error
		out, err = v.StockHistory(ctx, id)
		return err
	})
	return out, err
}

func (v view) StockHistory(_ context.Context, id generic.ProductID) ([]generic.StockHistoryEntry, error) {
	return append([]generic.StockHistoryEntry(nil), v.m.stock[id]...), nil
}

// =============================================================================
// ADMIN LOG & RUNS
// =============================================================================

func (m *Memory) AppendAdminLog(ctx context.Context, entry generic.AdminLog) error {
	return m.locked(true, func(v view) error { return v.AppendAdminLog(ctx, entry) })
}

func (v view) AppendAdminLog(_ context.Context, entry generic.AdminLog) error {
	v.m.logs = append(v.m.logs, entry)
	return nil
}

func (m *Memory) QueryAdminLogs(ctx context.Context, filter generic.AdminLogFilter) ([]generic.AdminLog, error) {
	var out []generic.AdminLog
	err := m.locked(false, func(v view) error {
		var err error
		out, err = v.QueryAdminLogs(ctx, filter)
		return err
	})
	return out, err
}

func (v view) QueryAdminLogs(_ context.Context, f generic.AdminLogFilter) ([]generic.AdminLog, error) {
	var out []generic.AdminLog
	for i := len(v.m.logs) - 1; i >= 0; i-- {
		e := v.m.logs[i]
		if f.ActorID != nil && e.ActorID != *f.ActorID {
			continue
		}
		if f.TargetType != nil && e.TargetType != *f.TargetType {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		if len(f.Actions) > 0 && !containsAction(f.Actions, e.Action) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func containsAction(actions []generic.AdminAction, a generic.AdminAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

func (m *Memory) SaveReconciliationRun(ctx context.Context, run generic.ReconciliationRun) error {
	return m.locked(true, func(v view) error { return v.SaveReconciliationRun(ctx, run) })
}

func (v view) SaveReconciliationRun(_ context.Context, run generic.ReconciliationRun) error {
	for i, r := range v.m.runs {
		if r.ID == run.ID {
			v.m.runs[i] = run
			return nil
		}
	}
	v.m.runs = append(v.m.runs, run)
	return nil
}

func (m *Memory) ListReconciliationRuns(ctx context.Context, limit int) ([]generic.ReconciliationRun, error) {
	var out []generic.ReconciliationRun
	err := m.locked(false, func(v view) error {
		var err error
		out, err = v.ListReconciliationRuns(ctx, limit)
		return err
	})
	return out, err
}

func (v view) ListReconciliationRuns(_ context.Context, limit int) ([]generic.ReconciliationRun, error) {
	var out []generic.ReconciliationRun
	for i := len(v.m.runs) - 1; i >= 0; i-- {
		out = append(out, v.m.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snap := tm.snapshot()
	if err := fn(view{m: tm.Memory}); err != nil {
		tm.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	payments map[generic.TxRef]generic.Payment
	orders   map[generic.OrderID]generic.Order
	users    map[generic.UserID]generic.User
	products map[generic.ProductID]generic.Product
	stock    map[generic.ProductID][]generic.StockHistoryEntry
	logs     []generic.AdminLog
	runs     []generic.ReconciliationRun
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		payments: make(map[generic.TxRef]generic.Payment, len(tm.payments)),
		orders:   make(map[generic.OrderID]generic.Order, len(tm.orders)),
		users:    make(map[generic.UserID]generic.User, len(tm.users)),
		products: make(map[generic.ProductID]generic.Product, len(tm.products)),
		stock:    make(map[generic.ProductID][]generic.StockHistoryEntry, len(tm.stock)),
		logs:     append([]generic.AdminLog(nil), tm.logs...),
		runs:     append([]generic.ReconciliationRun(nil), tm.runs...),
	}
	for k, v := range tm.payments {
		s.payments[k] = v
	}
	for k, v := range tm.orders {
		s.orders[k] = v.Clone()
	}
	for k, v := range tm.users {
		s.users[k] = v
	}
	for k, v := range tm.products {
		s.products[k] = v
	}
	for k, v := range tm.stock {
		s.stock[k] = append([]generic.StockHistoryEntry(nil), v...)
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.payments = s.payments
	tm.orders = s.orders
	tm.users = s.users
	tm.products = s.products
	tm.stock = s.stock
	tm.logs = s.logs
	tm.runs = s.runs
}
