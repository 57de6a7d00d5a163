package reconcile

import (
	"context"
	"fmt"

	"github.com/warp/payment-reconciler/audit"
	"github.com/warp/payment-reconciler/generic"
)

// AdminPaymentRequest is a manual correction of an order's amount paid.
type AdminPaymentRequest struct {
	OrderID generic.OrderID
	Amount  generic.Money
	// PaymentStatus is optional; derived from Amount when empty.
	PaymentStatus generic.PaymentStatus
	Actor         string
	Reason        string
}

// AdminStatusRequest is a manual order status change.
type AdminStatusRequest struct {
	OrderID generic.OrderID
	Status  generic.OrderStatus
	Actor   string
	Reason  string
}

// AdminSetPayment applies an administrative payment correction. The order
// gains an EditRecord and the change is written to the admin log.
func (e *Engine) AdminSetPayment(ctx context.Context, req AdminPaymentRequest) (generic.Order, error) {
	if req.Actor == "" {
		return generic.Order{}, generic.NewValidationError("actor", "admin corrections need an actor")
	}
	ev := generic.AdminPaymentSet(req.Amount, req.PaymentStatus, req.Actor, req.Reason, e.now())
	return e.adminTransition(ctx, req.OrderID, ev, generic.ActionOrderPaymentSet)
}

// AdminSetStatus applies an administrative status change.
func (e *Engine) AdminSetStatus(ctx context.Context, req AdminStatusRequest) (generic.Order, error) {
	if req.Actor == "" {
		return generic.Order{}, generic.NewValidationError("actor", "admin corrections need an actor")
	}
	ev := generic.AdminStatusSet(req.Status, req.Actor, req.Reason, e.now())
	return e.adminTransition(ctx, req.OrderID, ev, generic.ActionOrderStatusSet)
}

func (e *Engine) adminTransition(ctx context.Context, orderID generic.OrderID, ev generic.OrderEvent, action generic.AdminAction) (generic.Order, error) {
	unlock, err := e.locker.Lock(ctx, "order:"+string(orderID))
	if err != nil {
		return generic.Order{}, err
	}
	defer unlock()

	var out generic.Order
	err = e.withRetry(ctx, func(tx generic.Store) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return generic.NewTransient("load order", err)
		}
		if order == nil {
			return generic.NewNotFound("order", string(orderID))
		}
		user, err := tx.GetUser(ctx, order.CustomerID)
		if err != nil {
			return generic.NewTransient("load user", err)
		}
		if user == nil {
			return generic.NewNotFound("user", string(order.CustomerID))
		}

		res, err := generic.Transition(*order, ev)
		if err != nil {
			return err
		}
		out = res.Order
		if !res.Changed {
			return nil
		}

		if err := saveOrder(ctx, tx, res.Order); err != nil {
			return err
		}
		if err := applyLedger(ctx, tx, *user, res, ev.At); err != nil {
			return err
		}
		if err := e.applyStock(ctx, tx, res.Order, res, ev.Actor, ev.At); err != nil {
			return err
		}

		extra := map[string]any{}
		if !res.LedgerDelta.IsZero() {
			extra["ledger_delta"] = res.LedgerDelta.String()
		}
		if res.CommitStock {
			extra["stock"] = "committed"
		}
		if res.ReleaseStock {
			extra["stock"] = "released"
		}
		_, err = e.audit.OrderChange(ctx, tx, action, ev.Actor, ev.Reason, *order, res.Order, extra)
		return err
	})
	if err != nil {
		return generic.Order{}, err
	}

	e.logger.Info("[Admin] "+string(action), "order_id", orderID, "actor", ev.Actor,
		"status", out.Status, "payment_status", out.PaymentStatus, "amount_paid", out.AmountPaid.String())
	return out, nil
}

// =============================================================================
// STOCK
// =============================================================================

// StockUpdate sets a product's stock level.
type StockUpdate struct {
	ProductID generic.ProductID
	NewStock  int
	// Type defaults from Origin when empty.
	Type   generic.StockEntryType
	Origin generic.StockOrigin
	Actor  string
	Note   string
}

// UpdateStock appends one history entry and moves the product to NewStock.
func (e *Engine) UpdateStock(ctx context.Context, req StockUpdate) (generic.StockHistoryEntry, error) {
	typ := req.Type
	if typ == "" {
		origin := req.Origin
		if origin == "" {
			origin = generic.StockByAdmin
		}
		var err error
		if typ, err = generic.DefaultStockEntryType(origin); err != nil {
			return generic.StockHistoryEntry{}, err
		}
	}

	unlock, err := e.locker.Lock(ctx, "product:"+string(req.ProductID))
	if err != nil {
		return generic.StockHistoryEntry{}, err
	}
	defer unlock()

	var entry generic.StockHistoryEntry
	err = e.store.WithTx(ctx, func(tx generic.Store) error {
		products, err := tx.GetProducts(ctx, []generic.ProductID{req.ProductID})
		if err != nil {
			return generic.NewTransient("load product", err)
		}
		product, ok := products[req.ProductID]
		if !ok {
			return generic.NewNotFound("product", string(req.ProductID))
		}

		now := e.now()
		entry, err = generic.ApplyStockChange(product, req.NewStock, typ, req.Actor, now)
		if err != nil {
			return err
		}
		entry.Reference = req.Note
		if err := tx.AppendStockEntry(ctx, entry); err != nil {
			return generic.NewTransient("append stock entry", err)
		}

		product.Stock = entry.NewStockLevel
		product.UpdatedAt = now
		if err := tx.SaveProduct(ctx, product); err != nil {
			return generic.NewTransient("save product", err)
		}

		_, err = e.audit.Record(ctx, tx, audit.Entry{
			Actor:      req.Actor,
			Action:     generic.ActionStockUpdated,
			TargetType: "product",
			TargetID:   string(req.ProductID),
			Details: map[string]any{
				"type":            string(entry.Type),
				"quantity_change": entry.QuantityChange,
				"new_stock_level": entry.NewStockLevel,
				"note":            req.Note,
			},
		})
		return err
	})
	if err != nil {
		return generic.StockHistoryEntry{}, err
	}
	return entry, nil
}

// CreateProduct stores a new product with an Initial history entry.
func (e *Engine) CreateProduct(ctx context.Context, product generic.Product, actor string) (generic.StockHistoryEntry, error) {
	if product.ID == "" {
		return generic.StockHistoryEntry{}, generic.NewValidationError("id", "required")
	}
	if product.Stock < 0 {
		return generic.StockHistoryEntry{}, generic.NewValidationError("stock", "initial stock must not be negative")
	}

	var entry generic.StockHistoryEntry
	err := e.store.WithTx(ctx, func(tx generic.Store) error {
		existing, err := tx.GetProducts(ctx, []generic.ProductID{product.ID})
		if err != nil {
			return generic.NewTransient("load product", err)
		}
		if _, ok := existing[product.ID]; ok {
			return generic.NewValidationError("id", fmt.Sprintf("product %s already exists", product.ID))
		}

		now := e.now()
		initial := product.Stock
		product.Stock = 0
		entry, err = generic.ApplyStockChange(product, initial, generic.StockInitial, actor, now)
		if err != nil {
			return err
		}
		if err := tx.AppendStockEntry(ctx, entry); err != nil {
			return generic.NewTransient("append stock entry", err)
		}
		product.Stock = initial
		product.UpdatedAt = now
		if err := tx.SaveProduct(ctx, product); err != nil {
			return generic.NewTransient("save product", err)
		}
		return nil
	})
	return entry, err
}
