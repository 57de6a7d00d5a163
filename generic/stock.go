package generic

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StockOrigin identifies who is changing stock, for defaulting entry types.
type StockOrigin string

const (
	StockByAdmin       StockOrigin = "admin"
	StockByFulfillment StockOrigin = "fulfillment"
)

// DefaultStockEntryType returns the entry type a caller gets when it does
// not name one explicitly.
func DefaultStockEntryType(origin StockOrigin) (StockEntryType, error) {
	switch origin {
	case StockByAdmin:
		return StockAdminUpdate, nil
	case StockByFulfillment:
		return StockSale, nil
	}
	return "", NewValidationError("type", fmt.Sprintf("no default stock entry type for origin %q", origin))
}

// ApplyStockChange produces the history entry for moving product to newStock.
// The caller appends the entry and sets product.Stock = entry.NewStockLevel;
// prior entries are never rewritten.
//
// A level below zero is only accepted as a Correction, so an oversell always
// carries an explicit explanation in the history.
func ApplyStockChange(product Product, newStock int, typ StockEntryType, actor string, now time.Time) (StockHistoryEntry, error) {
	if typ == "" {
		return StockHistoryEntry{}, NewValidationError("type", "stock change requires an entry type")
	}
	if !typ.Valid() {
		return StockHistoryEntry{}, NewValidationError("type", fmt.Sprintf("unknown stock entry type %q", typ))
	}
	if actor == "" {
		return StockHistoryEntry{}, NewValidationError("updated_by", "stock change requires an actor")
	}
	if newStock < 0 && typ != StockCorrection {
		return StockHistoryEntry{}, NewValidationError("stock",
			fmt.Sprintf("product %s would go to %d; negative stock needs a correction entry", product.ID, newStock))
	}

	return StockHistoryEntry{
		ID:             uuid.NewString(),
		ProductID:      product.ID,
		Date:           now,
		QuantityChange: newStock - product.Stock,
		NewStockLevel:  newStock,
		Type:           typ,
		UpdatedBy:      actor,
	}, nil
}

// ReplayStock folds a product's history from the first entry and returns the
// resulting level. It reports an error at the first entry whose level does not
// follow from its predecessor.
func ReplayStock(entries []StockHistoryEntry) (int, error) {
	level := 0
	for i, e := range entries {
		if level+e.QuantityChange != e.NewStockLevel {
			return 0, fmt.Errorf("stock history %s: entry %d expected level %d, got %d",
				e.ProductID, i, level+e.QuantityChange, e.NewStockLevel)
		}
		level = e.NewStockLevel
	}
	return level, nil
}

// SaleEntries builds Sale entries for every item of an order. Products whose
// stock would go negative get a Correction entry instead so the oversell is
// explicit.
func SaleEntries(order Order, products map[ProductID]Product, actor string, now time.Time) ([]StockHistoryEntry, map[ProductID]Product, error) {
	return itemEntries(order, products, actor, now, -1, StockSale, "sale for order")
}

// RestockEntries reverses SaleEntries for a cancelled order.
func RestockEntries(order Order, products map[ProductID]Product, actor string, now time.Time) ([]StockHistoryEntry, map[ProductID]Product, error) {
	return itemEntries(order, products, actor, now, 1, StockRestock, "restock for cancelled order")
}

func itemEntries(order Order, products map[ProductID]Product, actor string, now time.Time, sign int, typ StockEntryType, note string) ([]StockHistoryEntry, map[ProductID]Product, error) {
	updated := make(map[ProductID]Product, len(products))
	for id, p := range products {
		updated[id] = p
	}

	var entries []StockHistoryEntry
	for _, item := range order.Items {
		if item.Quantity <= 0 {
			return nil, nil, NewValidationError("quantity", fmt.Sprintf("item %s has quantity %d", item.ProductID, item.Quantity))
		}
		p, ok := updated[item.ProductID]
		if !ok {
			return nil, nil, NewNotFound("product", string(item.ProductID))
		}

		newLevel := p.Stock + sign*item.Quantity
		entryType := typ
		reference := fmt.Sprintf("%s %s", note, order.ID)
		if newLevel < 0 {
			entryType = StockCorrection
			reference = fmt.Sprintf("oversold by order %s", order.ID)
		}

		entry, err := ApplyStockChange(p, newLevel, entryType, actor, now)
		if err != nil {
			return nil, nil, err
		}
		entry.Reference = reference
		entries = append(entries, entry)

		p.Stock = newLevel
		p.UpdatedAt = now
		updated[item.ProductID] = p
	}
	return entries, updated, nil
}
