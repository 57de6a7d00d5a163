/*
Package report renders customer ledger statements as XLSX workbooks.

SHEETS:
  Summary   balance, derived balance, lifetime value, consistency flag
  Orders    one row per order with its ledger contribution
  Payments  one row per payment attempt (txRef, gateway, status, amounts)

Amounts are written as numbers with a two-decimal format; the Summary
sheet also carries the exact decimal strings so a reviewer can compare
them with the API.
*/
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/warp/payment-reconciler/generic"
	"github.com/warp/payment-reconciler/reconcile"
	"github.com/xuri/excelize/v2"
)

const (
	SheetSummary  = "Summary"
	SheetOrders   = "Orders"
	SheetPayments = "Payments"
)

const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var (
	orderHeader   = []any{"Order", "Status", "Payment status", "Amount", "Amount paid", "Booked", "Contribution"}
	paymentHeader = []any{"Tx ref", "Order", "Gateway", "Method", "Status", "Requested", "Paid", "Gateway txn", "Created", "Updated"}
)

// WriteStatement writes view as a workbook to w.
func WriteStatement(w io.Writer, view reconcile.LedgerView, generatedAt time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	styles, err := newStyles(f)
	if err != nil {
		return err
	}

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("failed to name summary sheet: %w", err)
	}
	if err := writeSummary(f, styles, view, generatedAt); err != nil {
		return err
	}
	if err := writeOrders(f, styles, view.Orders); err != nil {
		return err
	}
	if err := writePayments(f, styles, view.Payments); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

type styles struct {
	header int
	money  int
}

func newStyles(f *excelize.File) (styles, error) {
	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"DCE6F1"}, Pattern: 1},
	})
	if err != nil {
		return styles{}, fmt.Errorf("failed to create header style: %w", err)
	}
	format := "#,##0.00"
	money, err := f.NewStyle(&excelize.Style{CustomNumFmt: &format})
	if err != nil {
		return styles{}, fmt.Errorf("failed to create money style: %w", err)
	}
	return styles{header: header, money: money}, nil
}

func writeSummary(f *excelize.File, s styles, view reconcile.LedgerView, generatedAt time.Time) error {
	rows := [][]any{
		{"Customer", string(view.User.ID)},
		{"Name", view.User.Name},
		{"Email", view.User.Email},
		{"Currency", view.User.Currency},
		{"Ledger balance", view.Balance.String()},
		{"Derived balance", view.Derived.String()},
		{"Lifetime value", view.LifetimeValue.String()},
		{"Consistent", view.Consistent},
		{"Generated", generatedAt.UTC().Format(time.RFC3339)},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SheetSummary, cell, &row); err != nil {
			return fmt.Errorf("failed to write summary row %d: %w", i+1, err)
		}
	}
	if err := f.SetCellStyle(SheetSummary, "A1", fmt.Sprintf("A%d", len(rows)), s.header); err != nil {
		return err
	}
	return f.SetColWidth(SheetSummary, "A", "B", 24)
}

func writeOrders(f *excelize.File, s styles, lines []reconcile.OrderLedgerLine) error {
	if _, err := f.NewSheet(SheetOrders); err != nil {
		return fmt.Errorf("failed to add orders sheet: %w", err)
	}
	if err := writeHeader(f, s, SheetOrders, orderHeader); err != nil {
		return err
	}
	for i, l := range lines {
		row := []any{
			string(l.OrderID),
			string(l.Status),
			string(l.PaymentStatus),
			l.Amount.InexactFloat64(),
			l.AmountPaid.InexactFloat64(),
			l.Booked,
			l.Contribution.InexactFloat64(),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(SheetOrders, cell, &row); err != nil {
			return fmt.Errorf("failed to write order %s: %w", l.OrderID, err)
		}
	}
	if len(lines) > 0 {
		last := len(lines) + 1
		if err := f.SetCellStyle(SheetOrders, "D2", fmt.Sprintf("E%d", last), s.money); err != nil {
			return err
		}
		if err := f.SetCellStyle(SheetOrders, "G2", fmt.Sprintf("G%d", last), s.money); err != nil {
			return err
		}
	}
	return f.SetColWidth(SheetOrders, "A", "G", 18)
}

func writePayments(f *excelize.File, s styles, payments []generic.Payment) error {
	if _, err := f.NewSheet(SheetPayments); err != nil {
		return fmt.Errorf("failed to add payments sheet: %w", err)
	}
	if err := writeHeader(f, s, SheetPayments, paymentHeader); err != nil {
		return err
	}
	for i, p := range payments {
		row := []any{
			string(p.TxRef),
			string(p.OrderID),
			p.Gateway,
			p.Method,
			string(p.Status),
			p.Amount.InexactFloat64(),
			p.AmountPaid.InexactFloat64(),
			p.GatewayTransactionID,
			p.CreatedAt.UTC().Format(time.RFC3339),
			p.UpdatedAt.UTC().Format(time.RFC3339),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(SheetPayments, cell, &row); err != nil {
			return fmt.Errorf("failed to write payment %s: %w", p.TxRef, err)
		}
	}
	if len(payments) > 0 {
		if err := f.SetCellStyle(SheetPayments, "F2", fmt.Sprintf("G%d", len(payments)+1), s.money); err != nil {
			return err
		}
	}
	return f.SetColWidth(SheetPayments, "A", "J", 20)
}

func writeHeader(f *excelize.File, s styles, sheet string, header []any) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write %s header: %w", sheet, err)
	}
	end, _ := excelize.CoordinatesToCellName(len(header), 1)
	if err := f.SetCellStyle(sheet, "A1", end, s.header); err != nil {
		return err
	}
	return f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}
