package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payment-reconciler/generic"
	"github.com/warp/payment-reconciler/reconcile"
	"github.com/xuri/excelize/v2"
)

func sampleView() reconcile.LedgerView {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return reconcile.LedgerView{
		User:          generic.User{ID: "usr-1", Name: "Ada", Email: "ada@example.com", Currency: "NGN"},
		Balance:       generic.MustParseMoney("350"),
		Derived:       generic.MustParseMoney("350"),
		LifetimeValue: generic.MustParseMoney("650"),
		Consistent:    true,
		Orders: []reconcile.OrderLedgerLine{{
			OrderID:       "ord-1",
			Status:        generic.OrderProcessing,
			PaymentStatus: generic.PaymentPartial,
			Amount:        generic.MustParseMoney("1000"),
			AmountPaid:    generic.MustParseMoney("650"),
			Booked:        true,
			Contribution:  generic.MustParseMoney("350"),
		}},
		Payments: []generic.Payment{{
			TxRef:      "paystack-abc",
			OrderID:    "ord-1",
			Gateway:    "paystack",
			Method:     "bank_transfer",
			Status:     generic.TxPartial,
			Amount:     generic.MustParseMoney("1000"),
			AmountPaid: generic.MustParseMoney("650.5"),
			CreatedAt:  at,
			UpdatedAt:  at,
		}},
	}
}

func TestWriteStatement(t *testing.T) {
	var buf bytes.Buffer

	err := WriteStatement(&buf, sampleView(), time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetSummary, SheetOrders, SheetPayments}, f.GetSheetList())

	summary, err := f.GetRows(SheetSummary)
	require.NoError(t, err)
	assert.Equal(t, []string{"Customer", "usr-1"}, summary[0])
	assert.Equal(t, []string{"Ledger balance", "350"}, summary[4])
	assert.Equal(t, []string{"Generated", "2025-03-02T08:00:00Z"}, summary[8])

	orders, err := f.GetRows(SheetOrders, excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "Order", orders[0][0])
	assert.Equal(t, []string{"ord-1", "processing", "partial", "1000", "650", "1", "350"}, orders[1])

	payments, err := f.GetRows(SheetPayments, excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, "paystack-abc", payments[1][0])
	assert.Equal(t, "650.5", payments[1][6])
}

func TestWriteStatement_EmptyLedger(t *testing.T) {
	var buf bytes.Buffer
	view := reconcile.LedgerView{User: generic.User{ID: "usr-2"}, Consistent: true}

	require.NoError(t, WriteStatement(&buf, view, time.Now()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(SheetOrders)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "header only")
}
