package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payment-reconciler/generic"
	memstore "github.com/warp/payment-reconciler/generic/store"
)

var fixed = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestLogger(buf *bytes.Buffer) *Logger {
	return NewLogger(slog.New(slog.NewTextHandler(buf, nil))).WithClock(func() time.Time { return fixed })
}

func TestRecord_AppendsAndMirrors(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewMemory()
	var buf bytes.Buffer
	l := newTestLogger(&buf)

	entry, err := l.Record(ctx, store, Entry{
		Action:     generic.ActionPaymentOrphaned,
		TargetType: "payment",
		TargetID:   "flw-123",
		Details:    map[string]any{"gateway": "flutterwave"},
	})

	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, generic.SystemActor, entry.ActorID, "gateway-driven entries default to the system actor")
	assert.Equal(t, fixed, entry.Timestamp)

	logs, err := store.QueryAdminLogs(ctx, generic.AdminLogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, entry.ID, logs[0].ID)
	assert.Contains(t, buf.String(), "[Audit] payment_orphaned")
	assert.Contains(t, buf.String(), "target_id=flw-123")
}

func TestRecord_RejectsIncompleteEntry(t *testing.T) {
	l := newTestLogger(&bytes.Buffer{})

	_, err := l.Record(context.Background(), memstore.NewMemory(), Entry{Action: generic.ActionStockUpdated})

	assert.ErrorIs(t, err, generic.ErrValidation)
}

type failingAppender struct{}

func (failingAppender) AppendAdminLog(context.Context, generic.AdminLog) error {
	return errors.New("disk full")
}

func TestRecord_PropagatesAppendFailure(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)

	_, err := l.Record(context.Background(), failingAppender{}, Entry{
		Action: generic.ActionStockUpdated, TargetType: "product", TargetID: "sku-1",
	})

	require.Error(t, err)
	assert.Empty(t, buf.String(), "nothing is mirrored for an entry that was not stored")
}

func TestOrderChange_RecordsOnlyMovedFields(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewMemory()
	l := newTestLogger(&bytes.Buffer{})

	before := generic.Order{
		ID:            "ord-1",
		Status:        generic.OrderProcessing,
		PaymentStatus: generic.PaymentPartial,
		Amount:        generic.MustParseMoney("1000"),
		AmountPaid:    generic.MustParseMoney("400"),
	}
	after := before.Clone()
	after.AmountPaid = generic.MustParseMoney("1000")
	after.PaymentStatus = generic.PaymentPaid

	entry, err := l.OrderChange(ctx, store, generic.ActionOrderPaymentSet, "admin-7", "bank transfer matched by hand", before, after,
		map[string]any{"ledger_delta": "-600"})

	require.NoError(t, err)
	assert.Equal(t, "admin-7", entry.ActorID)
	assert.Equal(t, "order", entry.TargetType)
	assert.Equal(t, "ord-1", entry.TargetID)
	assert.Equal(t, "bank transfer matched by hand", entry.Details["reason"])
	assert.Equal(t, map[string]any{"from": "400", "to": "1000"}, entry.Details["amount_paid"])
	assert.Equal(t, map[string]any{"from": generic.PaymentPartial, "to": generic.PaymentPaid}, entry.Details["payment_status"])
	assert.Equal(t, "-600", entry.Details["ledger_delta"])
	assert.NotContains(t, entry.Details, "status")
	assert.NotContains(t, entry.Details, "amount")
}
