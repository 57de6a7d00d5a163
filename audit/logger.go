/*
Package audit writes the append-only administrative and financial trail.

PURPOSE:
  Every admin correction, orphaned or anomalous gateway event, payment
  expiry and stock change leaves an AdminLog entry. The Logger is a
  write-only sink: it appends through the caller's unit of work (so the
  entry commits or rolls back with the change it describes) and mirrors
  the entry to the structured log.

  It has no update or delete path.

SEE ALSO:
  - generic/store.go: AppendAdminLog / QueryAdminLogs
  - reconcile/engine.go: Main caller
*/
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/warp/payment-reconciler/generic"
)

// Appender is the slice of generic.Store the logger needs.
type Appender interface {
	AppendAdminLog(ctx context.Context, entry generic.AdminLog) error
}

type Logger struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the timestamp source (tests).
func (l *Logger) WithClock(now func() time.Time) *Logger {
	c := *l
	c.now = now
	return &c
}

// Entry is what callers describe; ID and Timestamp are filled in.
type Entry struct {
	Actor      string
	Action     generic.AdminAction
	TargetType string
	TargetID   string
	Details    map[string]any
}

// Record appends entry through tx.
func (l *Logger) Record(ctx context.Context, tx Appender, e Entry) (generic.AdminLog, error) {
	if e.Actor == "" {
		e.Actor = generic.SystemActor
	}
	if e.Action == "" || e.TargetType == "" || e.TargetID == "" {
		return generic.AdminLog{}, generic.NewValidationError("audit", "entry needs action, target type and target id")
	}

	entry := generic.AdminLog{
		ID:         uuid.NewString(),
		ActorID:    e.Actor,
		Action:     e.Action,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Details:    e.Details,
		Timestamp:  l.now(),
	}
	if err := tx.AppendAdminLog(ctx, entry); err != nil {
		return generic.AdminLog{}, fmt.Errorf("failed to append audit entry: %w", err)
	}

	l.logger.Info("[Audit] "+string(e.Action),
		"actor", entry.ActorID,
		"target_type", entry.TargetType,
		"target_id", entry.TargetID,
	)
	return entry, nil
}

// OrderChange records an admin edit of an order with before/after values
// for every field that moved.
func (l *Logger) OrderChange(ctx context.Context, tx Appender, action generic.AdminAction, actor, reason string, before, after generic.Order, extra map[string]any) (generic.AdminLog, error) {
	details := map[string]any{}
	if reason != "" {
		details["reason"] = reason
	}
	if before.Status != after.Status {
		details["status"] = map[string]any{"from": before.Status, "to": after.Status}
	}
	if before.PaymentStatus != after.PaymentStatus {
		details["payment_status"] = map[string]any{"from": before.PaymentStatus, "to": after.PaymentStatus}
	}
	if !before.AmountPaid.Equal(after.AmountPaid) {
		details["amount_paid"] = map[string]any{"from": before.AmountPaid.String(), "to": after.AmountPaid.String()}
	}
	if !before.Amount.Equal(after.Amount) {
		details["amount"] = map[string]any{"from": before.Amount.String(), "to": after.Amount.String()}
	}
	for k, v := range extra {
		details[k] = v
	}
	return l.Record(ctx, tx, Entry{
		Actor:      actor,
		Action:     action,
		TargetType: "order",
		TargetID:   string(after.ID),
		Details:    details,
	})
}
