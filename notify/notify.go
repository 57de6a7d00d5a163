/*
Package notify hands customer notifications (payment confirmed, payment
failed, virtual account issued) to the email pipeline.

Notifications are sent after the reconciliation unit of work commits.
A failed send is logged and never rolls anything back.

BACKENDS:
  LogNotifier - writes the notification to the structured log (dev)
  SQSNotifier - enqueues a JSON message for the mailer (aws-sdk-go-v2)
*/
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/warp/payment-reconciler/generic"
)

type Kind string

const (
	PaymentConfirmed     Kind = "payment_confirmed"
	PaymentPartial       Kind = "payment_partial"
	PaymentFailed        Kind = "payment_failed"
	VirtualAccountIssued Kind = "virtual_account_issued"
)

// Notification is the message body handed to the mailer.
type Notification struct {
	Kind     Kind            `json:"kind"`
	UserID   generic.UserID  `json:"user_id"`
	Email    string          `json:"email,omitempty"`
	OrderID  generic.OrderID `json:"order_id,omitempty"`
	TxRef    generic.TxRef   `json:"tx_ref,omitempty"`
	Amount   string          `json:"amount,omitempty"`
	Balance  string          `json:"balance,omitempty"`
	Currency string          `json:"currency,omitempty"`

	VirtualAccount *generic.VirtualAccount `json:"virtual_account,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier only logs.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("[Notify] "+string(n.Kind),
		"user_id", n.UserID,
		"order_id", n.OrderID,
		"tx_ref", n.TxRef,
		"amount", n.Amount,
	)
	return nil
}

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
