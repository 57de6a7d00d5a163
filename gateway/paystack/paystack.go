/*
Package paystack adapts Paystack, used here for dedicated virtual account
(DVA) bank transfers and hosted checkout.

WEBHOOK:
  Header "x-paystack-signature": hex(HMAC-SHA512(body, secret key)).
  Payload: {"event":"charge.success","data":{"id":..,"reference":..,
            "amount":<kobo>,"currency":"NGN","status":"success","channel":..,
            "metadata":{"tx_ref":..}}}

  Transfers into a dedicated account carry Paystack's own reference; the
  txRef we issued travels in metadata.tx_ref when present.

VERIFY:
  GET /transaction/verify/{reference}

CHECKOUT / ACCOUNTS:
  POST /transaction/initialize -> data.authorization_url
  POST /dedicated_account      -> data.account_number, data.bank.name
*/
package paystack

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payment-reconciler/gateway"
	"github.com/warp/payment-reconciler/generic"
)

const Name = "paystack"

const SignatureHeader = "x-paystack-signature"

var statuses = map[string]gateway.EventStatus{
	"success":   gateway.StatusSuccessful,
	"failed":    gateway.StatusFailed,
	"abandoned": gateway.StatusFailed,
	"reversed":  gateway.StatusFailed,
	"pending":   gateway.StatusPending,
	"ongoing":   gateway.StatusPending,
	"queued":    gateway.StatusPending,
}

// events whose payload describes a charge; everything else is ignored as
// Pending by the engine.
var chargeEvents = map[string]bool{
	"charge.success": true,
	"charge.failed":  true,
}

type Config struct {
	BaseURL       string
	SecretKey     string
	PreferredBank string
	Timeout       time.Duration
}

type Adapter struct {
	cfg    Config
	scheme gateway.Scheme
	client *gateway.Client
}

var (
	_ gateway.Adapter              = (*Adapter)(nil)
	_ gateway.Verifier             = (*Adapter)(nil)
	_ gateway.Initiator            = (*Adapter)(nil)
	_ gateway.VirtualAccountIssuer = (*Adapter)(nil)
)

func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.paystack.co"
	}
	if cfg.PreferredBank == "" {
		cfg.PreferredBank = "wema-bank"
	}
	client := gateway.NewClient(Name, cfg.BaseURL, cfg.Timeout)
	client.Headers["Authorization"] = "Bearer " + cfg.SecretKey
	return &Adapter{cfg: cfg, scheme: gateway.HMACSHA512Hex(SignatureHeader), client: client}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Client() *gateway.Client { return a.client }

// ParseWebhook verifies with the secret key itself; Paystack has no
// separate webhook secret.
func (a *Adapter) ParseWebhook(header http.Header, body []byte) (gateway.PaymentEvent, error) {
	if err := a.scheme.Verify(Name, a.cfg.SecretKey, header, body); err != nil {
		return gateway.PaymentEvent{}, err
	}
	f, err := gateway.ParseFields(body)
	if err != nil {
		return gateway.PaymentEvent{}, err
	}
	data := f.Object("data")
	if data == nil {
		return gateway.PaymentEvent{}, generic.NewValidationError("data", "missing data object")
	}
	ev, err := toEvent(data)
	if err != nil {
		return gateway.PaymentEvent{}, err
	}
	if !chargeEvents[f.String("event")] {
		ev.Status = gateway.StatusPending
	}
	ev.Origin = gateway.OriginWebhook
	return ev, nil
}

func (a *Adapter) Verify(ctx context.Context, req gateway.VerifyRequest) (gateway.PaymentEvent, error) {
	ref := string(req.TxRef)
	if ref == "" {
		ref = req.TransactionID
	}
	if ref == "" {
		return gateway.PaymentEvent{}, generic.NewValidationError("reference", "verify needs a reference")
	}
	resp, err := a.client.Do(ctx, "verify", http.MethodGet, "/transaction/verify/"+url.PathEscape(ref), nil, nil)
	if err != nil {
		return gateway.PaymentEvent{}, err
	}
	data := resp.Fields.Object("data")
	if data == nil {
		return gateway.PaymentEvent{}, generic.NewValidationError("data", "verify response has no data")
	}
	return toEvent(data)
}

func (a *Adapter) CreateTransaction(ctx context.Context, req gateway.CheckoutRequest) (gateway.CheckoutResult, error) {
	body := map[string]any{
		"email":        req.Email,
		"amount":       generic.ToMinorUnits(req.Amount),
		"currency":     req.Currency,
		"reference":    req.TxRef,
		"callback_url": req.RedirectURL,
		"metadata":     map[string]any{"order_id": req.OrderID, "tx_ref": req.TxRef},
	}
	resp, err := a.client.Do(ctx, "create", http.MethodPost, "/transaction/initialize", body, nil)
	if err != nil {
		return gateway.CheckoutResult{}, err
	}
	link := resp.Fields.String("data.authorization_url")
	if link == "" {
		return gateway.CheckoutResult{}, generic.NewValidationError("data.authorization_url", "provider returned no authorization url")
	}
	return gateway.CheckoutResult{
		RedirectURL: link,
		Details: map[string]string{
			"paystack_reference":   resp.Fields.String("data.reference"),
			"paystack_access_code": resp.Fields.String("data.access_code"),
		},
	}, nil
}

func (a *Adapter) IssueVirtualAccount(ctx context.Context, req gateway.AccountRequest) (generic.VirtualAccount, error) {
	body := map[string]any{
		"email":          req.Email,
		"first_name":     req.Name,
		"preferred_bank": a.cfg.PreferredBank,
		"metadata":       map[string]any{"user_id": req.UserID},
	}
	resp, err := a.client.Do(ctx, "dedicated_account", http.MethodPost, "/dedicated_account", body, nil)
	if err != nil {
		return generic.VirtualAccount{}, err
	}
	number := resp.Fields.String("data.account_number")
	if number == "" {
		return generic.VirtualAccount{}, generic.NewValidationError("data.account_number", "provider returned no account number")
	}
	return generic.VirtualAccount{
		Gateway:       Name,
		AccountNumber: number,
		AccountName:   resp.Fields.String("data.account_name"),
		BankName:      resp.Fields.String("data.bank.name"),
		Reference:     resp.Fields.String("data.id"),
	}, nil
}

func toEvent(data gateway.Fields) (gateway.PaymentEvent, error) {
	ref := data.First("metadata.tx_ref", "reference")
	if ref == "" {
		return gateway.PaymentEvent{}, generic.NewValidationError("reference", "missing reference")
	}
	status := gateway.NormalizeStatus(statuses, data.String("status"))

	amount := decimal.Zero
	if status == gateway.StatusSuccessful {
		var err error
		if amount, err = data.MinorMoney("amount"); err != nil {
			return gateway.PaymentEvent{}, err
		}
	}

	return gateway.PaymentEvent{
		TxRef:         generic.TxRef(ref),
		Gateway:       Name,
		Status:        status,
		AmountPaid:    amount,
		Currency:      data.String("currency"),
		RawReference:  data.String("reference"),
		TransactionID: data.String("id"),
		Method:        data.String("channel"),
		ReceivedAt:    time.Now().UTC(),
	}, nil
}
