/*
Package momo adapts a mobile-money collection API (request-to-pay).

WEBHOOK (callback):
  Header "X-Callback-Signature": hex(HMAC-SHA256(body, callback secret)).
  Payload: {"externalId":<txRef>,"referenceId":..,"financialTransactionId":..,
            "amount":<minor units>,"currency":..,"status":"SUCCESSFUL"}

VERIFY:
  GET /collection/v1_0/requesttopay/{referenceId}
  The referenceId is generated by us (NewTransactionID) and stored as the
  payment's gateway transaction id before the request-to-pay is sent.

CHECKOUT:
  POST /collection/v1_0/requesttopay with X-Reference-Id. There is no
  redirect; the payer approves on their handset.
*/
package momo

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/payment-reconciler/gateway"
	"github.com/warp/payment-reconciler/generic"
)

const Name = "momo"

const SignatureHeader = "X-Callback-Signature"

var statuses = map[string]gateway.EventStatus{
	"SUCCESSFUL": gateway.StatusSuccessful,
	"FAILED":     gateway.StatusFailed,
	"REJECTED":   gateway.StatusFailed,
	"TIMEOUT":    gateway.StatusFailed,
	"PENDING":    gateway.StatusPending,
}

type Config struct {
	BaseURL         string
	SubscriptionKey string
	APIToken        string
	CallbackSecret  string
	CallbackURL     string
	Environment     string
	Timeout         time.Duration
}

type Adapter struct {
	cfg    Config
	scheme gateway.Scheme
	client *gateway.Client
}

var (
	_ gateway.Adapter   = (*Adapter)(nil)
	_ gateway.Verifier  = (*Adapter)(nil)
	_ gateway.Initiator = (*Adapter)(nil)

	_ gateway.ReferenceAssigner = (*Adapter)(nil)
)

func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://proxy.momoapi.mtn.com"
	}
	if cfg.Environment == "" {
		cfg.Environment = "sandbox"
	}
	client := gateway.NewClient(Name, cfg.BaseURL, cfg.Timeout)
	client.Headers["Ocp-Apim-Subscription-Key"] = cfg.SubscriptionKey
	client.Headers["Authorization"] = "Bearer " + cfg.APIToken
	client.Headers["X-Target-Environment"] = cfg.Environment
	return &Adapter{cfg: cfg, scheme: gateway.HMACSHA256Hex(SignatureHeader), client: client}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Client() *gateway.Client { return a.client }

func (a *Adapter) ParseWebhook(header http.Header, body []byte) (gateway.PaymentEvent, error) {
	if err := a.scheme.Verify(Name, a.cfg.CallbackSecret, header, body); err != nil {
		return gateway.PaymentEvent{}, err
	}
	f, err := gateway.ParseFields(body)
	if err != nil {
		return gateway.PaymentEvent{}, err
	}
	ev, err := toEvent(f)
	if err != nil {
		return gateway.PaymentEvent{}, err
	}
	ev.Origin = gateway.OriginWebhook
	return ev, nil
}

func (a *Adapter) Verify(ctx context.Context, req gateway.VerifyRequest) (gateway.PaymentEvent, error) {
	if req.TransactionID == "" {
		return gateway.PaymentEvent{}, generic.NewValidationError("referenceId", "momo verify needs the request-to-pay reference id")
	}
	resp, err := a.client.Do(ctx, "verify", http.MethodGet,
		"/collection/v1_0/requesttopay/"+url.PathEscape(req.TransactionID), nil, nil)
	if err != nil {
		return gateway.PaymentEvent{}, err
	}
	ev, err := toEvent(resp.Fields)
	if err != nil {
		return gateway.PaymentEvent{}, err
	}
	if ev.TransactionID == "" {
		ev.TransactionID = req.TransactionID
	}
	return ev, nil
}

// NewTransactionID returns a fresh X-Reference-Id.
func (a *Adapter) NewTransactionID() string { return uuid.NewString() }

func (a *Adapter) CreateTransaction(ctx context.Context, req gateway.CheckoutRequest) (gateway.CheckoutResult, error) {
	if req.Phone == "" {
		return gateway.CheckoutResult{}, generic.NewValidationError("phone", "mobile money needs the payer's phone number")
	}
	referenceID := req.TransactionID
	if referenceID == "" {
		referenceID = a.NewTransactionID()
	}
	body := map[string]any{
		"amount":       generic.ToMinorUnits(req.Amount),
		"currency":     req.Currency,
		"externalId":   req.TxRef,
		"payer":        map[string]any{"partyIdType": "MSISDN", "partyId": req.Phone},
		"payerMessage": "Order " + string(req.OrderID),
		"payeeNote":    string(req.TxRef),
	}
	headers := map[string]string{"X-Reference-Id": referenceID}
	if a.cfg.CallbackURL != "" {
		headers["X-Callback-Url"] = a.cfg.CallbackURL
	}
	if _, err := a.client.Do(ctx, "create", http.MethodPost, "/collection/v1_0/requesttopay", body, headers); err != nil {
		return gateway.CheckoutResult{}, err
	}
	return gateway.CheckoutResult{
		TransactionID: referenceID,
		Details:       map[string]string{"momo_reference_id": referenceID},
	}, nil
}

func toEvent(f gateway.Fields) (gateway.PaymentEvent, error) {
	ref := f.String("externalId")
	if ref == "" {
		return gateway.PaymentEvent{}, generic.NewValidationError("externalId", "missing externalId")
	}
	status := gateway.NormalizeStatus(statuses, f.String("status"))

	amount := decimal.Zero
	if status == gateway.StatusSuccessful {
		var err error
		if amount, err = f.MinorMoney("amount"); err != nil {
			return gateway.PaymentEvent{}, err
		}
	}

	return gateway.PaymentEvent{
		TxRef:         generic.TxRef(ref),
		Gateway:       Name,
		Status:        status,
		AmountPaid:    amount,
		Currency:      f.String("currency"),
		RawReference:  f.String("financialTransactionId"),
		TransactionID: f.String("referenceId"),
		Method:        "mobile_money",
		ReceivedAt:    time.Now().UTC(),
	}, nil
}
