/*
Package flutterwave adapts the Flutterwave card rail.

WEBHOOK:
  Header "flutterwave-signature": base64(HMAC-SHA256(body, webhook secret)).
  Payload: {"event":"charge.completed","data":{"id":..,"tx_ref":..,"flw_ref":..,
            "amount":..,"currency":..,"status":"successful","payment_type":"card"}}
  Amounts are minor units, the same unit CreateTransaction sends.

VERIFY:
  GET /v3/transactions/{id}/verify, or by reference when no id is known:
  GET /v3/transactions/verify_by_reference?tx_ref=...

CHECKOUT:
  POST /v3/payments returns data.link, the hosted payment page.
*/
package flutterwave

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payment-reconciler/gateway"
	"github.com/warp/payment-reconciler/generic"
)

const Name = "flutterwave"

const SignatureHeader = "flutterwave-signature"

var statuses = map[string]gateway.EventStatus{
	"successful": gateway.StatusSuccessful,
	"completed":  gateway.StatusSuccessful,
	"failed":     gateway.StatusFailed,
	"cancelled":  gateway.StatusFailed,
	"pending":    gateway.StatusPending,
}

type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
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
)

func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.flutterwave.com"
	}
	client := gateway.NewClient(Name, cfg.BaseURL, cfg.Timeout)
	client.Headers["Authorization"] = "Bearer " + cfg.SecretKey
	return &Adapter{cfg: cfg, scheme: gateway.HMACSHA256Base64(SignatureHeader), client: client}
}

func (a *Adapter) Name() string { return Name }

// Client exposes the outbound client so callers can attach observers.
func (a *Adapter) Client() *gateway.Client { return a.client }

func (a *Adapter) ParseWebhook(header http.Header, body []byte) (gateway.PaymentEvent, error) {
	if err := a.scheme.Verify(Name, a.cfg.WebhookSecret, header, body); err != nil {
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
	ev.Origin = gateway.OriginWebhook
	return ev, nil
}

func (a *Adapter) Verify(ctx context.Context, req gateway.VerifyRequest) (gateway.PaymentEvent, error) {
	path := "/v3/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(string(req.TxRef))
	if req.TransactionID != "" {
		path = "/v3/transactions/" + url.PathEscape(req.TransactionID) + "/verify"
	}
	resp, err := a.client.Do(ctx, "verify", http.MethodGet, path, nil, nil)
	if err != nil {
		return gateway.PaymentEvent{}, err
	}
	data := resp.Fields.Object("data")
	if data == nil {
		return gateway.PaymentEvent{}, generic.NewValidationError("data", "verify response has no data")
	}
	ev, err := toEvent(data)
	if err != nil {
		return gateway.PaymentEvent{}, err
	}
	if req.TxRef != "" && ev.TxRef != req.TxRef {
		return gateway.PaymentEvent{}, generic.NewValidationError("tx_ref",
			"verified transaction belongs to "+string(ev.TxRef))
	}
	return ev, nil
}

func (a *Adapter) CreateTransaction(ctx context.Context, req gateway.CheckoutRequest) (gateway.CheckoutResult, error) {
	body := map[string]any{
		"tx_ref":       req.TxRef,
		"amount":       generic.ToMinorUnits(req.Amount),
		"currency":     req.Currency,
		"redirect_url": req.RedirectURL,
		"customer": map[string]any{
			"email": req.Email,
			"name":  req.Name,
		},
		"meta": map[string]any{"order_id": req.OrderID},
	}
	resp, err := a.client.Do(ctx, "create", http.MethodPost, "/v3/payments", body, nil)
	if err != nil {
		return gateway.CheckoutResult{}, err
	}
	link := resp.Fields.String("data.link")
	if link == "" {
		return gateway.CheckoutResult{}, generic.NewValidationError("data.link", "provider returned no payment link")
	}
	return gateway.CheckoutResult{
		RedirectURL: link,
		Details:     map[string]string{"flutterwave_tx_ref": string(req.TxRef)},
	}, nil
}

func toEvent(data gateway.Fields) (gateway.PaymentEvent, error) {
	ref := data.String("tx_ref")
	if ref == "" {
		return gateway.PaymentEvent{}, generic.NewValidationError("tx_ref", "missing tx_ref")
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
		RawReference:  data.String("flw_ref"),
		TransactionID: data.String("id"),
		Method:        data.First("payment_type", "type"),
		ReceivedAt:    time.Now().UTC(),
	}, nil
}
