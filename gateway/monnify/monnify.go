/*
Package monnify adapts Monnify reserved-account bank transfers.

WEBHOOK:
  Header "monnify-signature": hex(HMAC-SHA512(body, client secret)).
  Payload: {"eventType":"SUCCESSFUL_TRANSACTION","eventData":{
            "transactionReference":"MNFY|..","paymentReference":<txRef>,
            "amountPaid":"100000","totalPayable":"100000",
            "paymentStatus":"PAID","paymentMethod":"ACCOUNT_TRANSFER"}}
  Amounts are minor units, the same unit CreateTransaction sends.
  PARTIALLY_PAID is reported as Partial.

AUTH:
  POST /api/v1/auth/login with Basic(apiKey:secret) returns a bearer token
  that is cached until shortly before it expires.

VERIFY:
  GET /api/v2/merchant/transactions/query?paymentReference=...

ACCOUNTS:
  POST /api/v2/bank-transfer/reserved-accounts
*/
package monnify

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/warp/payment-reconciler/gateway"
	"github.com/warp/payment-reconciler/generic"
)

const Name = "monnify"

const SignatureHeader = "monnify-signature"

var statuses = map[string]gateway.EventStatus{
	"PAID":           gateway.StatusSuccessful,
	"OVERPAID":       gateway.StatusSuccessful,
	"PARTIALLY_PAID": gateway.StatusPartial,
	"FAILED":         gateway.StatusFailed,
	"EXPIRED":        gateway.StatusFailed,
	"CANCELLED":      gateway.StatusFailed,
	"REVERSED":       gateway.StatusFailed,
	"PENDING":        gateway.StatusPending,
}

type Config struct {
	BaseURL      string
	APIKey       string
	SecretKey    string
	ContractCode string
	Timeout      time.Duration
}

type Adapter struct {
	cfg    Config
	scheme gateway.Scheme
	client *gateway.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

var (
	_ gateway.Adapter              = (*Adapter)(nil)
	_ gateway.Verifier             = (*Adapter)(nil)
	_ gateway.Initiator            = (*Adapter)(nil)
	_ gateway.VirtualAccountIssuer = (*Adapter)(nil)
)

func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.monnify.com"
	}
	return &Adapter{
		cfg:    cfg,
		scheme: gateway.HMACSHA512Hex(SignatureHeader),
		client: gateway.NewClient(Name, cfg.BaseURL, cfg.Timeout),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Client() *gateway.Client { return a.client }

func (a *Adapter) ParseWebhook(header http.Header, body []byte) (gateway.PaymentEvent, error) {
	if err := a.scheme.Verify(Name, a.cfg.SecretKey, header, body); err != nil {
		return gateway.PaymentEvent{}, err
	}
	f, err := gateway.ParseFields(body)
	if err != nil {
		return gateway.PaymentEvent{}, err
	}
	data := f.Object("eventData")
	if data == nil {
		return gateway.PaymentEvent{}, generic.NewValidationError("eventData", "missing eventData object")
	}
	ev, err := toEvent(data)
	if err != nil {
		return gateway.PaymentEvent{}, err
	}
	ev.Origin = gateway.OriginWebhook
	return ev, nil
}

func (a *Adapter) Verify(ctx context.Context, req gateway.VerifyRequest) (gateway.PaymentEvent, error) {
	if req.TxRef == "" {
		return gateway.PaymentEvent{}, generic.NewValidationError("paymentReference", "verify needs a txRef")
	}
	headers, err := a.authHeaders(ctx)
	if err != nil {
		return gateway.PaymentEvent{}, err
	}
	path := "/api/v2/merchant/transactions/query?paymentReference=" + url.QueryEscape(string(req.TxRef))
	resp, err := a.client.Do(ctx, "verify", http.MethodGet, path, nil, headers)
	if err != nil {
		return gateway.PaymentEvent{}, err
	}
	body := resp.Fields.Object("responseBody")
	if !resp.Fields.Bool("requestSuccessful") || body == nil {
		return gateway.PaymentEvent{}, generic.NewValidationError("responseBody", resp.Fields.String("responseMessage"))
	}
	return toEvent(body)
}

func (a *Adapter) CreateTransaction(ctx context.Context, req gateway.CheckoutRequest) (gateway.CheckoutResult, error) {
	headers, err := a.authHeaders(ctx)
	if err != nil {
		return gateway.CheckoutResult{}, err
	}
	body := map[string]any{
		"amount":             generic.ToMinorUnits(req.Amount),
		"customerName":       req.Name,
		"customerEmail":      req.Email,
		"paymentReference":   req.TxRef,
		"paymentDescription": "Order " + string(req.OrderID),
		"currencyCode":       req.Currency,
		"contractCode":       a.cfg.ContractCode,
		"redirectUrl":        req.RedirectURL,
	}
	resp, err := a.client.Do(ctx, "create", http.MethodPost, "/api/v1/merchant/transactions/init-transaction", body, headers)
	if err != nil {
		return gateway.CheckoutResult{}, err
	}
	link := resp.Fields.String("responseBody.checkoutUrl")
	if link == "" {
		return gateway.CheckoutResult{}, generic.NewValidationError("responseBody.checkoutUrl", "provider returned no checkout url")
	}
	txID := resp.Fields.String("responseBody.transactionReference")
	return gateway.CheckoutResult{
		RedirectURL:   link,
		TransactionID: txID,
		Details:       map[string]string{"monnify_transaction_reference": txID},
	}, nil
}

func (a *Adapter) IssueVirtualAccount(ctx context.Context, req gateway.AccountRequest) (generic.VirtualAccount, error) {
	headers, err := a.authHeaders(ctx)
	if err != nil {
		return generic.VirtualAccount{}, err
	}
	reference := "acct-" + string(req.UserID)
	body := map[string]any{
		"accountReference":     reference,
		"accountName":          req.Name,
		"currencyCode":         req.Currency,
		"contractCode":         a.cfg.ContractCode,
		"customerEmail":        req.Email,
		"customerName":         req.Name,
		"getAllAvailableBanks": false,
	}
	resp, err := a.client.Do(ctx, "reserved_account", http.MethodPost, "/api/v2/bank-transfer/reserved-accounts", body, headers)
	if err != nil {
		return generic.VirtualAccount{}, err
	}
	accounts := resp.Fields.List("responseBody.accounts")
	if len(accounts) == 0 {
		return generic.VirtualAccount{}, generic.NewValidationError("responseBody.accounts", "provider returned no accounts")
	}
	acct := accounts[0]
	return generic.VirtualAccount{
		Gateway:       Name,
		AccountNumber: acct.String("accountNumber"),
		AccountName:   acct.String("accountName"),
		BankName:      acct.String("bankName"),
		Reference:     reference,
	}, nil
}

// authHeaders returns a bearer header, logging in when the cached token
// is missing or about to expire.
func (a *Adapter) authHeaders(ctx context.Context) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Now().Before(a.expiresAt) {
		return map[string]string{"Authorization": "Bearer " + a.token}, nil
	}

	basic := base64.StdEncoding.EncodeToString([]byte(a.cfg.APIKey + ":" + a.cfg.SecretKey))
	resp, err := a.client.Do(ctx, "login", http.MethodPost, "/api/v1/auth/login", nil,
		map[string]string{"Authorization": "Basic " + basic})
	if err != nil {
		return nil, err
	}
	token := resp.Fields.String("responseBody.accessToken")
	if token == "" {
		return nil, generic.NewTransient("monnify login", errors.New("login response carried no access token"))
	}
	ttl := time.Duration(cast.ToInt64(resp.Fields.Get("responseBody.expiresIn"))) * time.Second
	if ttl <= time.Minute {
		ttl = 5 * time.Minute
	}
	a.token = token
	a.expiresAt = time.Now().Add(ttl - 30*time.Second)
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

func toEvent(data gateway.Fields) (gateway.PaymentEvent, error) {
	ref := data.String("paymentReference")
	if ref == "" {
		return gateway.PaymentEvent{}, generic.NewValidationError("paymentReference", "missing paymentReference")
	}
	status := gateway.NormalizeStatus(statuses, data.String("paymentStatus"))

	amount := decimal.Zero
	if status == gateway.StatusSuccessful || status == gateway.StatusPartial {
		var err error
		if amount, err = data.MinorMoney("amountPaid"); err != nil {
			return gateway.PaymentEvent{}, err
		}
	}

	return gateway.PaymentEvent{
		TxRef:         generic.TxRef(ref),
		Gateway:       Name,
		Status:        status,
		AmountPaid:    amount,
		Currency:      data.String("currency"),
		RawReference:  data.String("transactionReference"),
		TransactionID: data.String("transactionReference"),
		Method:        data.String("paymentMethod"),
		ReceivedAt:    time.Now().UTC(),
	}, nil
}
