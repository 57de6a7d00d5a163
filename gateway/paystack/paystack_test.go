package paystack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payment-reconciler/gateway"
	"github.com/warp/payment-reconciler/generic"
)

const secretKey = "sk_test_123"

func sign(body string) http.Header {
	h := http.Header{}
	h.Set(SignatureHeader, gateway.HMACSHA512Hex(SignatureHeader).Sign(secretKey, []byte(body)))
	return h
}

func TestParseWebhook_DedicatedAccountTransfer(t *testing.T) {
	a := New(Config{SecretKey: secretKey})
	body := `{
		"event": "charge.success",
		"data": {
			"id": 302961,
			"reference": "T1234567",
			"amount": 70000,
			"currency": "NGN",
			"status": "success",
			"channel": "dedicated_nuban",
			"metadata": {"tx_ref": "va-ord-1", "receiver_account_number": "9930001234"},
			"authorization": {"bank": "Wema Bank"}
		}
	}`

	ev, err := a.ParseWebhook(sign(body), []byte(body))
	require.NoError(t, err)
	assert.Equal(t, generic.TxRef("va-ord-1"), ev.TxRef)
	assert.Equal(t, "T1234567", ev.RawReference)
	assert.Equal(t, gateway.StatusSuccessful, ev.Status)
	// 70000 kobo
	assert.True(t, ev.AmountPaid.Equal(generic.MustParseMoney("700")))
	assert.Equal(t, "dedicated_nuban", ev.Method)
}

func TestParseWebhook_NonChargeEventIsPending(t *testing.T) {
	a := New(Config{SecretKey: secretKey})
	body := `{"event":"transfer.success","data":{"reference":"paystack-1","status":"success","amount":100}}`

	ev, err := a.ParseWebhook(sign(body), []byte(body))
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusPending, ev.Status)
}

func TestParseWebhook_AbandonedIsFailed(t *testing.T) {
	a := New(Config{SecretKey: secretKey})
	body := `{"event":"charge.failed","data":{"reference":"paystack-2","status":"abandoned"}}`

	ev, err := a.ParseWebhook(sign(body), []byte(body))
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusFailed, ev.Status)
	assert.True(t, ev.AmountPaid.IsZero())
}

func TestParseWebhook_SignatureOverRawBody(t *testing.T) {
	a := New(Config{SecretKey: secretKey})
	body := `{"event":"charge.success","data":{"reference":"paystack-3","status":"success","amount":100}}`
	header := sign(body)

	// Same JSON, different whitespace: signature no longer matches
	_, err := a.ParseWebhook(header, []byte(`{"event": "charge.success","data":{"reference":"paystack-3","status":"success","amount":100}}`))
	assert.ErrorIs(t, err, generic.ErrAuthentication)
}

func TestVerifyAndIssueAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+secretKey, r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/transaction/verify/paystack-9":
			w.Write([]byte(`{"status":true,"data":{"id":1,"reference":"paystack-9","amount":100000,"status":"success","channel":"card"}}`))
		case "/dedicated_account":
			w.Write([]byte(`{"status":true,"data":{"id":77,"account_number":"9930001234","account_name":"STORE/ADA","bank":{"name":"Wema Bank"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL, SecretKey: secretKey})
	ctx := context.Background()

	ev, err := a.Verify(ctx, gateway.VerifyRequest{TxRef: "paystack-9"})
	require.NoError(t, err)
	assert.True(t, ev.AmountPaid.Equal(generic.MustParseMoney("1000")))

	_, err = a.Verify(ctx, gateway.VerifyRequest{TxRef: "paystack-unknown"})
	assert.True(t, generic.IsNotFound(err))

	acct, err := a.IssueVirtualAccount(ctx, gateway.AccountRequest{UserID: "usr-1", Email: "ada@example.com", Name: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "9930001234", acct.AccountNumber)
	assert.Equal(t, "Wema Bank", acct.BankName)
	assert.Equal(t, Name, acct.Gateway)
}
