package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payment-reconciler/generic"
)

func TestScheme_VerifyRoundTrip(t *testing.T) {
	body := []byte(`{"data":{"tx_ref":"fw-1"}}`)

	for _, scheme := range []Scheme{
		HMACSHA256Hex("X-Sig"),
		HMACSHA256Base64("X-Sig"),
		HMACSHA512Hex("X-Sig"),
	} {
		header := http.Header{}
		header.Set("X-Sig", scheme.Sign("s3cret", body))
		assert.NoError(t, scheme.Verify("test", "s3cret", header, body))

		// Tampered body
		err := scheme.Verify("test", "s3cret", header, []byte(`{"data":{"tx_ref":"fw-2"}}`))
		assert.ErrorIs(t, err, generic.ErrAuthentication)

		// Wrong secret
		err = scheme.Verify("test", "other", header, body)
		assert.ErrorIs(t, err, generic.ErrAuthentication)
	}
}

func TestScheme_MissingHeaderOrSecret(t *testing.T) {
	scheme := HMACSHA512Hex("x-paystack-signature")
	body := []byte(`{}`)

	err := scheme.Verify("paystack", "s3cret", http.Header{}, body)
	var authErr *generic.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Contains(t, authErr.Reason, "missing")

	header := http.Header{}
	header.Set("x-paystack-signature", scheme.Sign("", body))
	assert.ErrorIs(t, scheme.Verify("paystack", "", header, body), generic.ErrAuthentication)
}

func TestFields_TolerantReads(t *testing.T) {
	f, err := ParseFields([]byte(`{
		"data": {
			"amount": 1000.50,
			"amount_str": "700",
			"kobo": 70000,
			"kobo_str": "70000.00",
			"id": 12345678901234,
			"nested": {"deep": "x"},
			"list": [{"n": 1}, "skip", {"n": 2}],
			"unexpected": {"whatever": true}
		}
	}`))
	require.NoError(t, err)

	amount, err := f.Money("data.amount")
	require.NoError(t, err)
	assert.Equal(t, "1000.5", amount.String())

	amount, err = f.Money("data.amount_str")
	require.NoError(t, err)
	assert.Equal(t, "700", amount.String())

	amount, err = f.MinorMoney("data.kobo")
	require.NoError(t, err)
	assert.Equal(t, "700", amount.String())

	amount, err = f.MinorMoney("data.kobo_str")
	require.NoError(t, err)
	assert.Equal(t, "700", amount.String())

	_, err = f.MinorMoney("data.amount")
	assert.ErrorIs(t, err, generic.ErrValidation, "a fraction of a kobo is not an amount")

	// Large ids survive without float rounding
	assert.Equal(t, "12345678901234", f.String("data.id"))
	assert.Equal(t, "x", f.String("data.nested.deep"))
	assert.Equal(t, "", f.String("data.missing.path"))
	assert.Len(t, f.List("data.list"), 2)

	_, err = f.Money("data.missing")
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestParseFields_RejectsGarbage(t *testing.T) {
	_, err := ParseFields([]byte(`not json`))
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = ParseFields([]byte(`null`))
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestNormalizeStatus_UnknownIsPending(t *testing.T) {
	table := map[string]EventStatus{"success": StatusSuccessful}
	assert.Equal(t, StatusSuccessful, NormalizeStatus(table, "success"))
	assert.Equal(t, StatusPending, NormalizeStatus(table, "settling"))
	assert.Equal(t, StatusPending, NormalizeStatus(table, ""))
}

func TestClient_TimeoutIsUnknownNotFailure(t *testing.T) {
	// GIVEN: A provider that answers slower than our budget
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	var observed error
	c := NewClient("slow", srv.URL, 50*time.Millisecond)
	c.Observe = func(gateway, op string, elapsed time.Duration, err error) { observed = err }

	// WHEN: We call it
	_, err := c.Do(context.Background(), "verify", http.MethodGet, "/x", nil, nil)

	// THEN: The error is a retryable timeout
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrGatewayTimeout)
	assert.True(t, generic.IsRetryable(err))
	assert.ErrorIs(t, observed, generic.ErrGatewayTimeout)
}

func TestClient_StatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
			w.Write([]byte(`{"status":"success","data":{"n":1}}`))
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/bad":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"message":"bad"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := NewClient("test", srv.URL, time.Second)
	c.Headers["Authorization"] = "Bearer k"
	ctx := context.Background()

	resp, err := c.Do(ctx, "ok", http.MethodGet, "/ok", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "1", resp.Fields.String("data.n"))

	_, err = c.Do(ctx, "missing", http.MethodGet, "/missing", nil, nil)
	assert.True(t, generic.IsNotFound(err))

	_, err = c.Do(ctx, "bad", http.MethodGet, "/bad", nil, nil)
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = c.Do(ctx, "down", http.MethodGet, "/down", nil, nil)
	assert.ErrorIs(t, err, generic.ErrTransient)
	assert.NotErrorIs(t, err, generic.ErrGatewayTimeout)
}

type stubAdapter struct{ name string }

func (s stubAdapter) Name() string { return s.name }
func (s stubAdapter) ParseWebhook(http.Header, []byte) (PaymentEvent, error) {
	return PaymentEvent{}, nil
}

func TestRegistry_CapabilityLookup(t *testing.T) {
	r := NewRegistry(stubAdapter{name: "b"}, stubAdapter{name: "a"})

	assert.Equal(t, []string{"a", "b"}, r.Names())

	_, err := r.Get("zzz")
	assert.True(t, generic.IsNotFound(err))

	_, ok := r.Verifier("a")
	assert.False(t, ok, "stub has no verify capability")
	_, ok = r.Issuer("a")
	assert.False(t, ok)
}
